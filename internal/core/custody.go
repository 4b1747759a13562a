package core

import (
	"StakeLedger/internal/ledger"
	"context"

	"github.com/google/uuid"
)

// Custody moves value between users and custody. Either call may fail; the
// engine never commits ledger state before a required inbound transfer
// succeeds.
type Custody interface {
	TransferIn(ctx context.Context, t ledger.Transfer) error
	TransferOut(ctx context.Context, t ledger.Transfer) error
}

// Compounder moves owed reward straight into staked principal. Custodians
// that do not implement it are assumed to hold both in one account.
type Compounder interface {
	Compound(ctx context.Context, t ledger.Transfer) error
}

// AssetRegistrar is told about newly authorized assets.
type AssetRegistrar interface {
	AuthorizeAsset(name string) error
}

// WalletCreditor accepts value from outside custody.
type WalletCreditor interface {
	CreditWallet(ctx context.Context, t ledger.Transfer) error
}

// JournalSource hands over journal batches recorded by custody.
type JournalSource interface {
	TakeBatches() []*ledger.Batch
}

// StateMarshaler lets custody balances ride along in engine snapshots.
type StateMarshaler interface {
	MarshalState() ([]byte, error)
	RestoreState(data []byte) error
}

// Gate is the access and pause collaborator.
type Gate interface {
	RequireOwner(caller uuid.UUID) error
	RequireNotPaused() error
	SetPaused(paused bool) bool
	Paused() bool
}
