package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletCredit JournalType = iota
	JournalTypeStake
	JournalTypeUnstake
	JournalTypeRewardFunding
	JournalTypeRewardPayout
	JournalTypeCompound
	JournalTypeRefund
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletCredit:
		return "wallet_credit"
	case JournalTypeStake:
		return "stake"
	case JournalTypeUnstake:
		return "unstake"
	case JournalTypeRewardFunding:
		return "reward_funding"
	case JournalTypeRewardPayout:
		return "reward_payout"
	case JournalTypeCompound:
		return "compound"
	case JournalTypeRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global command sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Amount        sdkmath.Uint // Always positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Command timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from credit to debit, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsNil() || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves across assets", j.JournalID)
		}
	}

	return nil
}
