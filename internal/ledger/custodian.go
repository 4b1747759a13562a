package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// TransferKind selects the custody accounts a transfer moves between.
type TransferKind uint8

const (
	// Inbound: user wallet -> custody
	TransferStake   TransferKind = iota // wallet -> vault
	TransferFunding                     // wallet -> reward reserve

	// Outbound: custody -> user wallet
	TransferPrincipal // vault -> wallet
	TransferReward    // reward reserve -> wallet
	TransferRefund    // vault -> wallet, undoing an inbound stake
	TransferDefund    // reward reserve -> wallet, undoing an inbound funding
)

func (k TransferKind) String() string {
	switch k {
	case TransferStake:
		return "stake"
	case TransferFunding:
		return "funding"
	case TransferPrincipal:
		return "principal"
	case TransferReward:
		return "reward"
	case TransferRefund:
		return "refund"
	case TransferDefund:
		return "defund"
	default:
		return "unknown"
	}
}

// Transfer is one movement of value between a user and custody.
type Transfer struct {
	Kind      TransferKind
	Asset     string
	User      uuid.UUID
	Amount    sdkmath.Uint
	Ref       string // idempotency key of the command
	Sequence  int64
	Timestamp int64
}

// Custodian is an in-memory double-entry custody ledger. Every movement is
// recorded as a journal batch; batches are collected by the engine with
// TakeBatches for persistence.
type Custodian struct {
	mu        sync.Mutex
	registry  *AssetRegistry
	tracker   *BalanceTracker
	validator *InvariantValidator
	pending   []*Batch
}

func NewCustodian(registry *AssetRegistry) *Custodian {
	if registry == nil {
		registry = NewAssetRegistry()
	}
	tracker := NewBalanceTracker()
	return &Custodian{
		registry:  registry,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker, registry),
	}
}

func (c *Custodian) Registry() *AssetRegistry {
	return c.registry
}

// AuthorizeAsset registers an asset so it can be moved.
func (c *Custodian) AuthorizeAsset(name string) error {
	_, err := c.registry.Register(name)
	return err
}

// CreditWallet brings value across the external boundary into a user wallet.
func (c *Custodian) CreditWallet(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	assetID, err := c.assetID(t.Asset)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.move(t,
		NewUserAccountKey(t.User, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		JournalTypeWalletCredit, false)
}

// TransferIn pulls value from the user's wallet into custody.
func (c *Custodian) TransferIn(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	assetID, err := c.assetID(t.Asset)
	if err != nil {
		return err
	}

	var debit AccountKey
	var jt JournalType
	switch t.Kind {
	case TransferStake:
		debit, jt = NewSystemAccountKey(SubTypeSystemVault, assetID), JournalTypeStake
	case TransferFunding:
		debit, jt = NewSystemAccountKey(SubTypeSystemRewardReserve, assetID), JournalTypeRewardFunding
	default:
		return fmt.Errorf("transfer in: unsupported kind %s", t.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.move(t, debit, NewUserAccountKey(t.User, assetID), jt, true)
}

// TransferOut pays value from custody into the user's wallet.
func (c *Custodian) TransferOut(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	assetID, err := c.assetID(t.Asset)
	if err != nil {
		return err
	}

	var credit AccountKey
	var jt JournalType
	switch t.Kind {
	case TransferPrincipal:
		credit, jt = NewSystemAccountKey(SubTypeSystemVault, assetID), JournalTypeUnstake
	case TransferRefund:
		credit, jt = NewSystemAccountKey(SubTypeSystemVault, assetID), JournalTypeRefund
	case TransferReward:
		credit, jt = NewSystemAccountKey(SubTypeSystemRewardReserve, assetID), JournalTypeRewardPayout
	case TransferDefund:
		credit, jt = NewSystemAccountKey(SubTypeSystemRewardReserve, assetID), JournalTypeRefund
	default:
		return fmt.Errorf("transfer out: unsupported kind %s", t.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.move(t, NewUserAccountKey(t.User, assetID), credit, jt, true)
}

// Compound moves owed reward from the reward reserve into the vault without
// it passing through a wallet.
func (c *Custodian) Compound(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	assetID, err := c.assetID(t.Asset)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.move(t,
		NewSystemAccountKey(SubTypeSystemVault, assetID),
		NewSystemAccountKey(SubTypeSystemRewardReserve, assetID),
		JournalTypeCompound, true)
}

// move records and applies one journal. Callers hold c.mu.
func (c *Custodian) move(t Transfer, debit, credit AccountKey, jt JournalType, checkFunds bool) error {
	if t.Amount.IsNil() || t.Amount.IsZero() {
		return fmt.Errorf("%s transfer of zero amount", jt)
	}
	if checkFunds {
		if err := c.tracker.ValidateSufficient(credit, t.Amount); err != nil {
			return fmt.Errorf("%s from %s: %w", jt, c.registry.AccountPath(credit), err)
		}
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  t.Ref,
		Sequence:  t.Sequence,
		Timestamp: t.Timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      t.Ref,
			Sequence:      t.Sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       debit.AssetID,
			Amount:        t.Amount,
			JournalType:   jt,
			Timestamp:     t.Timestamp,
		}},
	}

	if err := c.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	c.pending = append(c.pending, batch)
	return nil
}

func (c *Custodian) assetID(name string) (AssetID, error) {
	id, ok := c.registry.ID(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, name)
	}
	return id, nil
}

// TakeBatches returns and clears the journal batches recorded since the last call.
func (c *Custodian) TakeBatches() []*Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// --- Balance reads ---

func (c *Custodian) WalletBalance(user uuid.UUID, asset string) sdkmath.Int {
	return c.balance(asset, func(id AssetID) AccountKey { return NewUserAccountKey(user, id) })
}

func (c *Custodian) VaultBalance(asset string) sdkmath.Int {
	return c.balance(asset, func(id AssetID) AccountKey { return NewSystemAccountKey(SubTypeSystemVault, id) })
}

func (c *Custodian) RewardReserve(asset string) sdkmath.Int {
	return c.balance(asset, func(id AssetID) AccountKey { return NewSystemAccountKey(SubTypeSystemRewardReserve, id) })
}

func (c *Custodian) balance(asset string, key func(AssetID) AccountKey) sdkmath.Int {
	id, ok := c.registry.ID(asset)
	if !ok {
		return sdkmath.ZeroInt()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetBalance(key(id))
}

// Validate runs the zero-sum and non-negative checks over every account.
func (c *Custodian) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return c.validator.ValidateNonNegative()
}

// ============================================================================
// Snapshot & restore
// ============================================================================

type balanceEntry struct {
	Scope   AccountScope   `json:"scope"`
	Entity  uuid.UUID      `json:"entity"`
	SubType AccountSubType `json:"sub_type"`
	Asset   string         `json:"asset"`
	Balance sdkmath.Int    `json:"balance"`
}

type custodySnapshot struct {
	Assets   []string       `json:"assets"`
	Balances []balanceEntry `json:"balances"`
}

// MarshalState serializes the registry and all balances.
func (c *Custodian) MarshalState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := custodySnapshot{Assets: c.registry.Names()}
	for key, bal := range c.tracker.Snapshot() {
		name, _ := c.registry.Name(key.AssetID)
		snap.Balances = append(snap.Balances, balanceEntry{
			Scope:   key.Scope,
			Entity:  uuid.UUID(key.EntityID),
			SubType: key.SubType,
			Asset:   name,
			Balance: bal,
		})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.SubType != b.SubType {
			return a.SubType < b.SubType
		}
		return a.Entity.String() < b.Entity.String()
	})
	return json.Marshal(snap)
}

// RestoreState replaces the registry contents and balances.
func (c *Custodian) RestoreState(data []byte) error {
	var snap custodySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal custody snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range snap.Assets {
		if _, err := c.registry.Register(name); err != nil {
			return err
		}
	}

	balances := make(map[AccountKey]sdkmath.Int, len(snap.Balances))
	for _, e := range snap.Balances {
		id, ok := c.registry.ID(e.Asset)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAsset, e.Asset)
		}
		balances[AccountKey{Scope: e.Scope, EntityID: e.Entity, SubType: e.SubType, AssetID: id}] = e.Balance
	}
	c.tracker.Restore(balances)
	c.pending = nil

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore custody: %w", err)
	}
	return nil
}
