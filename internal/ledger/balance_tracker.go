package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. Balances are signed:
// external boundary accounts go negative as value enters custody.
type BalanceTracker struct {
	balances map[AccountKey]sdkmath.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]sdkmath.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amt := sdkmath.NewIntFromBigInt(j.Amount.BigInt())
	bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Add(amt)
	bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Sub(amt)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) sdkmath.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

// GetWalletBalance returns a user's spendable balance
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, assetID AssetID) sdkmath.Int {
	return bt.GetBalance(NewUserAccountKey(userID, assetID))
}

// ValidateSufficient checks if an account can cover amount
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount sdkmath.Uint) error {
	have := bt.GetBalance(key)
	need := sdkmath.NewIntFromBigInt(amount.BigInt())
	if have.LT(need) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, have, need)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]sdkmath.Int {
	totals := make(map[AssetID]sdkmath.Int)

	for key, balance := range bt.balances {
		cur, ok := totals[key.AssetID]
		if !ok {
			cur = sdkmath.ZeroInt()
		}
		totals[key.AssetID] = cur.Add(balance)
	}

	return totals
}

// Snapshot returns a copy of all balances. sdkmath.Int is immutable.
func (bt *BalanceTracker) Snapshot() map[AccountKey]sdkmath.Int {
	snapshot := make(map[AccountKey]sdkmath.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]sdkmath.Int) {
	bt.balances = make(map[AccountKey]sdkmath.Int, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
