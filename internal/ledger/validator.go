package ledger

import (
	"errors"
	"fmt"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker  *BalanceTracker
	registry *AssetRegistry
}

func NewInvariantValidator(tracker *BalanceTracker, registry *AssetRegistry) *InvariantValidator {
	return &InvariantValidator{
		tracker:  tracker,
		registry: registry,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateNonNegative checks that no user or system account is overdrawn.
// External boundary accounts are exempt.
func (v *InvariantValidator) ValidateNonNegative() error {
	for key, balance := range v.tracker.Snapshot() {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if balance.IsNegative() {
			return fmt.Errorf("account %s has negative balance: %s", v.registry.AccountPath(key), balance)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := v.registry.Name(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
