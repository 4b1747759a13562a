package core

import (
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// positionMutation changes principal after settlement. owed is what settlement
// just released (zero when settlement is skipped).
type positionMutation func(pool *state.Pool, pos *state.Position, owed sdkmath.Uint) error

// settleMode selects whether accrued reward is released before the mutation.
type settleMode bool

const (
	withSettle    settleMode = true
	withoutSettle settleMode = false
)

// applyToPosition is the only way the engine touches a position:
//
//	advance(pool, now) -> settle -> mutate -> rebase reward debt
//
// The pool accumulator is always brought up to now before TotalStaked can
// change, and reward debt is always rebased against the accumulator the
// mutation saw.
func applyToPosition(pool *state.Pool, pos *state.Position, now int64, mode settleMode, mutate positionMutation) (sdkmath.Uint, error) {
	if err := pool.Advance(now); err != nil {
		return sdkmath.Uint{}, err
	}

	owed := fpmath.Zero()
	if mode == withSettle {
		var err error
		owed, err = pos.Settle(pool)
		if err != nil {
			return sdkmath.Uint{}, err
		}
	}

	if mutate != nil {
		if err := mutate(pool, pos, owed); err != nil {
			return sdkmath.Uint{}, err
		}
	}

	if err := pos.Rebase(pool); err != nil {
		return sdkmath.Uint{}, err
	}
	return owed, nil
}

// applyToPool advances the accumulator before any pool parameter changes, so
// elapsed time accrues under the parameters that were in force.
func applyToPool(pool *state.Pool, now int64, mutate func(pool *state.Pool) error) error {
	if err := pool.Advance(now); err != nil {
		return err
	}
	return mutate(pool)
}

// --- Mutations ---

func deposit(amount sdkmath.Uint, now int64) positionMutation {
	return func(pool *state.Pool, pos *state.Position, _ sdkmath.Uint) error {
		if err := pos.Deposit(amount, now); err != nil {
			return err
		}
		return pool.AddStake(amount)
	}
}

func remove(amount sdkmath.Uint) positionMutation {
	return func(pool *state.Pool, pos *state.Position, _ sdkmath.Uint) error {
		if err := pos.Remove(amount); err != nil {
			return err
		}
		return pool.RemoveStake(amount)
	}
}

// compound re-stakes the settled amount. The caller must not pay it out.
func compound(minStake sdkmath.Uint, now int64) positionMutation {
	return func(pool *state.Pool, pos *state.Position, owed sdkmath.Uint) error {
		if owed.LT(minStake) || owed.IsZero() {
			return fmt.Errorf("%w: owed %s, minimum %s", state.ErrBelowMinimum, owed, minStake)
		}
		if !pool.HasCapacityFor(owed) {
			return fmt.Errorf("%w: pool %d", state.ErrCapacityExceeded, pool.ID)
		}
		return deposit(owed, now)(pool, pos, owed)
	}
}

// forfeit zeroes the position without paying reward; principal receives the amount.
func forfeit(principal *sdkmath.Uint) positionMutation {
	return func(pool *state.Pool, pos *state.Position, _ sdkmath.Uint) error {
		*principal = pos.Forfeit()
		return pool.RemoveStake(*principal)
	}
}
