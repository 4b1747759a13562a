package state

import (
	fpmath "StakeLedger/internal/math"
	"encoding/binary"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// PositionKey identifies a user's position in a pool
type PositionKey struct {
	PoolID PoolID
	UserID uuid.UUID
}

// Position is a user's stake and reward bookkeeping in one pool.
type Position struct {
	PoolID             PoolID       `json:"pool_id"`
	UserID             uuid.UUID    `json:"user_id"`
	StakedAmount       sdkmath.Uint `json:"staked_amount"`
	RewardDebt         sdkmath.Uint `json:"reward_debt"`     // StakedAmount * acc / Precision at last settlement
	PendingRewards     sdkmath.Uint `json:"pending_rewards"` // owed but not yet transferred
	LastStakeTime      int64        `json:"last_stake_time"`
	TotalRewardsEarned sdkmath.Uint `json:"total_rewards_earned"`
}

// NewPosition returns an empty position.
func NewPosition(poolID PoolID, userID uuid.UUID) *Position {
	return &Position{
		PoolID:             poolID,
		UserID:             userID,
		StakedAmount:       fpmath.Zero(),
		RewardDebt:         fpmath.Zero(),
		PendingRewards:     fpmath.Zero(),
		TotalRewardsEarned: fpmath.Zero(),
	}
}

func (u *Position) Key() PositionKey {
	return PositionKey{PoolID: u.PoolID, UserID: u.UserID}
}

func (u *Position) Clone() *Position {
	c := *u
	return &c
}

func (u *Position) normalize() {
	u.StakedAmount = fpmath.OrZero(u.StakedAmount)
	u.RewardDebt = fpmath.OrZero(u.RewardDebt)
	u.PendingRewards = fpmath.OrZero(u.PendingRewards)
	u.TotalRewardsEarned = fpmath.OrZero(u.TotalRewardsEarned)
}

// IsEmpty returns true if the position holds neither stake nor pending reward
func (u *Position) IsEmpty() bool {
	return u.StakedAmount.IsZero() && u.PendingRewards.IsZero()
}

// EarnedAt returns reward accrued since the last settlement for accumulator acc.
// A negative result means the debt baseline was not rebased after a mutation.
func (u *Position) EarnedAt(acc sdkmath.Uint) (sdkmath.Uint, error) {
	if u.StakedAmount.IsZero() {
		return fpmath.Zero(), nil
	}
	gross, err := fpmath.MulPrecision(u.StakedAmount, acc)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("position %d/%s gross reward: %w", u.PoolID, u.UserID, err)
	}
	earned, err := fpmath.CheckedSub(gross, u.RewardDebt)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("%w: position %d/%s reward debt %s exceeds gross %s",
			ErrInvariant, u.PoolID, u.UserID, u.RewardDebt, gross)
	}
	return earned, nil
}

// Settle folds accrued reward into the owed amount and clears PendingRewards.
// The pool must already be advanced. The caller transfers owed to the user and
// calls RollbackPayout if that transfer fails.
func (u *Position) Settle(pool *Pool) (owed sdkmath.Uint, err error) {
	earned, err := u.EarnedAt(pool.RewardPerShareStored)
	if err != nil {
		return sdkmath.Uint{}, err
	}

	owed, err = fpmath.CheckedAdd(u.PendingRewards, earned)
	if err != nil {
		return sdkmath.Uint{}, err
	}
	if owed.IsZero() {
		return owed, u.Rebase(pool)
	}

	total, err := fpmath.CheckedAdd(u.TotalRewardsEarned, owed)
	if err != nil {
		return sdkmath.Uint{}, err
	}

	u.PendingRewards = fpmath.Zero()
	u.TotalRewardsEarned = total
	return owed, u.Rebase(pool)
}

// Rebase resets RewardDebt to StakedAmount * acc / Precision.
func (u *Position) Rebase(pool *Pool) error {
	debt, err := fpmath.MulPrecision(u.StakedAmount, pool.RewardPerShareStored)
	if err != nil {
		return fmt.Errorf("position %d/%s reward debt: %w", u.PoolID, u.UserID, err)
	}
	u.RewardDebt = debt
	return nil
}

// RollbackPayout returns an unpaid amount to PendingRewards so the next
// settlement retries it.
func (u *Position) RollbackPayout(owed sdkmath.Uint) error {
	pending, err := fpmath.CheckedAdd(u.PendingRewards, owed)
	if err != nil {
		return err
	}
	total, err := fpmath.CheckedSub(u.TotalRewardsEarned, owed)
	if err != nil {
		return fmt.Errorf("%w: rollback %s exceeds total earned %s", ErrInvariant, owed, u.TotalRewardsEarned)
	}
	u.PendingRewards = pending
	u.TotalRewardsEarned = total
	return nil
}

// Deposit adds principal. RewardDebt must be rebased afterwards.
func (u *Position) Deposit(amount sdkmath.Uint, now int64) error {
	staked, err := fpmath.CheckedAdd(u.StakedAmount, amount)
	if err != nil {
		return fmt.Errorf("position %d/%s staked amount: %w", u.PoolID, u.UserID, err)
	}
	u.StakedAmount = staked
	u.LastStakeTime = now
	return nil
}

// Remove subtracts principal. RewardDebt must be rebased afterwards.
func (u *Position) Remove(amount sdkmath.Uint) error {
	staked, err := fpmath.CheckedSub(u.StakedAmount, amount)
	if err != nil {
		return fmt.Errorf("%w: position %d/%s staked %s minus %s",
			ErrInvariant, u.PoolID, u.UserID, u.StakedAmount, amount)
	}
	u.StakedAmount = staked
	return nil
}

// Forfeit zeroes the position without settling and returns the principal.
func (u *Position) Forfeit() sdkmath.Uint {
	principal := u.StakedAmount
	u.StakedAmount = fpmath.Zero()
	u.RewardDebt = fpmath.Zero()
	u.PendingRewards = fpmath.Zero()
	return principal
}

// CanonicalBytes returns deterministic serialization for hashing
func (u *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(u.PoolID))

	// user_id (16 bytes UUID binary)
	buf = append(buf, u.UserID[:]...)

	buf = fpmath.AppendUint(buf, u.StakedAmount)
	buf = fpmath.AppendUint(buf, u.RewardDebt)
	buf = fpmath.AppendUint(buf, u.PendingRewards)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(u.LastStakeTime))
	buf = fpmath.AppendUint(buf, u.TotalRewardsEarned)

	return buf
}
