package state

import (
	fpmath "StakeLedger/internal/math"
	"encoding/binary"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// PoolID is the opaque pool identifier, assigned sequentially from 1.
type PoolID uint64

// Pool holds the reward-per-share accumulator for one staking pool.
// Times are unix seconds taken from the command being applied.
type Pool struct {
	ID                   PoolID       `json:"id"`
	StakingAsset         string       `json:"staking_asset"`
	RewardAsset          string       `json:"reward_asset"`
	TotalStaked          sdkmath.Uint `json:"total_staked"`
	RewardRate           sdkmath.Uint `json:"reward_rate"` // reward units per second
	LastUpdateTime       int64        `json:"last_update_time"`
	RewardPerShareStored sdkmath.Uint `json:"reward_per_share_stored"` // scaled by fpmath.Precision
	Capacity             sdkmath.Uint `json:"capacity"`
	Active               bool         `json:"active"`
	CreatedAt            int64        `json:"created_at"`
}

// NewPool returns an active pool with an empty accumulator starting at now.
func NewPool(id PoolID, stakingAsset, rewardAsset string, rate, capacity sdkmath.Uint, now int64) *Pool {
	return &Pool{
		ID:                   id,
		StakingAsset:         stakingAsset,
		RewardAsset:          rewardAsset,
		TotalStaked:          fpmath.Zero(),
		RewardRate:           fpmath.OrZero(rate),
		LastUpdateTime:       now,
		RewardPerShareStored: fpmath.Zero(),
		Capacity:             fpmath.OrZero(capacity),
		Active:               true,
		CreatedAt:            now,
	}
}

// Clone returns an independent copy. sdkmath.Uint values are immutable, so a
// struct copy is enough.
func (p *Pool) Clone() *Pool {
	c := *p
	return &c
}

// normalize fills uninitialized amounts, e.g. after JSON decoding.
func (p *Pool) normalize() {
	p.TotalStaked = fpmath.OrZero(p.TotalStaked)
	p.RewardRate = fpmath.OrZero(p.RewardRate)
	p.RewardPerShareStored = fpmath.OrZero(p.RewardPerShareStored)
	p.Capacity = fpmath.OrZero(p.Capacity)
}

// SameAsset reports whether rewards are paid in the staking asset.
func (p *Pool) SameAsset() bool {
	return p.StakingAsset == p.RewardAsset
}

// accumulatorAt returns the accumulator value as of now without mutating p.
func (p *Pool) accumulatorAt(now int64) (sdkmath.Uint, error) {
	if now <= p.LastUpdateTime || p.TotalStaked.IsZero() {
		return p.RewardPerShareStored, nil
	}

	elapsed := sdkmath.NewUint(uint64(now - p.LastUpdateTime))
	accrued, err := fpmath.CheckedMul(elapsed, p.RewardRate)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("pool %d accrued reward: %w", p.ID, err)
	}

	increment, err := fpmath.MulDiv(accrued, fpmath.Precision, p.TotalStaked)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("pool %d reward per share: %w", p.ID, err)
	}

	acc, err := fpmath.CheckedAdd(p.RewardPerShareStored, increment)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("pool %d accumulator: %w", p.ID, err)
	}
	return acc, nil
}

// Advance integrates the reward rate over [LastUpdateTime, now] into the
// accumulator. Nothing accrues while TotalStaked is zero, and a now at or before
// LastUpdateTime leaves the pool unchanged so time never moves backward.
// Must run before any change to TotalStaked or RewardRate.
func (p *Pool) Advance(now int64) error {
	if now <= p.LastUpdateTime {
		return nil
	}

	acc, err := p.accumulatorAt(now)
	if err != nil {
		return err
	}
	p.RewardPerShareStored = acc
	p.LastUpdateTime = now
	return nil
}

// PendingPerShare returns what RewardPerShareStored would be after Advance(now).
func (p *Pool) PendingPerShare(now int64) (sdkmath.Uint, error) {
	return p.accumulatorAt(now)
}

// HasCapacityFor reports whether TotalStaked + amount stays within Capacity.
func (p *Pool) HasCapacityFor(amount sdkmath.Uint) bool {
	next, err := fpmath.CheckedAdd(p.TotalStaked, amount)
	if err != nil {
		return false
	}
	return next.LTE(p.Capacity)
}

// AddStake increases TotalStaked.
func (p *Pool) AddStake(amount sdkmath.Uint) error {
	next, err := fpmath.CheckedAdd(p.TotalStaked, amount)
	if err != nil {
		return fmt.Errorf("pool %d total staked: %w", p.ID, err)
	}
	p.TotalStaked = next
	return nil
}

// RemoveStake decreases TotalStaked.
func (p *Pool) RemoveStake(amount sdkmath.Uint) error {
	next, err := fpmath.CheckedSub(p.TotalStaked, amount)
	if err != nil {
		return fmt.Errorf("%w: pool %d total staked %s minus %s: %v",
			ErrInvariant, p.ID, p.TotalStaked, amount, err)
	}
	p.TotalStaked = next
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ID))

	buf = append(buf, byte(len(p.StakingAsset)))
	buf = append(buf, p.StakingAsset...)
	buf = append(buf, byte(len(p.RewardAsset)))
	buf = append(buf, p.RewardAsset...)

	buf = fpmath.AppendUint(buf, p.TotalStaked)
	buf = fpmath.AppendUint(buf, p.RewardRate)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.LastUpdateTime))
	buf = fpmath.AppendUint(buf, p.RewardPerShareStored)
	buf = fpmath.AppendUint(buf, p.Capacity)

	if p.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}
