package core

import (
	"StakeLedger/internal/state"
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// PoolView is a pool with its accumulator projected to a point in time.
type PoolView struct {
	*state.Pool
	RewardPerShareNow sdkmath.Uint `json:"reward_per_share_now"`
}

// PositionView is a position with its reward claim projected to a point in time.
type PositionView struct {
	*state.Position
	PendingNow sdkmath.Uint `json:"pending_now"`
}

// PendingRewards returns what user could claim from a pool at now without
// changing any state. Unknown users have nothing pending.
func (e *StakingEngine) PendingRewards(ctx context.Context, poolID state.PoolID, user uuid.UUID, now int64) (sdkmath.Uint, error) {
	release := e.guard.Read(ctx)
	defer release()

	pool, ok := e.store.GetPool(poolID)
	if !ok {
		return sdkmath.Uint{}, fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	return pendingAt(pool, e.store.GetPosition(poolID, user), now)
}

func pendingAt(pool *state.Pool, pos *state.Position, now int64) (sdkmath.Uint, error) {
	acc, err := pool.PendingPerShare(now)
	if err != nil {
		return sdkmath.Uint{}, err
	}
	earned, err := pos.EarnedAt(acc)
	if err != nil {
		return sdkmath.Uint{}, err
	}
	return pos.PendingRewards.Add(earned), nil
}

// PoolInfo returns a pool projected to now.
func (e *StakingEngine) PoolInfo(ctx context.Context, id state.PoolID, now int64) (*PoolView, error) {
	release := e.guard.Read(ctx)
	defer release()

	pool, ok := e.store.GetPool(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, id)
	}
	acc, err := pool.PendingPerShare(now)
	if err != nil {
		return nil, err
	}
	return &PoolView{Pool: pool, RewardPerShareNow: acc}, nil
}

// UserInfo returns one position projected to now. A user who never staked
// gets an empty position.
func (e *StakingEngine) UserInfo(ctx context.Context, poolID state.PoolID, user uuid.UUID, now int64) (*PositionView, error) {
	release := e.guard.Read(ctx)
	defer release()

	pool, ok := e.store.GetPool(poolID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	pos := e.store.GetPosition(poolID, user)
	pending, err := pendingAt(pool, pos, now)
	if err != nil {
		return nil, err
	}
	return &PositionView{Position: pos, PendingNow: pending}, nil
}

// UserPositions returns every position the user holds, projected to now.
func (e *StakingEngine) UserPositions(ctx context.Context, user uuid.UUID, now int64) ([]*PositionView, error) {
	release := e.guard.Read(ctx)
	defer release()

	positions := e.store.GetUserPositions(user)
	views := make([]*PositionView, 0, len(positions))
	for _, pos := range positions {
		pool, ok := e.store.GetPool(pos.PoolID)
		if !ok {
			return nil, fmt.Errorf("%w: position references pool %d", ErrInvariant, pos.PoolID)
		}
		pending, err := pendingAt(pool, pos, now)
		if err != nil {
			return nil, err
		}
		views = append(views, &PositionView{Position: pos, PendingNow: pending})
	}
	return views, nil
}

func (e *StakingEngine) StrategyInfo(ctx context.Context, id state.StrategyID) (*state.Strategy, error) {
	release := e.guard.Read(ctx)
	defer release()

	st, ok := e.store.GetStrategy(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, id)
	}
	return st, nil
}

func (e *StakingEngine) Pools(ctx context.Context) []*state.Pool {
	release := e.guard.Read(ctx)
	defer release()
	return e.store.GetAllPools()
}

func (e *StakingEngine) Strategies(ctx context.Context) []*state.Strategy {
	release := e.guard.Read(ctx)
	defer release()
	return e.store.GetAllStrategies()
}

func (e *StakingEngine) AuthorizedAssets(ctx context.Context) []string {
	release := e.guard.Read(ctx)
	defer release()
	return e.store.AuthorizedAssets()
}

func (e *StakingEngine) TotalValueLocked(ctx context.Context) sdkmath.Uint {
	release := e.guard.Read(ctx)
	defer release()
	return e.store.TotalValueLocked()
}

func (e *StakingEngine) Paused() bool {
	return e.gate.Paused()
}
