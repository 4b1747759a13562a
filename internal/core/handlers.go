package core

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

const maxNameLen = 64

func (e *StakingEngine) dispatch(x *execution) error {
	switch c := x.cmd.(type) {
	case *command.Stake:
		return e.handleStake(x, c)
	case *command.Withdraw:
		return e.handleWithdraw(x, c)
	case *command.Harvest:
		return e.handleHarvest(x, c)
	case *command.Restake:
		return e.handleRestake(x, c)
	case *command.EmergencyWithdraw:
		return e.handleEmergencyWithdraw(x, c)
	case *command.ExecuteStrategy:
		return e.handleExecuteStrategy(x, c)
	case *command.CreatePool:
		return e.handleCreatePool(x, c)
	case *command.UpdatePoolRate:
		return e.handleUpdatePoolRate(x, c)
	case *command.TogglePoolActive:
		return e.handleTogglePoolActive(x, c)
	case *command.CreateStrategy:
		return e.handleCreateStrategy(x, c)
	case *command.ToggleStrategyActive:
		return e.handleToggleStrategyActive(x, c)
	case *command.AuthorizeAsset:
		return e.handleAuthorizeAsset(x, c)
	case *command.FundRewards:
		return e.handleFundRewards(x, c)
	case *command.CreditWallet:
		return e.handleCreditWallet(x, c)
	case *command.Pause:
		x.after = append(x.after, func() { e.gate.SetPaused(true) })
		return nil
	case *command.Unpause:
		x.after = append(x.after, func() { e.gate.SetPaused(false) })
		return nil
	default:
		return fmt.Errorf("unhandled command type %T", x.cmd)
	}
}

func requireUser(cmd command.Command) error {
	if cmd.Caller() == uuid.Nil {
		return fmt.Errorf("missing caller id")
	}
	return nil
}

// checkStakeable validates a deposit of amount into pool.
func (e *StakingEngine) checkStakeable(x *execution, pool *state.Pool, amount sdkmath.Uint) error {
	if !pool.Active {
		return fmt.Errorf("%w: pool %d", state.ErrPoolInactive, pool.ID)
	}
	if !x.txn.IsAssetAuthorized(pool.StakingAsset) {
		return fmt.Errorf("%w: %s", state.ErrAssetNotAuthorized, pool.StakingAsset)
	}
	if amount.IsZero() {
		return state.ErrZeroAmount
	}
	if amount.LT(e.minStake) {
		return fmt.Errorf("%w: %s < %s", state.ErrBelowMinimum, amount, e.minStake)
	}
	if !pool.HasCapacityFor(amount) {
		return fmt.Errorf("%w: pool %d staked %s + %s > capacity %s",
			state.ErrCapacityExceeded, pool.ID, pool.TotalStaked, amount, pool.Capacity)
	}
	return nil
}

// --- User operations ---

func (e *StakingEngine) handleStake(x *execution, c *command.Stake) error {
	if err := requireUser(c); err != nil {
		return err
	}
	amount := fpmath.OrZero(c.Amount)

	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	if err := e.checkStakeable(x, pool, amount); err != nil {
		return err
	}

	pos := x.txn.Position(pool.ID, c.Caller())
	owed, err := applyToPosition(pool, pos, x.now, withSettle, deposit(amount, x.now))
	if err != nil {
		return err
	}

	x.pullIn(ledger.TransferStake, pool.StakingAsset, c.Caller(), amount)
	x.payReward(pos, pool.RewardAsset, owed)
	x.result.PoolID = pool.ID
	x.result.Principal = amount
	return nil
}

func (e *StakingEngine) handleWithdraw(x *execution, c *command.Withdraw) error {
	if err := requireUser(c); err != nil {
		return err
	}

	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	pos := x.txn.Position(pool.ID, c.Caller())
	if pos.StakedAmount.IsZero() {
		return fmt.Errorf("%w: pool %d", state.ErrNothingStaked, pool.ID)
	}

	amount := fpmath.OrZero(c.Amount)
	if amount.IsZero() {
		amount = pos.StakedAmount
	}
	if amount.GT(pos.StakedAmount) {
		return fmt.Errorf("%w: requested %s, staked %s", state.ErrAmountExceedsStake, amount, pos.StakedAmount)
	}

	owed, err := applyToPosition(pool, pos, x.now, withSettle, remove(amount))
	if err != nil {
		return err
	}

	x.pushOut(ledger.TransferPrincipal, pool.StakingAsset, c.Caller(), amount)
	x.payReward(pos, pool.RewardAsset, owed)
	x.result.PoolID = pool.ID
	x.result.Principal = amount
	return nil
}

func (e *StakingEngine) handleHarvest(x *execution, c *command.Harvest) error {
	if err := requireUser(c); err != nil {
		return err
	}

	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	pos := x.txn.Position(pool.ID, c.Caller())
	if pos.IsEmpty() {
		return fmt.Errorf("%w: pool %d", state.ErrNothingStaked, pool.ID)
	}

	owed, err := applyToPosition(pool, pos, x.now, withSettle, nil)
	if err != nil {
		return err
	}

	x.payReward(pos, pool.RewardAsset, owed)
	x.result.PoolID = pool.ID
	return nil
}

func (e *StakingEngine) handleRestake(x *execution, c *command.Restake) error {
	if err := requireUser(c); err != nil {
		return err
	}

	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	if !pool.SameAsset() {
		return fmt.Errorf("%w: pool %d stakes %s, rewards %s",
			state.ErrAssetMismatch, pool.ID, pool.StakingAsset, pool.RewardAsset)
	}
	if !pool.Active {
		return fmt.Errorf("%w: pool %d", state.ErrPoolInactive, pool.ID)
	}
	if !x.txn.IsAssetAuthorized(pool.StakingAsset) {
		return fmt.Errorf("%w: %s", state.ErrAssetNotAuthorized, pool.StakingAsset)
	}

	pos := x.txn.Position(pool.ID, c.Caller())
	if pos.IsEmpty() {
		return fmt.Errorf("%w: pool %d", state.ErrNothingStaked, pool.ID)
	}

	owed, err := applyToPosition(pool, pos, x.now, withSettle, compound(e.minStake, x.now))
	if err != nil {
		return err
	}

	x.compoundInto(pool.StakingAsset, c.Caller(), owed)
	x.result.PoolID = pool.ID
	x.result.Owed = owed
	x.result.Compounded = owed
	return nil
}

func (e *StakingEngine) handleEmergencyWithdraw(x *execution, c *command.EmergencyWithdraw) error {
	if err := requireUser(c); err != nil {
		return err
	}

	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	pos := x.txn.Position(pool.ID, c.Caller())
	if pos.StakedAmount.IsZero() {
		return fmt.Errorf("%w: pool %d", state.ErrNothingStaked, pool.ID)
	}

	principal := fpmath.Zero()
	if _, err := applyToPosition(pool, pos, x.now, withoutSettle, forfeit(&principal)); err != nil {
		return err
	}

	x.pushOut(ledger.TransferPrincipal, pool.StakingAsset, c.Caller(), principal)
	x.result.PoolID = pool.ID
	x.result.Principal = principal
	return nil
}

// handleExecuteStrategy splits one deposit across the strategy's pools in
// stored order. Any failing share aborts the whole deposit. The truncation
// remainder is reported as Dust and stays with the user.
func (e *StakingEngine) handleExecuteStrategy(x *execution, c *command.ExecuteStrategy) error {
	if err := requireUser(c); err != nil {
		return err
	}
	amount := fpmath.OrZero(c.Amount)
	if amount.IsZero() {
		return state.ErrZeroAmount
	}

	st, err := x.txn.Strategy(c.StrategyID)
	if err != nil {
		return err
	}
	if !st.Active {
		return fmt.Errorf("%w: strategy %d", state.ErrStrategyInactive, st.ID)
	}
	if err := st.Validate(); err != nil {
		return err
	}

	shares, dust, err := st.Split(amount)
	if err != nil {
		return err
	}

	asset := ""
	deposited := fpmath.Zero()
	for _, share := range shares {
		pool, err := x.txn.Pool(share.PoolID)
		if err != nil {
			return err
		}
		if asset == "" {
			asset = pool.StakingAsset
		} else if pool.StakingAsset != asset {
			return fmt.Errorf("%w: strategy %d", state.ErrMixedStakingAssets, st.ID)
		}
		if share.Amount.IsZero() {
			continue
		}
		if err := e.checkStakeable(x, pool, share.Amount); err != nil {
			return fmt.Errorf("strategy %d pool %d: %w", st.ID, pool.ID, err)
		}

		pos := x.txn.Position(pool.ID, c.Caller())
		owed, err := applyToPosition(pool, pos, x.now, withSettle, deposit(share.Amount, x.now))
		if err != nil {
			return err
		}
		x.payReward(pos, pool.RewardAsset, owed)
		deposited = deposited.Add(share.Amount)
	}

	if deposited.IsZero() {
		return fmt.Errorf("%w: every share of %s truncates to zero", state.ErrBelowMinimum, amount)
	}

	x.pullIn(ledger.TransferStake, asset, c.Caller(), deposited)
	x.result.StrategyID = st.ID
	x.result.Shares = shares
	x.result.Dust = dust
	x.result.Principal = deposited
	return nil
}

// --- Admin operations ---

func (e *StakingEngine) handleCreatePool(x *execution, c *command.CreatePool) error {
	if c.StakingAsset == "" || c.RewardAsset == "" {
		return fmt.Errorf("staking and reward assets are required")
	}
	for _, a := range []string{c.StakingAsset, c.RewardAsset} {
		if !x.txn.IsAssetAuthorized(a) {
			return fmt.Errorf("%w: %s", state.ErrAssetNotAuthorized, a)
		}
	}
	capacity := fpmath.OrZero(c.Capacity)
	if capacity.IsZero() {
		return fmt.Errorf("capacity: %w", state.ErrZeroAmount)
	}

	pool := x.txn.CreatePool(c.StakingAsset, c.RewardAsset, fpmath.OrZero(c.RewardRate), capacity, x.now)
	x.result.PoolID = pool.ID
	x.result.Active = pool.Active
	return nil
}

// handleUpdatePoolRate accrues elapsed time at the old rate before switching.
func (e *StakingEngine) handleUpdatePoolRate(x *execution, c *command.UpdatePoolRate) error {
	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	rate := fpmath.OrZero(c.RewardRate)
	if err := applyToPool(pool, x.now, func(p *state.Pool) error {
		p.RewardRate = rate
		return nil
	}); err != nil {
		return err
	}
	x.result.PoolID = pool.ID
	x.result.Active = pool.Active
	return nil
}

func (e *StakingEngine) handleTogglePoolActive(x *execution, c *command.TogglePoolActive) error {
	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	if err := applyToPool(pool, x.now, func(p *state.Pool) error {
		p.Active = !p.Active
		return nil
	}); err != nil {
		return err
	}
	x.result.PoolID = pool.ID
	x.result.Active = pool.Active
	return nil
}

func (e *StakingEngine) handleCreateStrategy(x *execution, c *command.CreateStrategy) error {
	if c.Name == "" || len(c.Name) > maxNameLen {
		return fmt.Errorf("strategy name must be 1-%d bytes", maxNameLen)
	}

	candidate := &state.Strategy{Name: c.Name, Allocations: c.Allocations}
	if err := candidate.Validate(); err != nil {
		return err
	}

	asset := ""
	for _, a := range c.Allocations {
		pool, err := x.txn.Pool(a.PoolID)
		if err != nil {
			return err
		}
		if asset == "" {
			asset = pool.StakingAsset
		} else if pool.StakingAsset != asset {
			return fmt.Errorf("%w: pool %d stakes %s, expected %s",
				state.ErrMixedStakingAssets, pool.ID, pool.StakingAsset, asset)
		}
	}

	st := x.txn.CreateStrategy(c.Name, c.Allocations, x.now)
	x.result.StrategyID = st.ID
	x.result.Active = st.Active
	return nil
}

func (e *StakingEngine) handleToggleStrategyActive(x *execution, c *command.ToggleStrategyActive) error {
	st, err := x.txn.Strategy(c.StrategyID)
	if err != nil {
		return err
	}
	st.Active = !st.Active
	x.result.StrategyID = st.ID
	x.result.Active = st.Active
	return nil
}

func (e *StakingEngine) handleAuthorizeAsset(x *execution, c *command.AuthorizeAsset) error {
	if c.Asset == "" || len(c.Asset) > maxNameLen {
		return fmt.Errorf("asset name must be 1-%d bytes", maxNameLen)
	}
	x.txn.AuthorizeAsset(c.Asset)

	if reg, ok := e.custody.(AssetRegistrar); ok {
		x.external(ledger.Transfer{Asset: c.Asset}, func(_ context.Context, t ledger.Transfer) error {
			return reg.AuthorizeAsset(t.Asset)
		})
	}
	return nil
}

func (e *StakingEngine) handleFundRewards(x *execution, c *command.FundRewards) error {
	pool, err := x.txn.Pool(c.PoolID)
	if err != nil {
		return err
	}
	amount := fpmath.OrZero(c.Amount)
	if amount.IsZero() {
		return state.ErrZeroAmount
	}

	x.pullIn(ledger.TransferFunding, pool.RewardAsset, c.Caller(), amount)
	x.result.PoolID = pool.ID
	x.result.Principal = amount
	return nil
}

func (e *StakingEngine) handleCreditWallet(x *execution, c *command.CreditWallet) error {
	if c.UserID == uuid.Nil {
		return fmt.Errorf("missing user id")
	}
	if !x.txn.IsAssetAuthorized(c.Asset) {
		return fmt.Errorf("%w: %s", state.ErrAssetNotAuthorized, c.Asset)
	}
	amount := fpmath.OrZero(c.Amount)
	if amount.IsZero() {
		return state.ErrZeroAmount
	}

	creditor, ok := e.custody.(WalletCreditor)
	if !ok {
		return ErrUnsupportedCustody
	}
	x.external(x.transfer(ledger.TransferStake, c.Asset, c.UserID, amount), creditor.CreditWallet)
	x.result.Principal = amount
	return nil
}
