package core_test

import (
	"StakeLedger/internal/access"
	"StakeLedger/internal/command"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"context"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func u(v uint64) sdkmath.Uint { return sdkmath.NewUint(v) }

func i(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

type harness struct {
	t       *testing.T
	engine  *core.StakingEngine
	custody *ledger.Custodian
	owner   uuid.UUID
	persist chan core.CoreOutput
	keys    int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

// newHarnessWith builds an engine over a fresh custodian. wrap may replace
// the custody the engine sees.
func newHarnessWith(t *testing.T, wrap func(*ledger.Custodian) core.Custody) *harness {
	t.Helper()
	owner := uuid.New()
	custodian := ledger.NewCustodian(nil)
	var custody core.Custody = custodian
	if wrap != nil {
		custody = wrap(custodian)
	}

	logger := zerolog.Nop()
	persist := make(chan core.CoreOutput, 1024)
	engine := core.NewStakingEngine(
		core.Config{MinStake: u(1), Logger: &logger},
		nil, custody, access.NewController(owner),
		persist, nil, nil, nil,
	)
	return &harness{t: t, engine: engine, custody: custodian, owner: owner, persist: persist}
}

func (h *harness) meta(caller uuid.UUID, at int64) command.Meta {
	h.keys++
	return command.Meta{Key: fmt.Sprintf("key-%d", h.keys), CallerID: caller, At: at}
}

func (h *harness) admin(at int64) command.Meta { return h.meta(h.owner, at) }

func (h *harness) apply(cmd command.Command) (*core.Result, error) {
	return h.engine.Process(context.Background(), cmd)
}

func (h *harness) mustApply(cmd command.Command) *core.Result {
	h.t.Helper()
	res, err := h.apply(cmd)
	require.NoError(h.t, err, "%s", cmd.CommandType())
	return res
}

// setupPool authorizes both assets, creates a pool and funds its reward
// reserve with fund units from the owner.
func (h *harness) setupPool(stakingAsset, rewardAsset string, rate, capacity, fund uint64) state.PoolID {
	h.t.Helper()
	h.mustApply(&command.AuthorizeAsset{Meta: h.admin(0), Asset: stakingAsset})
	if rewardAsset != stakingAsset {
		h.mustApply(&command.AuthorizeAsset{Meta: h.admin(0), Asset: rewardAsset})
	}
	res := h.mustApply(&command.CreatePool{
		Meta:         h.admin(0),
		StakingAsset: stakingAsset,
		RewardAsset:  rewardAsset,
		RewardRate:   u(rate),
		Capacity:     u(capacity),
	})
	if fund > 0 {
		h.credit(h.owner, rewardAsset, fund)
		h.mustApply(&command.FundRewards{Meta: h.admin(0), PoolID: res.PoolID, Amount: u(fund)})
	}
	return res.PoolID
}

func (h *harness) credit(user uuid.UUID, asset string, amount uint64) {
	h.t.Helper()
	h.mustApply(&command.CreditWallet{Meta: h.admin(0), UserID: user, Asset: asset, Amount: u(amount)})
}

func (h *harness) pending(poolID state.PoolID, user uuid.UUID, now int64) sdkmath.Uint {
	h.t.Helper()
	p, err := h.engine.PendingRewards(context.Background(), poolID, user, now)
	require.NoError(h.t, err)
	return p
}

func (h *harness) position(poolID state.PoolID, user uuid.UUID) *core.PositionView {
	h.t.Helper()
	v, err := h.engine.UserInfo(context.Background(), poolID, user, 0)
	require.NoError(h.t, err)
	return v
}

func (h *harness) pool(poolID state.PoolID) *core.PoolView {
	h.t.Helper()
	v, err := h.engine.PoolInfo(context.Background(), poolID, 0)
	require.NoError(h.t, err)
	return v
}

func requireUint(t *testing.T, want uint64, got sdkmath.Uint, msgAndArgs ...interface{}) {
	t.Helper()
	require.True(t, got.Equal(u(want)), append([]interface{}{"want %d, got %s", want, got}, msgAndArgs...)...)
}

// ============================================================================
// Test: Reward accrual
// ============================================================================

func TestEngine_TwoStakerScenario(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 100_000)
	alice, bob := uuid.New(), uuid.New()
	h.credit(alice, "STK", 100)
	h.credit(bob, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	requireUint(t, 1000, h.pending(pid, alice, 100))

	h.mustApply(&command.Stake{Meta: h.meta(bob, 100), PoolID: pid, Amount: u(100)})
	requireUint(t, 1500, h.pending(pid, alice, 200))
	requireUint(t, 500, h.pending(pid, bob, 200))

	// Bob's stake settled nothing for Alice; her 1000 is still unpaid.
	require.True(t, h.custody.WalletBalance(alice, "RWD").IsZero())

	res := h.mustApply(&command.Harvest{Meta: h.meta(alice, 200), PoolID: pid})
	requireUint(t, 1500, res.Owed)
	requireUint(t, 1500, res.Paid)
	require.False(t, res.PayoutFailed)
	require.True(t, h.custody.WalletBalance(alice, "RWD").Equal(i(1500)))

	pos := h.position(pid, alice)
	require.True(t, pos.PendingRewards.IsZero())
	requireUint(t, 1500, pos.TotalRewardsEarned)
	requireUint(t, 0, h.pending(pid, alice, 200))
}

func TestEngine_RateChangeAccruesAtOldRateFirst(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	h.mustApply(&command.UpdatePoolRate{Meta: h.admin(100), PoolID: pid, RewardRate: u(20)})

	requireUint(t, 3000, h.pending(pid, alice, 200))
	require.EqualValues(t, 100, h.pool(pid).LastUpdateTime)
}

func TestEngine_NoAccrualWhilePoolEmpty(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 500), PoolID: pid, Amount: u(100)})
	requireUint(t, 0, h.pending(pid, alice, 500))
	requireUint(t, 100, h.pending(pid, alice, 510))
}

// ============================================================================
// Test: Withdrawals
// ============================================================================

func TestEngine_WithdrawPaysPrincipalAndReward(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 100_000)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	res := h.mustApply(&command.Withdraw{Meta: h.meta(alice, 100), PoolID: pid, Amount: u(40)})
	requireUint(t, 40, res.Principal)
	requireUint(t, 1000, res.Paid)

	res = h.mustApply(&command.Withdraw{Meta: h.meta(alice, 100), PoolID: pid})
	requireUint(t, 60, res.Principal, "zero amount withdraws everything")
	requireUint(t, 0, res.Owed)

	require.True(t, h.custody.WalletBalance(alice, "STK").Equal(i(100)))
	require.True(t, h.custody.WalletBalance(alice, "RWD").Equal(i(1000)))
	require.True(t, h.engine.TotalValueLocked(context.Background()).IsZero())

	_, err := h.apply(&command.Withdraw{Meta: h.meta(alice, 100), PoolID: pid})
	require.ErrorIs(t, err, core.ErrNothingStaked)
}

func TestEngine_WithdrawMoreThanStaked(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 100)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})

	_, err := h.apply(&command.Withdraw{Meta: h.meta(alice, 10), PoolID: pid, Amount: u(101)})
	require.ErrorIs(t, err, core.ErrAmountExceedsStake)
	require.Equal(t, core.KindValidation, core.KindOf(err))
	requireUint(t, 100, h.position(pid, alice).StakedAmount)
}

func TestEngine_EmergencyWithdrawForfeitsReward(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 100_000)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	requireUint(t, 1000, h.pending(pid, alice, 100))

	res := h.mustApply(&command.EmergencyWithdraw{Meta: h.meta(alice, 100), PoolID: pid})
	requireUint(t, 100, res.Principal)
	requireUint(t, 0, res.Owed)

	pos := h.position(pid, alice)
	require.True(t, pos.StakedAmount.IsZero())
	require.True(t, pos.PendingRewards.IsZero())
	require.True(t, pos.TotalRewardsEarned.IsZero())
	requireUint(t, 0, h.pool(pid).TotalStaked)

	require.True(t, h.custody.WalletBalance(alice, "STK").Equal(i(100)))
	require.True(t, h.custody.WalletBalance(alice, "RWD").IsZero())
}

// ============================================================================
// Test: Rejections leave state untouched
// ============================================================================

func TestEngine_CapacityExceeded(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 150, 0)
	alice, bob := uuid.New(), uuid.New()
	h.credit(alice, "STK", 100)
	h.credit(bob, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	seq := h.engine.GetSequence()
	hash := h.engine.GetStateHash()

	_, err := h.apply(&command.Stake{Meta: h.meta(bob, 10), PoolID: pid, Amount: u(100)})
	require.ErrorIs(t, err, core.ErrCapacityExceeded)

	require.Equal(t, seq, h.engine.GetSequence())
	require.Equal(t, hash, h.engine.GetStateHash())
	requireUint(t, 100, h.pool(pid).TotalStaked)
	require.EqualValues(t, 0, h.pool(pid).LastUpdateTime, "rejected command must not advance the pool")
	require.True(t, h.custody.WalletBalance(bob, "STK").Equal(i(100)))

	h.mustApply(&command.Stake{Meta: h.meta(bob, 10), PoolID: pid, Amount: u(50)})
	requireUint(t, 150, h.pool(pid).TotalStaked)
}

func TestEngine_InsufficientWalletAbortsStake(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 50)

	_, err := h.apply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	require.Equal(t, core.KindTransfer, core.KindOf(err))
	require.True(t, h.position(pid, alice).StakedAmount.IsZero())
	require.True(t, h.engine.TotalValueLocked(context.Background()).IsZero())
}

func TestEngine_StakeValidation(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 1000)

	tests := []struct {
		name string
		cmd  command.Command
		want error
	}{
		{"zero amount", &command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(0)}, core.ErrZeroAmount},
		{"unknown pool", &command.Stake{Meta: h.meta(alice, 0), PoolID: 99, Amount: u(10)}, core.ErrUnknownPool},
		{"missing key", &command.Stake{Meta: command.Meta{CallerID: alice}, PoolID: pid, Amount: u(10)}, core.ErrMissingKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.apply(tt.cmd)
			require.ErrorIs(t, err, tt.want)
		})
	}

	h.mustApply(&command.TogglePoolActive{Meta: h.admin(0), PoolID: pid})
	_, err := h.apply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(10)})
	require.ErrorIs(t, err, core.ErrPoolInactive)
}

func TestEngine_DuplicateKeyIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 200)

	cmd := &command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)}
	h.mustApply(cmd)
	seq := h.engine.GetSequence()

	res := h.mustApply(cmd)
	require.True(t, res.Duplicate)
	require.Equal(t, seq, h.engine.GetSequence())
	requireUint(t, 100, h.position(pid, alice).StakedAmount)
}

// ============================================================================
// Test: Payout failure
// ============================================================================

// An unfunded reward reserve makes the payout fail. The command still
// commits and the owed amount stays claimable.
func TestEngine_PayoutFailureRollsBackIntoPending(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	res := h.mustApply(&command.Harvest{Meta: h.meta(alice, 100), PoolID: pid})

	require.True(t, res.PayoutFailed)
	requireUint(t, 1000, res.Owed)
	requireUint(t, 0, res.Paid)

	pos := h.position(pid, alice)
	requireUint(t, 1000, pos.PendingRewards)
	requireUint(t, 0, pos.TotalRewardsEarned, "only delivered reward counts as earned")
	requireUint(t, 1000, h.pending(pid, alice, 100))

	// Funding the reserve lets the next harvest deliver it.
	h.credit(h.owner, "RWD", 5000)
	h.mustApply(&command.FundRewards{Meta: h.admin(100), PoolID: pid, Amount: u(5000)})
	res = h.mustApply(&command.Harvest{Meta: h.meta(alice, 100), PoolID: pid})
	require.False(t, res.PayoutFailed)
	requireUint(t, 1000, res.Paid)
	require.True(t, h.custody.WalletBalance(alice, "RWD").Equal(i(1000)))
	requireUint(t, 1000, h.position(pid, alice).TotalRewardsEarned)
}

// ============================================================================
// Test: Restake
// ============================================================================

func TestEngine_RestakeCompoundsOwed(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "STK", 10, 1_000_000, 10_000)
	alice := uuid.New()
	h.credit(alice, "STK", 100)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	res := h.mustApply(&command.Restake{Meta: h.meta(alice, 100), PoolID: pid})
	requireUint(t, 1000, res.Compounded)

	pos := h.position(pid, alice)
	requireUint(t, 1100, pos.StakedAmount)
	require.True(t, pos.PendingRewards.IsZero())
	requireUint(t, 1100, h.pool(pid).TotalStaked)
	require.True(t, h.custody.VaultBalance("STK").Equal(i(1100)))
	require.True(t, h.custody.RewardReserve("STK").Equal(i(9000)))

	// Debt was rebased on the compounded stake.
	// 100 reward over 1100 staked truncates the per-share step, so one unit
	// stays behind as dust.
	requireUint(t, 0, h.pending(pid, alice, 100))
	requireUint(t, 99, h.pending(pid, alice, 110))
}

func TestEngine_RestakeRequiresSameAsset(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 10_000)
	alice := uuid.New()
	h.credit(alice, "STK", 100)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})

	_, err := h.apply(&command.Restake{Meta: h.meta(alice, 100), PoolID: pid})
	require.ErrorIs(t, err, core.ErrAssetMismatch)
	requireUint(t, 1000, h.pending(pid, alice, 100))
}

// ============================================================================
// Test: Strategies
// ============================================================================

func TestEngine_StrategySplitReportsDust(t *testing.T) {
	h := newHarness(t)
	p1 := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	p2 := h.mustApply(&command.CreatePool{
		Meta: h.admin(0), StakingAsset: "STK", RewardAsset: "RWD", RewardRate: u(5), Capacity: u(1_000_000),
	}).PoolID
	alice := uuid.New()
	h.credit(alice, "STK", 101)

	sid := h.mustApply(&command.CreateStrategy{
		Meta: h.admin(0),
		Name: "balanced",
		Allocations: []state.Allocation{
			{PoolID: p1, BasisPoints: 5000},
			{PoolID: p2, BasisPoints: 5000},
		},
	}).StrategyID

	res := h.mustApply(&command.ExecuteStrategy{Meta: h.meta(alice, 0), StrategyID: sid, Amount: u(101)})
	requireUint(t, 1, res.Dust)
	requireUint(t, 100, res.Principal)
	require.Len(t, res.Shares, 2)

	requireUint(t, 50, h.position(p1, alice).StakedAmount)
	requireUint(t, 50, h.position(p2, alice).StakedAmount)
	// Dust never left the wallet.
	require.True(t, h.custody.WalletBalance(alice, "STK").Equal(i(1)))
}

func TestEngine_StrategyIsAtomic(t *testing.T) {
	h := newHarness(t)
	p1 := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	p2 := h.mustApply(&command.CreatePool{
		Meta: h.admin(0), StakingAsset: "STK", RewardAsset: "RWD", RewardRate: u(5), Capacity: u(10),
	}).PoolID
	alice := uuid.New()
	h.credit(alice, "STK", 1000)

	sid := h.mustApply(&command.CreateStrategy{
		Meta: h.admin(0),
		Name: "tight",
		Allocations: []state.Allocation{
			{PoolID: p1, BasisPoints: 7000},
			{PoolID: p2, BasisPoints: 3000},
		},
	}).StrategyID

	_, err := h.apply(&command.ExecuteStrategy{Meta: h.meta(alice, 0), StrategyID: sid, Amount: u(1000)})
	require.ErrorIs(t, err, core.ErrCapacityExceeded)

	require.True(t, h.position(p1, alice).StakedAmount.IsZero())
	require.True(t, h.position(p2, alice).StakedAmount.IsZero())
	require.True(t, h.custody.WalletBalance(alice, "STK").Equal(i(1000)))

	h.mustApply(&command.ToggleStrategyActive{Meta: h.admin(0), StrategyID: sid})
	_, err = h.apply(&command.ExecuteStrategy{Meta: h.meta(alice, 0), StrategyID: sid, Amount: u(10)})
	require.ErrorIs(t, err, core.ErrStrategyInactive)
}

func TestEngine_CreateStrategyValidation(t *testing.T) {
	h := newHarness(t)
	p1 := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	h.mustApply(&command.AuthorizeAsset{Meta: h.admin(0), Asset: "OTH"})
	p2 := h.mustApply(&command.CreatePool{
		Meta: h.admin(0), StakingAsset: "OTH", RewardAsset: "RWD", RewardRate: u(5), Capacity: u(100),
	}).PoolID

	tests := []struct {
		name   string
		allocs []state.Allocation
		want   error
	}{
		{"sum below total", []state.Allocation{{PoolID: p1, BasisPoints: 9999}}, core.ErrInvalidAllocation},
		{"duplicate pool", []state.Allocation{{PoolID: p1, BasisPoints: 5000}, {PoolID: p1, BasisPoints: 5000}}, state.ErrDuplicatePool},
		{"unknown pool", []state.Allocation{{PoolID: 42, BasisPoints: 10000}}, core.ErrUnknownPool},
		{"mixed assets", []state.Allocation{{PoolID: p1, BasisPoints: 5000}, {PoolID: p2, BasisPoints: 5000}}, state.ErrMixedStakingAssets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.apply(&command.CreateStrategy{Meta: h.admin(0), Name: tt.name, Allocations: tt.allocs})
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Empty(t, h.engine.Strategies(context.Background()))
}

// ============================================================================
// Test: Access control and pause
// ============================================================================

func TestEngine_AdminRequiresOwner(t *testing.T) {
	h := newHarness(t)
	mallory := uuid.New()

	_, err := h.apply(&command.AuthorizeAsset{Meta: h.meta(mallory, 0), Asset: "STK"})
	require.ErrorIs(t, err, core.ErrNotOwner)
	require.Equal(t, core.KindAccess, core.KindOf(err))
	require.Empty(t, h.engine.AuthorizedAssets(context.Background()))

	_, err = h.apply(&command.Pause{Meta: h.meta(mallory, 0)})
	require.ErrorIs(t, err, core.ErrNotOwner)
	require.False(t, h.engine.Paused())
}

func TestEngine_PauseBlocksDepositsNotExits(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 100_000)
	alice, bob := uuid.New(), uuid.New()
	h.credit(alice, "STK", 200)
	h.credit(bob, "STK", 100)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})
	h.mustApply(&command.Stake{Meta: h.meta(bob, 0), PoolID: pid, Amount: u(100)})

	h.mustApply(&command.Pause{Meta: h.admin(10)})
	require.True(t, h.engine.Paused())

	for _, cmd := range []command.Command{
		&command.Stake{Meta: h.meta(alice, 20), PoolID: pid, Amount: u(10)},
		&command.Harvest{Meta: h.meta(alice, 20), PoolID: pid},
		&command.Restake{Meta: h.meta(alice, 20), PoolID: pid},
	} {
		_, err := h.apply(cmd)
		require.ErrorIs(t, err, core.ErrPaused, "%s", cmd.CommandType())
	}

	res := h.mustApply(&command.Withdraw{Meta: h.meta(alice, 20), PoolID: pid})
	requireUint(t, 100, res.Principal)
	h.mustApply(&command.EmergencyWithdraw{Meta: h.meta(bob, 20), PoolID: pid})

	h.mustApply(&command.Unpause{Meta: h.admin(30)})
	h.mustApply(&command.Stake{Meta: h.meta(alice, 30), PoolID: pid, Amount: u(10)})
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

// reentrantCustody calls back into the engine from inside a transfer.
type reentrantCustody struct {
	*ledger.Custodian
	engine   *core.StakingEngine
	pool     state.PoolID
	armed    bool
	detached bool // call back without the session context
	innerErr error
	pending  sdkmath.Uint
}

func (c *reentrantCustody) TransferIn(ctx context.Context, t ledger.Transfer) error {
	if c.armed && t.Kind == ledger.TransferStake {
		c.armed = false
		inner := ctx
		if c.detached {
			inner = context.Background()
		} else {
			// Reads are allowed inside the session.
			c.pending, _ = c.engine.PendingRewards(ctx, c.pool, t.User, t.Timestamp)
		}
		_, c.innerErr = c.engine.Process(inner, &command.Withdraw{
			Meta:   command.Meta{Key: "inner", CallerID: t.User, At: t.Timestamp},
			PoolID: c.pool,
		})
		return c.innerErr
	}
	return c.Custodian.TransferIn(ctx, t)
}

func TestEngine_ReentrantCallRejected(t *testing.T) {
	var rc *reentrantCustody
	h := newHarnessWith(t, func(c *ledger.Custodian) core.Custody {
		rc = &reentrantCustody{Custodian: c}
		return rc
	})
	rc.engine = h.engine
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	rc.pool = pid
	alice := uuid.New()
	h.credit(alice, "STK", 200)

	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})

	rc.armed = true
	_, err := h.apply(&command.Stake{Meta: h.meta(alice, 100), PoolID: pid, Amount: u(100)})
	require.Error(t, err)
	require.ErrorIs(t, rc.innerErr, core.ErrReentrantCall)
	require.Equal(t, core.KindReentrant, core.KindOf(rc.innerErr))
	requireUint(t, 1000, rc.pending)

	// Outer stake aborted; the guard was released.
	requireUint(t, 100, h.position(pid, alice).StakedAmount)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 100), PoolID: pid, Amount: u(100)})
	requireUint(t, 200, h.position(pid, alice).StakedAmount)
}

func TestEngine_ReentrantCallWithoutSessionContextRejected(t *testing.T) {
	var rc *reentrantCustody
	h := newHarnessWith(t, func(c *ledger.Custodian) core.Custody {
		rc = &reentrantCustody{Custodian: c}
		return rc
	})
	rc.engine = h.engine
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 0)
	rc.pool = pid
	alice := uuid.New()
	h.credit(alice, "STK", 200)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})

	rc.armed = true
	rc.detached = true
	done := make(chan error, 1)
	go func() {
		_, err := h.apply(&command.Stake{Meta: h.meta(alice, 100), PoolID: pid, Amount: u(100)})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant call blocked on the guard")
	}
	require.ErrorIs(t, rc.innerErr, core.ErrReentrantCall)

	// The guard is free again once the outer command returns.
	h.mustApply(&command.Stake{Meta: h.meta(alice, 100), PoolID: pid, Amount: u(100)})
	requireUint(t, 200, h.position(pid, alice).StakedAmount)
}

// ============================================================================
// Test: Conservation
// ============================================================================

func TestEngine_ConservationAcrossOperations(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 7, 1_000_000, 1_000_000)
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, usr := range users {
		h.credit(usr, "STK", 10_000)
	}

	now := int64(0)
	for round := 0; round < 5; round++ {
		for k, usr := range users {
			now += int64(3 + k)
			h.mustApply(&command.Stake{Meta: h.meta(usr, now), PoolID: pid, Amount: u(uint64(100 * (k + 1)))})
		}
		now += 11
		h.mustApply(&command.Withdraw{Meta: h.meta(users[round%3], now), PoolID: pid, Amount: u(50)})
		h.mustApply(&command.Harvest{Meta: h.meta(users[(round+1)%3], now), PoolID: pid})
	}

	sum := sdkmath.ZeroUint()
	for _, usr := range users {
		sum = sum.Add(h.position(pid, usr).StakedAmount)
	}
	pool := h.pool(pid)
	require.True(t, sum.Equal(pool.TotalStaked), "positions %s, pool %s", sum, pool.TotalStaked)
	require.True(t, h.engine.TotalValueLocked(context.Background()).Equal(pool.TotalStaked))
	require.True(t, h.custody.VaultBalance("STK").Equal(sdkmath.NewIntFromBigInt(pool.TotalStaked.BigInt())))
	require.NoError(t, h.custody.Validate())
}

// ============================================================================
// Test: Snapshot and replay
// ============================================================================

func drain(ch chan core.CoreOutput) []*command.Envelope {
	var out []*command.Envelope
	for {
		select {
		case o := <-ch:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

func TestEngine_ReplayReproducesStateHash(t *testing.T) {
	h := newHarness(t)
	pid := h.setupPool("STK", "RWD", 10, 1_000_000, 100_000)
	alice, bob := uuid.New(), uuid.New()
	h.credit(alice, "STK", 500)
	h.credit(bob, "STK", 500)
	h.mustApply(&command.Stake{Meta: h.meta(alice, 0), PoolID: pid, Amount: u(100)})

	snap, err := h.engine.CreateSnapshotState(context.Background())
	require.NoError(t, err)
	head := drain(h.persist)

	h.mustApply(&command.Stake{Meta: h.meta(bob, 100), PoolID: pid, Amount: u(300)})
	h.mustApply(&command.Pause{Meta: h.admin(150)})
	h.mustApply(&command.Withdraw{Meta: h.meta(alice, 200), PoolID: pid, Amount: u(50)})
	tail := drain(h.persist)
	require.Len(t, tail, 3)

	t.Run("from snapshot", func(t *testing.T) {
		custody := ledger.NewCustodian(nil)
		restored := core.NewStakingEngine(core.Config{MinStake: u(1)}, nil, custody, access.NewController(h.owner), nil, nil, nil, nil)
		require.NoError(t, restored.RestoreFromSnapshot(context.Background(), snap))

		n, err := restored.Replay(context.Background(), tail)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, h.engine.GetStateHash(), restored.GetStateHash())
		require.Equal(t, h.engine.GetSequence(), restored.GetSequence())
		require.True(t, restored.Paused())
		require.True(t, custody.WalletBalance(alice, "RWD").Equal(h.custody.WalletBalance(alice, "RWD")))
		require.True(t, custody.VaultBalance("STK").Equal(h.custody.VaultBalance("STK")))
	})

	t.Run("from genesis", func(t *testing.T) {
		fresh := core.NewStakingEngine(core.Config{MinStake: u(1)}, nil, ledger.NewCustodian(nil), access.NewController(h.owner), nil, nil, nil, nil)
		n, err := fresh.Replay(context.Background(), append(head, tail...))
		require.NoError(t, err)
		require.Equal(t, len(head)+len(tail), n)
		require.Equal(t, h.engine.GetStateHash(), fresh.GetStateHash())
	})

	t.Run("tampered payload diverges", func(t *testing.T) {
		fresh := core.NewStakingEngine(core.Config{MinStake: u(1)}, nil, ledger.NewCustodian(nil), access.NewController(h.owner), nil, nil, nil, nil)
		log := append(append([]*command.Envelope(nil), head...), tail...)
		bad := *log[len(log)-1]
		bad.StateHash[0] ^= 0xff
		log[len(log)-1] = &bad

		_, err := fresh.Replay(context.Background(), log)
		require.ErrorIs(t, err, core.ErrReplayDiverged)
	})
}
