package state_test

import (
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"encoding/json"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

func u(v uint64) sdkmath.Uint { return sdkmath.NewUint(v) }

// stake applies the accounting half of a deposit: advance, settle, deposit,
// rebase, grow the pool.
func stake(t *testing.T, pool *state.Pool, pos *state.Position, amount uint64, now int64) sdkmath.Uint {
	t.Helper()
	if err := pool.Advance(now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	owed, err := pos.Settle(pool)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := pos.Deposit(u(amount), now); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := pos.Rebase(pool); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if err := pool.AddStake(u(amount)); err != nil {
		t.Fatalf("add stake: %v", err)
	}
	return owed
}

func pending(t *testing.T, pool *state.Pool, pos *state.Position, now int64) sdkmath.Uint {
	t.Helper()
	acc, err := pool.PendingPerShare(now)
	if err != nil {
		t.Fatalf("pending per share: %v", err)
	}
	earned, err := pos.EarnedAt(acc)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	return pos.PendingRewards.Add(earned)
}

// ============================================================================
// Test: Pool accumulator
// ============================================================================

func TestAdvance_Idempotent(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(7), u(1_000_000), 0)
	pool.TotalStaked = u(333)

	if err := pool.Advance(50); err != nil {
		t.Fatal(err)
	}
	once := pool.Clone()
	if err := pool.Advance(50); err != nil {
		t.Fatal(err)
	}
	if !pool.RewardPerShareStored.Equal(once.RewardPerShareStored) || pool.LastUpdateTime != once.LastUpdateTime {
		t.Errorf("second advance changed pool: %+v vs %+v", pool, once)
	}
}

func TestAdvance_NeverMovesBackward(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 100)
	pool.TotalStaked = u(100)

	if err := pool.Advance(200); err != nil {
		t.Fatal(err)
	}
	acc := pool.RewardPerShareStored
	if err := pool.Advance(150); err != nil {
		t.Fatal(err)
	}
	if pool.LastUpdateTime != 200 {
		t.Errorf("last update time = %d, want 200", pool.LastUpdateTime)
	}
	if !pool.RewardPerShareStored.Equal(acc) {
		t.Errorf("accumulator changed on earlier timestamp")
	}
}

func TestAdvance_NoAccrualWhileEmpty(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)

	if err := pool.Advance(1_000); err != nil {
		t.Fatal(err)
	}
	if !pool.RewardPerShareStored.IsZero() {
		t.Errorf("accumulator = %s, want 0", pool.RewardPerShareStored)
	}
	if pool.LastUpdateTime != 1_000 {
		t.Errorf("last update time = %d, want 1000", pool.LastUpdateTime)
	}
}

func TestAdvance_Monotone(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(3), u(1_000_000), 0)
	pool.TotalStaked = u(7)

	prev := pool.RewardPerShareStored
	for now := int64(1); now <= 500; now += 13 {
		if err := pool.Advance(now); err != nil {
			t.Fatal(err)
		}
		if pool.RewardPerShareStored.LT(prev) {
			t.Fatalf("accumulator decreased at t=%d", now)
		}
		prev = pool.RewardPerShareStored
	}
}

func TestRateChange_AdvanceFirstKeepsOldRate(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)
	pos := state.NewPosition(1, uuid.New())
	stake(t, pool, pos, 100, 0)

	if err := pool.Advance(100); err != nil {
		t.Fatal(err)
	}
	pool.RewardRate = u(20)

	// 100s at 10/s then 100s at 20/s.
	got := pending(t, pool, pos, 200)
	if !got.Equal(u(3000)) {
		t.Errorf("pending = %s, want 3000", got)
	}
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestScenario_TwoStakers(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)
	alice := state.NewPosition(1, uuid.New())
	bob := state.NewPosition(1, uuid.New())

	stake(t, pool, alice, 100, 0)
	if got := pending(t, pool, alice, 100); !got.Equal(u(1000)) {
		t.Fatalf("alice pending at t=100 = %s, want 1000", got)
	}

	stake(t, pool, bob, 100, 100)

	if got := pending(t, pool, alice, 200); !got.Equal(u(1500)) {
		t.Errorf("alice pending at t=200 = %s, want 1500", got)
	}
	if got := pending(t, pool, bob, 200); !got.Equal(u(500)) {
		t.Errorf("bob pending at t=200 = %s, want 500", got)
	}
}

func TestSettle_Reconciles(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(13), u(1_000_000), 0)
	pos := state.NewPosition(1, uuid.New())
	stake(t, pool, pos, 37, 0)

	if err := pool.Advance(91); err != nil {
		t.Fatal(err)
	}
	owed, err := pos.Settle(pool)
	if err != nil {
		t.Fatal(err)
	}
	if owed.IsZero() {
		t.Fatal("expected nonzero owed")
	}
	if !pos.TotalRewardsEarned.Equal(owed) {
		t.Errorf("total earned = %s, want %s", pos.TotalRewardsEarned, owed)
	}

	again, err := pos.EarnedAt(pool.RewardPerShareStored)
	if err != nil {
		t.Fatal(err)
	}
	if !again.IsZero() {
		t.Errorf("earned right after settle = %s, want 0", again)
	}
}

func TestSettle_ZeroStakeReturnsPending(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)
	pos := state.NewPosition(1, uuid.New())
	pos.PendingRewards = u(42)

	owed, err := pos.Settle(pool)
	if err != nil {
		t.Fatal(err)
	}
	if !owed.Equal(u(42)) {
		t.Errorf("owed = %s, want 42", owed)
	}
}

func TestSettle_NoNegativeEarning(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(1), u(1_000_000_000), 0)
	users := []*state.Position{
		state.NewPosition(1, uuid.New()),
		state.NewPosition(1, uuid.New()),
		state.NewPosition(1, uuid.New()),
	}

	// Odd amounts and times so every division truncates.
	amounts := []uint64{3, 7, 11, 1, 999, 13}
	now := int64(0)
	for i, amt := range amounts {
		now += int64(i*7 + 3)
		pos := users[i%len(users)]
		stake(t, pool, pos, amt, now)

		for _, other := range users {
			if _, err := other.EarnedAt(pool.RewardPerShareStored); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	}
}

func TestRollbackPayout_RestoresPending(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)
	pos := state.NewPosition(1, uuid.New())
	stake(t, pool, pos, 100, 0)

	if err := pool.Advance(10); err != nil {
		t.Fatal(err)
	}
	owed, err := pos.Settle(pool)
	if err != nil {
		t.Fatal(err)
	}
	if err := pos.RollbackPayout(owed); err != nil {
		t.Fatal(err)
	}

	if !pos.PendingRewards.Equal(u(100)) {
		t.Errorf("pending = %s, want 100", pos.PendingRewards)
	}
	if !pos.TotalRewardsEarned.IsZero() {
		t.Errorf("total earned = %s, want 0", pos.TotalRewardsEarned)
	}
}

func TestRemove_UnderflowIsInvariant(t *testing.T) {
	pos := state.NewPosition(1, uuid.New())
	if err := pos.Deposit(u(5), 0); err != nil {
		t.Fatal(err)
	}
	err := pos.Remove(u(6))
	if !errors.Is(err, state.ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
	if !pos.StakedAmount.Equal(u(5)) {
		t.Errorf("staked changed to %s", pos.StakedAmount)
	}
}

func TestForfeit_ZeroesPosition(t *testing.T) {
	pool := state.NewPool(1, "STK", "RWD", u(10), u(1_000_000), 0)
	pos := state.NewPosition(1, uuid.New())
	stake(t, pool, pos, 100, 0)
	pos.PendingRewards = u(50)

	principal := pos.Forfeit()
	if !principal.Equal(u(100)) {
		t.Errorf("principal = %s, want 100", principal)
	}
	if !pos.IsEmpty() || !pos.RewardDebt.IsZero() {
		t.Errorf("position not zeroed: %+v", pos)
	}
}

// ============================================================================
// Test: Strategy
// ============================================================================

func TestStrategy_SplitExact(t *testing.T) {
	st := &state.Strategy{ID: 1, Allocations: []state.Allocation{
		{PoolID: 1, BasisPoints: 5000}, {PoolID: 2, BasisPoints: 3000}, {PoolID: 3, BasisPoints: 2000},
	}}
	shares, dust, err := st.Split(u(1000))
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{500, 300, 200}
	for i, s := range shares {
		if s.PoolID != st.Allocations[i].PoolID || !s.Amount.Equal(u(want[i])) {
			t.Errorf("share %d = %d/%s, want %d/%d", i, s.PoolID, s.Amount, st.Allocations[i].PoolID, want[i])
		}
	}
	if !dust.IsZero() {
		t.Errorf("dust = %s, want 0", dust)
	}
}

// The truncation remainder stays with the caller and is reported as dust.
func TestStrategy_SplitLeavesDust(t *testing.T) {
	st := &state.Strategy{ID: 1, Allocations: []state.Allocation{
		{PoolID: 1, BasisPoints: 5000}, {PoolID: 2, BasisPoints: 3000}, {PoolID: 3, BasisPoints: 2000},
	}}
	shares, dust, err := st.Split(u(1001))
	if err != nil {
		t.Fatal(err)
	}
	sum := fpmath.Zero()
	for _, s := range shares {
		sum = sum.Add(s.Amount)
	}
	if !sum.Equal(u(1000)) || !dust.Equal(u(1)) {
		t.Errorf("sum = %s dust = %s, want 1000 and 1", sum, dust)
	}
}

func TestStrategy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		allocs []state.Allocation
		want   error
	}{
		{"ok", []state.Allocation{{1, 6000}, {2, 4000}}, nil},
		{"short", []state.Allocation{{1, 6000}, {2, 3999}}, fpmath.ErrInvalidAllocation},
		{"duplicate", []state.Allocation{{1, 5000}, {1, 5000}}, state.ErrDuplicatePool},
		{"empty", nil, fpmath.ErrInvalidAllocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&state.Strategy{ID: 1, Allocations: tt.allocs}).Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// ============================================================================
// Test: Store transactions
// ============================================================================

func newStoreWithPool(t *testing.T) (*state.Store, state.PoolID) {
	t.Helper()
	s := state.NewStore()
	txn := s.Begin()
	txn.AuthorizeAsset("STK")
	p := txn.CreatePool("STK", "STK", u(10), u(1_000), 0)
	if err := txn.Verify(); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	return s, p.ID
}

func TestTxn_CommitAppliesStake(t *testing.T) {
	s, id := newStoreWithPool(t)
	user := uuid.New()

	txn := s.Begin()
	pool, err := txn.Pool(id)
	if err != nil {
		t.Fatal(err)
	}
	stake(t, pool, txn.Position(id, user), 100, 5)
	if err := txn.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if !s.TotalValueLocked().Equal(u(100)) {
		t.Errorf("tvl = %s, want 100", s.TotalValueLocked())
	}
	if got := s.GetPosition(id, user).StakedAmount; !got.Equal(u(100)) {
		t.Errorf("staked = %s, want 100", got)
	}
	if err := s.CheckConservation(); err != nil {
		t.Error(err)
	}
}

func TestTxn_DiscardLeavesStoreUntouched(t *testing.T) {
	s, id := newStoreWithPool(t)

	txn := s.Begin()
	pool, _ := txn.Pool(id)
	stake(t, pool, txn.Position(id, uuid.New()), 100, 5)
	// no commit

	p, _ := s.GetPool(id)
	if !p.TotalStaked.IsZero() || p.LastUpdateTime != 0 {
		t.Errorf("store changed without commit: %+v", p)
	}
}

func TestTxn_VerifyCatchesConservationBreak(t *testing.T) {
	s, id := newStoreWithPool(t)

	txn := s.Begin()
	pool, _ := txn.Pool(id)
	if err := pool.AddStake(u(10)); err != nil {
		t.Fatal(err)
	}
	if err := txn.Verify(); !errors.Is(err, state.ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}

func TestTxn_VerifyCatchesAccumulatorRegression(t *testing.T) {
	s, id := newStoreWithPool(t)
	user := uuid.New()

	txn := s.Begin()
	pool, _ := txn.Pool(id)
	stake(t, pool, txn.Position(id, user), 100, 0)
	if err := pool.Advance(100); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn = s.Begin()
	pool, _ = txn.Pool(id)
	pool.RewardPerShareStored = fpmath.Zero()
	if err := txn.Verify(); !errors.Is(err, state.ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}

func TestTxn_UnknownPool(t *testing.T) {
	s := state.NewStore()
	if _, err := s.Begin().Pool(9); !errors.Is(err, state.ErrUnknownPool) {
		t.Errorf("expected ErrUnknownPool, got %v", err)
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_RestoreThroughJSON(t *testing.T) {
	s, id := newStoreWithPool(t)
	txn := s.Begin()
	pool, _ := txn.Pool(id)
	stake(t, pool, txn.Position(id, uuid.New()), 250, 3)
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	restored, err := state.RestoreStore(&snap)
	if err != nil {
		t.Fatal(err)
	}

	if !restored.TotalValueLocked().Equal(u(250)) {
		t.Errorf("tvl = %s, want 250", restored.TotalValueLocked())
	}
	if !restored.IsAssetAuthorized("STK") {
		t.Error("asset authorization lost")
	}
	next := restored.Begin().CreatePool("STK", "STK", u(1), u(1), 0)
	if next.ID != id+1 {
		t.Errorf("next pool id = %d, want %d", next.ID, id+1)
	}
}

func TestSnapshot_RestoreRejectsBrokenConservation(t *testing.T) {
	s, _ := newStoreWithPool(t)
	snap := s.Snapshot()
	snap.Pools[0].TotalStaked = u(1)

	if _, err := state.RestoreStore(snap); !errors.Is(err, state.ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}
