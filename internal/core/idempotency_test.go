package core_test

import (
	"StakeLedger/internal/core"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubDedup struct {
	seen  map[string]bool
	err   error
	calls int
}

func (s *stubDedup) IsDuplicate(_ context.Context, commandType, key string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.seen[commandType+":"+key], nil
}

// ====
// LRU
// ====

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	require.True(t, lru.Contains("a")) // promotes a
	lru.Add("c")

	require.False(t, lru.Contains("b"))
	require.True(t, lru.Contains("a"))
	require.True(t, lru.Contains("c"))
	require.Equal(t, int64(1), lru.Evictions())
	require.Equal(t, 2, lru.Size())
}

func TestIdempotencyLRU_WarmPreservesOrder(t *testing.T) {
	src := core.NewIdempotencyLRU(4)
	src.WarmFromKeys([]string{"k1", "k2", "k3"})
	keys := src.GetAllKeys()
	require.Equal(t, []string{"k1", "k2", "k3"}, keys)

	dst := core.NewIdempotencyLRU(2)
	dst.WarmFromKeys(keys)
	require.Equal(t, []string{"k2", "k3"}, dst.GetAllKeys())
}

// ====
// Two-tier lookup
// ====

func TestIdempotencyChecker_FallsBackToPostgres(t *testing.T) {
	db := &stubDedup{seen: map[string]bool{"stake:old": true}}
	ic := core.NewIdempotencyChecker(8, db, nil)
	ctx := context.Background()

	require.True(t, ic.IsDuplicate(ctx, "stake", "old"))
	require.Equal(t, 1, db.calls)

	// second hit is served from the LRU
	require.True(t, ic.IsDuplicate(ctx, "stake", "old"))
	require.Equal(t, 1, db.calls)

	require.False(t, ic.IsDuplicate(ctx, "stake", "new"))
	ic.MarkProcessed("stake", "new")
	require.True(t, ic.IsDuplicate(ctx, "stake", "new"))
}

func TestIdempotencyChecker_DBErrorIsNotDuplicate(t *testing.T) {
	db := &stubDedup{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(8, db, nil)

	require.False(t, ic.IsDuplicate(context.Background(), "withdraw", "k"))
	require.Equal(t, int64(1), ic.Tier2Errors())
}

func TestIdempotencyChecker_KeysAreScopedByType(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, nil, nil)
	ic.MarkProcessed("stake", "k")
	require.False(t, ic.IsDuplicate(context.Background(), "withdraw", "k"))
}
