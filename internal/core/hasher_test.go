package core_test

import (
	"StakeLedger/internal/core"
	"testing"

	"github.com/stretchr/testify/require"
)

// ====
// State hash chain
// ====

func TestStateHasher_StartsAtGenesis(t *testing.T) {
	h := core.NewStateHasher()
	require.Equal(t, core.GenesisHash(), h.GetPrevHash())
}

func TestStateHasher_MatchesPureChain(t *testing.T) {
	h := core.NewStateHasher()
	digests := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	prev := core.GenesisHash()
	for seq, d := range digests {
		got := h.ComputeHash(int64(seq), d)
		want := core.ChainHash(prev, int64(seq), d)
		require.Equal(t, want, got)
		require.Equal(t, got, h.GetPrevHash())
		prev = want
	}
}

func TestStateHasher_SequenceIsBound(t *testing.T) {
	g := core.GenesisHash()
	require.NotEqual(t,
		core.ChainHash(g, 1, []byte("x")),
		core.ChainHash(g, 2, []byte("x")))
}

func TestStateHasher_SetPrevHashResumesChain(t *testing.T) {
	a := core.NewStateHasher()
	first := a.ComputeHash(0, []byte("s0"))
	second := a.ComputeHash(1, []byte("s1"))

	b := core.NewStateHasher()
	b.SetPrevHash(first)
	require.Equal(t, second, b.ComputeHash(1, []byte("s1")))
}
