package main

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/state"
	"encoding/json"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func stakeOutput(t *testing.T, registry *ledger.AssetRegistry) (core.CoreOutput, uuid.UUID) {
	t.Helper()

	user := uuid.New()
	stk, err := registry.Register("STK")
	require.NoError(t, err)

	cmd := &command.Stake{
		Meta:   command.Meta{Key: "s-1", CallerID: user, At: 100},
		PoolID: 1,
		Amount: sdkmath.NewUint(500),
	}
	payload, err := command.Marshal(cmd)
	require.NoError(t, err)

	pool := state.PoolID(1)
	env := &command.Envelope{
		Sequence:       4,
		IdempotencyKey: "s-1",
		CommandType:    command.CommandTypeStake,
		PoolID:         &pool,
		Timestamp:      100,
		Payload:        payload,
	}
	env.StateHash[0] = 0xAB

	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID:  batchID,
		Sequence: 4,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      "s-1",
			Sequence:      4,
			DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeSystemVault, stk),
			CreditAccount: ledger.NewUserAccountKey(user, stk),
			AssetID:       stk,
			Amount:        sdkmath.NewUint(500),
			JournalType:   ledger.JournalTypeStake,
			Timestamp:     100,
		}},
	}

	p := state.NewPool(1, "STK", "RWD", sdkmath.NewUint(10), sdkmath.NewUint(1000), 0)
	p.TotalStaked = sdkmath.NewUint(500)
	pos := state.NewPosition(1, user)
	pos.StakedAmount = sdkmath.NewUint(500)

	res := &core.Result{
		Sequence:   4,
		PoolID:     1,
		Owed:       sdkmath.ZeroUint(),
		Paid:       sdkmath.ZeroUint(),
		Principal:  sdkmath.NewUint(500),
		Compounded: sdkmath.ZeroUint(),
		Dust:       sdkmath.ZeroUint(),
	}

	return core.CoreOutput{
		Envelope: env,
		Result:   res,
		Batches:  []*ledger.Batch{batch},
		Changes:  state.Changes{Pools: []*state.Pool{p}, Positions: []*state.Position{pos}},
	}, user
}

// ============================================================================
// Test: Core output conversion
// ============================================================================

func TestToPersistOutput(t *testing.T) {
	registry := ledger.NewAssetRegistry()
	out, user := stakeOutput(t, registry)
	at := time.Unix(1_700_000_000, 0)

	p := toPersistOutput(out, registry, at)

	require.Equal(t, int64(4), p.EventRow.Sequence)
	require.Equal(t, "stake", p.EventRow.CommandType)
	require.Equal(t, int64(1), *p.EventRow.PoolID)
	require.Equal(t, at, p.EventRow.AppliedAt)
	require.Len(t, p.EventRow.StateHash, 32)
	require.Equal(t, byte(0xAB), p.EventRow.StateHash[0])

	require.Len(t, p.JournalRows, 1)
	j := p.JournalRows[0]
	require.Equal(t, "system:vault:STK", j.DebitAccount)
	require.Equal(t, "user:"+user.String()+":wallet:STK", j.CreditAccount)
	require.Equal(t, "500", j.Amount)
}

func TestToProjectionOutput(t *testing.T) {
	registry := ledger.NewAssetRegistry()
	out, user := stakeOutput(t, registry)

	p, err := toProjectionOutput(out, registry)
	require.NoError(t, err)

	require.Equal(t, user, p.Activity.CallerID)
	require.Equal(t, "500", p.Activity.Principal)
	require.Nil(t, p.Activity.StrategyID)
	require.Len(t, p.Pools, 1)
	require.Equal(t, "500", p.Pools[0].TotalStaked)
	require.Equal(t, "1000", p.Pools[0].Capacity)
	require.Len(t, p.Positions, 1)
	require.Equal(t, "500", p.Positions[0].StakedAmount)
	require.Len(t, p.JournalEntries, 1)
}

func TestToPublishable(t *testing.T) {
	registry := ledger.NewAssetRegistry()
	out, _ := stakeOutput(t, registry)

	evt, err := toPublishable(out)
	require.NoError(t, err)
	require.Equal(t, "stake.ledger.events.stake.1", evt.Subject())

	var res map[string]any
	require.NoError(t, json.Unmarshal(evt.Result, &res))
	require.Equal(t, "500", res["principal"])
}

// ============================================================================
// Test: Replay envelopes
// ============================================================================

func TestEnvelopeFromRow(t *testing.T) {
	pool := int64(2)
	hash := make([]byte, 32)
	hash[31] = 7

	env, err := envelopeFromRow(persistence.EventRow{
		Sequence:       9,
		CommandType:    "harvest",
		IdempotencyKey: "h-1",
		PoolID:         &pool,
		Payload:        []byte(`{}`),
		StateHash:      hash,
		PrevHash:       make([]byte, 32),
		Timestamp:      50,
	})
	require.NoError(t, err)
	require.Equal(t, command.CommandTypeHarvest, env.CommandType)
	require.Equal(t, state.PoolID(2), *env.PoolID)
	require.Equal(t, byte(7), env.StateHash[31])

	_, err = envelopeFromRow(persistence.EventRow{CommandType: "liquidate", StateHash: hash})
	require.Error(t, err)

	_, err = envelopeFromRow(persistence.EventRow{CommandType: "harvest", StateHash: hash[:4]})
	require.Error(t, err)
}
