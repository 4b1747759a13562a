package main

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// bridgeCoreOutputs converts core.CoreOutput into the persistence, projection
// and publish formats. It keeps core free of any storage or transport import.
func bridgeCoreOutputs(
	ctx context.Context,
	registry *ledger.AssetRegistry,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			// Blocking: the event log must see every applied command.
			persistOut <- toPersistOutput(output, registry, time.Now())

			evt, err := toPublishable(output)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode outbound event")
				continue
			}
			select {
			case publishOut <- evt:
			default:
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}
			pOutput, err := toProjectionOutput(output, registry)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("build projection output")
				continue
			}
			select {
			case projectionOut <- pOutput:
			default:
			}
		}
	}
}

// toPersistOutput stamps appliedAt here; core never reads the wall clock.
func toPersistOutput(output core.CoreOutput, registry *ledger.AssetRegistry, appliedAt time.Time) persistence.CoreOutput {
	env := output.Envelope
	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			PoolID:         poolRef(env.PoolID),
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			AppliedAt:      appliedAt,
		},
	}

	for _, b := range output.Batches {
		for _, j := range b.Journals {
			pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  registry.AccountPath(j.DebitAccount),
				CreditAccount: registry.AccountPath(j.CreditAccount),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return pOutput
}

func toProjectionOutput(output core.CoreOutput, registry *ledger.AssetRegistry) (projection.ProjectionOutput, error) {
	env := output.Envelope
	cmd, err := command.Decode(env.CommandType, env.Payload)
	if err != nil {
		return projection.ProjectionOutput{}, err
	}

	res := output.Result
	activity := projection.ActivityRow{
		CallerID:     cmd.Caller(),
		PoolID:       poolRef(env.PoolID),
		Principal:    res.Principal.String(),
		Owed:         res.Owed.String(),
		Paid:         res.Paid.String(),
		PayoutFailed: res.PayoutFailed,
		Dust:         res.Dust.String(),
	}
	if res.StrategyID != 0 {
		id := int64(res.StrategyID)
		activity.StrategyID = &id
	}

	pOutput := projection.ProjectionOutput{
		Sequence:    env.Sequence,
		CommandType: env.CommandType.String(),
		Timestamp:   env.Timestamp,
		Pools:       poolRows(output.Changes.Pools),
		Positions:   positionRows(output.Changes.Positions),
		Activity:    activity,
	}

	for _, b := range output.Batches {
		for _, j := range b.Journals {
			pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
				DebitAccount:  registry.AccountPath(j.DebitAccount),
				CreditAccount: registry.AccountPath(j.CreditAccount),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
			})
		}
	}
	return pOutput, nil
}

func toPublishable(output core.CoreOutput) (ingestion.PublishableEvent, error) {
	env := output.Envelope
	result, err := json.Marshal(output.Result)
	if err != nil {
		return ingestion.PublishableEvent{}, err
	}

	var pool *uint64
	if env.PoolID != nil {
		id := uint64(*env.PoolID)
		pool = &id
	}
	return ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         pool,
		Result:         result,
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}, nil
}

func poolRows(pools []*state.Pool) []projection.PoolRow {
	rows := make([]projection.PoolRow, 0, len(pools))
	for _, p := range pools {
		rows = append(rows, projection.PoolRow{
			ID:             int64(p.ID),
			StakingAsset:   p.StakingAsset,
			RewardAsset:    p.RewardAsset,
			TotalStaked:    p.TotalStaked.String(),
			RewardRate:     p.RewardRate.String(),
			RewardPerShare: p.RewardPerShareStored.String(),
			Capacity:       p.Capacity.String(),
			LastUpdateTime: p.LastUpdateTime,
			Active:         p.Active,
		})
	}
	return rows
}

func positionRows(positions []*state.Position) []projection.PositionRow {
	rows := make([]projection.PositionRow, 0, len(positions))
	for _, u := range positions {
		rows = append(rows, projection.PositionRow{
			PoolID:             int64(u.PoolID),
			UserID:             u.UserID,
			StakedAmount:       u.StakedAmount.String(),
			RewardDebt:         u.RewardDebt.String(),
			PendingRewards:     u.PendingRewards.String(),
			TotalRewardsEarned: u.TotalRewardsEarned.String(),
			LastStakeTime:      u.LastStakeTime,
		})
	}
	return rows
}

func poolRef(id *state.PoolID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

// envelopeFromRow rebuilds a logged envelope for replay.
func envelopeFromRow(row persistence.EventRow) (*command.Envelope, error) {
	ct, err := command.ParseCommandType(row.CommandType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 {
		return nil, fmt.Errorf("sequence %d: state hash is %d bytes", row.Sequence, len(row.StateHash))
	}

	env := &command.Envelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		CommandType:    ct,
		Timestamp:      row.Timestamp,
		Payload:        row.Payload,
	}
	if row.PoolID != nil {
		id := state.PoolID(*row.PoolID)
		env.PoolID = &id
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}
