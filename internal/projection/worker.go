package projection

import (
	"StakeLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	CommandType    string
	Timestamp      int64
	Pools          []PoolRow
	Positions      []PositionRow
	Activity       ActivityRow
	JournalEntries []JournalEntry
}

// PoolRow is a pool as written to projections.pools. Amounts are decimal strings.
type PoolRow struct {
	ID             int64
	StakingAsset   string
	RewardAsset    string
	TotalStaked    string
	RewardRate     string
	RewardPerShare string
	Capacity       string
	LastUpdateTime int64
	Active         bool
}

// PositionRow is a position as written to projections.positions.
type PositionRow struct {
	PoolID             int64
	UserID             uuid.UUID
	StakedAmount       string
	RewardDebt         string
	PendingRewards     string
	TotalRewardsEarned string
	LastStakeTime      int64
}

// ActivityRow is one applied command as written to projections.activity.
type ActivityRow struct {
	CallerID     uuid.UUID
	PoolID       *int64
	StrategyID   *int64
	Principal    string
	Owed         string
	Paid         string
	PayoutFailed bool
	Dust         string
}

// JournalEntry is a simplified journal for the balances projection.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string
}

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProjectionWorker updates projection tables from applied commands.
// The projection channel is non-blocking with drop; projections that fall
// behind are rebuilt from the event log.
type ProjectionWorker struct {
	db        TxBeginner
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db TxBeginner, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; keep going.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	return sendBatch(ctx, pw.db, BuildBatch(output))
}

// BuildBatch queues every upsert for one output, ending with the watermark.
func BuildBatch(output ProjectionOutput) *pgx.Batch {
	batch := &pgx.Batch{}
	queueState(batch, output.Sequence, output.Pools, output.Positions)

	for _, j := range output.JournalEntries {
		// Debit increases the account, credit decreases it.
		batch.Queue(`
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		`, j.DebitAccount, int32(j.AssetID), j.Amount, output.Sequence)
		batch.Queue(`
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, -($3::numeric), $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
		`, j.CreditAccount, int32(j.AssetID), j.Amount, output.Sequence)
	}

	a := output.Activity
	batch.Queue(`
		INSERT INTO projections.activity (
			sequence, command_type, caller_id, pool_id, strategy_id,
			principal, owed, paid, payout_failed, dust, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sequence) DO NOTHING
	`,
		output.Sequence, output.CommandType, a.CallerID, a.PoolID, a.StrategyID,
		a.Principal, a.Owed, a.Paid, a.PayoutFailed, a.Dust, output.Timestamp,
	)

	queueWatermark(batch, output.Sequence)
	return batch
}

// BuildSeedBatch writes a full set of pools and positions as of seq, ending
// with the watermark. Used when projections are rebuilt from live state.
func BuildSeedBatch(seq int64, pools []PoolRow, positions []PositionRow) *pgx.Batch {
	batch := &pgx.Batch{}
	batch.Queue(`TRUNCATE projections.pools, projections.positions`)
	queueState(batch, seq, pools, positions)
	queueWatermark(batch, seq)
	return batch
}

func queueState(batch *pgx.Batch, seq int64, pools []PoolRow, positions []PositionRow) {
	for _, p := range pools {
		batch.Queue(`
			INSERT INTO projections.pools (
				pool_id, staking_asset, reward_asset, total_staked, reward_rate,
				reward_per_share, capacity, last_update_time, active, last_sequence
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (pool_id) DO UPDATE SET
				total_staked = EXCLUDED.total_staked,
				reward_rate = EXCLUDED.reward_rate,
				reward_per_share = EXCLUDED.reward_per_share,
				capacity = EXCLUDED.capacity,
				last_update_time = EXCLUDED.last_update_time,
				active = EXCLUDED.active,
				last_sequence = EXCLUDED.last_sequence
		`,
			p.ID, p.StakingAsset, p.RewardAsset, p.TotalStaked, p.RewardRate,
			p.RewardPerShare, p.Capacity, p.LastUpdateTime, p.Active, seq,
		)
	}

	for _, u := range positions {
		batch.Queue(`
			INSERT INTO projections.positions (
				pool_id, user_id, staked_amount, reward_debt, pending_rewards,
				total_rewards_earned, last_stake_time, last_sequence
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (pool_id, user_id) DO UPDATE SET
				staked_amount = EXCLUDED.staked_amount,
				reward_debt = EXCLUDED.reward_debt,
				pending_rewards = EXCLUDED.pending_rewards,
				total_rewards_earned = EXCLUDED.total_rewards_earned,
				last_stake_time = EXCLUDED.last_stake_time,
				last_sequence = EXCLUDED.last_sequence
		`,
			u.PoolID, u.UserID, u.StakedAmount, u.RewardDebt, u.PendingRewards,
			u.TotalRewardsEarned, u.LastStakeTime, seq,
		)
	}
}

func queueWatermark(batch *pgx.Batch, seq int64) {
	batch.Queue(`
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq)
}

// sendBatch runs batch inside one transaction.
func sendBatch(ctx context.Context, db TxBeginner, batch *pgx.Batch) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("projection statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reseed replaces pool and position projections with a full state as of seq.
func Reseed(ctx context.Context, db TxBeginner, seq int64, pools []PoolRow, positions []PositionRow) error {
	return sendBatch(ctx, db, BuildSeedBatch(seq, pools, positions))
}

// RebuildBalances recomputes projections.balances from the journal.
// Activity rows are append-only and never rebuilt.
func RebuildBalances(ctx context.Context, db TxBeginner) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	return tx.Commit(ctx)
}
