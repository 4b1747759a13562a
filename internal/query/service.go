package query

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LiveReader is the engine's read surface. *core.StakingEngine satisfies it.
type LiveReader interface {
	PendingRewards(ctx context.Context, poolID state.PoolID, user uuid.UUID, now int64) (sdkmath.Uint, error)
	PoolInfo(ctx context.Context, id state.PoolID, now int64) (*core.PoolView, error)
	UserInfo(ctx context.Context, poolID state.PoolID, user uuid.UUID, now int64) (*core.PositionView, error)
	UserPositions(ctx context.Context, user uuid.UUID, now int64) ([]*core.PositionView, error)
	StrategyInfo(ctx context.Context, id state.StrategyID) (*state.Strategy, error)
	Pools(ctx context.Context) []*state.Pool
	Strategies(ctx context.Context) []*state.Strategy
	AuthorizedAssets(ctx context.Context) []string
	TotalValueLocked(ctx context.Context) sdkmath.Uint
	Paused() bool
	GetSequence() int64
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueryService answers reads. Current state comes from the live engine so
// pending rewards are exact; history comes from postgres projections and
// the event log, and reports the projection watermark as as_of_sequence.
type QueryService struct {
	live    LiveReader
	db      Querier
	clock   func() time.Time
	metrics *observability.Metrics
}

// NewQueryService builds a service. db may be nil, in which case history
// queries fail with ErrHistoryUnavailable.
func NewQueryService(live LiveReader, db Querier, metrics *observability.Metrics) *QueryService {
	return &QueryService{live: live, db: db, clock: time.Now, metrics: metrics}
}

var ErrHistoryUnavailable = errors.New("history store not configured")

// WithClock replaces the time source used when a request has no timestamp.
func (qs *QueryService) WithClock(clock func() time.Time) *QueryService {
	qs.clock = clock
	return qs
}

func (qs *QueryService) at(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return qs.clock().Unix()
}

// lastApplied is the sequence of the most recent applied command.
func (qs *QueryService) lastApplied() int64 {
	return qs.live.GetSequence() - 1
}

// --- Live reads ---

// GetPendingRewards returns what a user could harvest at ts (0 means now).
func (qs *QueryService) GetPendingRewards(ctx context.Context, poolID state.PoolID, userID uuid.UUID, ts int64) (resp *PendingRewardsResponse, err error) {
	defer qs.observe("pending_rewards", time.Now(), &err)

	now := qs.at(ts)
	pending, err := qs.live.PendingRewards(ctx, poolID, userID, now)
	if err != nil {
		return nil, err
	}
	return &PendingRewardsResponse{
		PoolID:       poolID,
		UserID:       userID,
		Pending:      pending,
		AsOf:         now,
		AsOfSequence: qs.lastApplied(),
	}, nil
}

func (qs *QueryService) GetPool(ctx context.Context, poolID state.PoolID, ts int64) (resp *PoolResponse, err error) {
	defer qs.observe("pool_info", time.Now(), &err)

	now := qs.at(ts)
	view, err := qs.live.PoolInfo(ctx, poolID, now)
	if err != nil {
		return nil, err
	}
	return &PoolResponse{
		Pool:              view.Pool,
		RewardPerShareNow: view.RewardPerShareNow,
		AsOf:              now,
		AsOfSequence:      qs.lastApplied(),
	}, nil
}

func (qs *QueryService) GetPosition(ctx context.Context, poolID state.PoolID, userID uuid.UUID, ts int64) (resp *PositionResponse, err error) {
	defer qs.observe("user_info", time.Now(), &err)

	now := qs.at(ts)
	view, err := qs.live.UserInfo(ctx, poolID, userID, now)
	if err != nil {
		return nil, err
	}
	return qs.positionResponse(view, now), nil
}

// GetUserPositions returns every position the user holds, by pool id.
func (qs *QueryService) GetUserPositions(ctx context.Context, userID uuid.UUID, ts int64) (resp []*PositionResponse, err error) {
	defer qs.observe("user_positions", time.Now(), &err)

	now := qs.at(ts)
	views, err := qs.live.UserPositions(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	resp = make([]*PositionResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, qs.positionResponse(v, now))
	}
	return resp, nil
}

func (qs *QueryService) positionResponse(v *core.PositionView, now int64) *PositionResponse {
	return &PositionResponse{
		Position:     v.Position,
		PendingNow:   v.PendingNow,
		AsOf:         now,
		AsOfSequence: qs.lastApplied(),
	}
}

func (qs *QueryService) GetStrategy(ctx context.Context, id state.StrategyID) (st *state.Strategy, err error) {
	defer qs.observe("strategy_info", time.Now(), &err)
	return qs.live.StrategyInfo(ctx, id)
}

// GetOverview lists pools, strategies and assets with the global TVL.
func (qs *QueryService) GetOverview(ctx context.Context) (resp *OverviewResponse, err error) {
	defer qs.observe("overview", time.Now(), &err)

	return &OverviewResponse{
		Pools:            qs.live.Pools(ctx),
		Strategies:       qs.live.Strategies(ctx),
		AuthorizedAssets: qs.live.AuthorizedAssets(ctx),
		TotalValueLocked: qs.live.TotalValueLocked(ctx),
		Paused:           qs.live.Paused(),
		AsOfSequence:     qs.lastApplied(),
	}, nil
}

// --- History reads ---

// GetActivity returns a user's applied commands, newest first.
func (qs *QueryService) GetActivity(ctx context.Context, userID uuid.UUID, page Page) (entries []ActivityEntry, err error) {
	defer qs.observe("activity", time.Now(), &err)
	return qs.activity(ctx, "caller_id", userID, page)
}

// GetPoolHistory returns the commands applied to one pool, newest first.
func (qs *QueryService) GetPoolHistory(ctx context.Context, poolID state.PoolID, page Page) (entries []ActivityEntry, err error) {
	defer qs.observe("pool_history", time.Now(), &err)
	return qs.activity(ctx, "pool_id", int64(poolID), page)
}

func (qs *QueryService) activity(ctx context.Context, column string, key any, page Page) ([]ActivityEntry, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}

	query, args := activityQuery(column, key, page)
	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var a ActivityEntry
		if err := rows.Scan(
			&a.Sequence, &a.CommandType, &a.CallerID, &a.PoolID, &a.StrategyID,
			&a.Principal, &a.Owed, &a.Paid, &a.PayoutFailed, &a.Dust, &a.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// activityQuery builds the paginated activity select. column is one of a
// fixed set of names, never user input.
func activityQuery(column string, key any, page Page) (string, []any) {
	query := fmt.Sprintf(`
		SELECT sequence, command_type, caller_id, pool_id, strategy_id,
		       principal::text, owed::text, paid::text, payout_failed, dust::text, timestamp
		FROM projections.activity
		WHERE %s = $1`, column)
	args := []any{key}
	argIdx := 2

	if page.Before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *page.Before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, page.limit())
	return query, args
}

// GetJournalHistory returns journal entries touching a user's wallets.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID uuid.UUID, page Page) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{fmt.Sprintf("user:%s:%%", userID)}
	argIdx := 2

	if page.Before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *page.Before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, page.limit())

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ProjectionWatermark is the last sequence applied to the projections.
func (qs *QueryService) ProjectionWatermark(ctx context.Context) (int64, error) {
	if qs.db == nil {
		return -1, ErrHistoryUnavailable
	}
	var seq int64
	err := qs.db.QueryRow(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that every asset's
// projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	report = &IntegrityReport{}

	rows, err := qs.db.Query(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.Query(ctx, `
		SELECT asset_id, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) observe(method string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *errp != nil {
		qs.metrics.QueryErrors.WithLabelValues(method, core.KindOf(*errp).String()).Inc()
	}
}
