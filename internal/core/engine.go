package core

import (
	"StakeLedger/internal/access"
	"StakeLedger/internal/command"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/state"
	"context"
	"fmt"
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds engine parameters.
type Config struct {
	// MinStake is the smallest accepted deposit, restake or strategy share.
	MinStake sdkmath.Uint

	// IdempotencyCapacity bounds the in-memory dedup LRU.
	IdempotencyCapacity int

	// StartSequence is the first sequence to assign.
	StartSequence int64

	// Logger defaults to observability.NewLogger("core").
	Logger *zerolog.Logger
}

// StakingEngine applies staking commands against the ledger store. Every
// mutating call runs inside an exclusive guard session and either commits
// completely or leaves the store untouched.
type StakingEngine struct {
	guard       Guard
	store       *state.Store
	custody     Custody
	gate        Gate
	minStake    sdkmath.Uint
	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope   *command.Envelope
	Result     *Result
	Batches    []*ledger.Batch
	Changes    state.Changes
	StateDelta []byte
}

// Result reports what a command did.
type Result struct {
	Sequence    int64               `json:"sequence"`
	Duplicate   bool                `json:"duplicate"`
	CommandType command.CommandType `json:"-"`
	PoolID      state.PoolID        `json:"pool_id,omitempty"`
	StrategyID  state.StrategyID    `json:"strategy_id,omitempty"`

	// Owed is reward released by settlement; Paid is what custody delivered.
	// They differ only when PayoutFailed, in which case the difference is
	// back in the position's pending rewards.
	Owed         sdkmath.Uint `json:"owed"`
	Paid         sdkmath.Uint `json:"paid"`
	PayoutFailed bool         `json:"payout_failed"`

	// Principal is stake moved in (stake, strategy) or out (withdrawals).
	Principal  sdkmath.Uint `json:"principal"`
	Compounded sdkmath.Uint `json:"compounded"`

	// Shares and Dust describe a strategy split. Dust is not deposited.
	Shares []state.Share `json:"shares,omitempty"`
	Dust   sdkmath.Uint  `json:"dust"`

	Active bool `json:"active"`
}

func newResult(ct command.CommandType, seq int64) *Result {
	return &Result{
		Sequence:    seq,
		CommandType: ct,
		Owed:        fpmath.Zero(),
		Paid:        fpmath.Zero(),
		Principal:   fpmath.Zero(),
		Compounded:  fpmath.Zero(),
		Dust:        fpmath.Zero(),
	}
}

func NewStakingEngine(
	cfg Config,
	store *state.Store,
	custody Custody,
	gate Gate,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *StakingEngine {
	if store == nil {
		store = state.NewStore()
	}
	if gate == nil {
		gate = access.NewController(uuid.Nil)
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := observability.NewLogger("core")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &StakingEngine{
		store:          store,
		custody:        custody,
		gate:           gate,
		minStake:       fpmath.OrZero(cfg.MinStake),
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker, metrics),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// processMode distinguishes live commands from log replay.
type processMode uint8

const (
	modeLive processMode = iota
	modeReplay
)

// Process applies one command. Duplicates are acknowledged with
// Result.Duplicate and change nothing.
func (e *StakingEngine) Process(ctx context.Context, cmd command.Command) (*Result, error) {
	sessionCtx, release, err := e.guard.Enter(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ReentrantRejections.Inc()
		}
		return nil, e.reject(cmd.CommandType(), newError(KindReentrant, cmd.CommandType().String(), err))
	}
	defer release()

	return e.process(sessionCtx, cmd, modeLive)
}

func (e *StakingEngine) process(ctx context.Context, cmd command.Command, mode processMode) (*Result, error) {
	start := time.Now()
	ct := cmd.CommandType()
	op := ct.String()
	key := cmd.IdempotencyKey()

	// Step 1: Shape
	if key == "" {
		return nil, e.reject(ct, newError(KindValidation, op, ErrMissingKey))
	}
	payload, err := command.Marshal(cmd)
	if err != nil {
		return nil, e.reject(ct, newError(KindValidation, op, fmt.Errorf("encode payload: %w", err)))
	}

	// Step 2: Idempotency check (two-tier). Replay re-applies logged commands.
	if mode == modeLive && e.idempotency.IsDuplicate(ctx, op, key) {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		res := newResult(ct, 0)
		res.Duplicate = true
		return res, nil
	}

	// Step 3: Access and pause gates
	if err := e.authorize(cmd); err != nil {
		return nil, e.reject(ct, newError(KindAccess, op, err))
	}

	// Step 4: Validate and stage accounting
	x := &execution{
		engine: e,
		ctx:    ctx,
		cmd:    cmd,
		op:     op,
		now:    cmd.Timestamp(),
		seq:    e.sequence,
		txn:    e.store.Begin(),
		result: newResult(ct, e.sequence),
	}
	if err := e.dispatch(x); err != nil {
		return nil, e.reject(ct, newError(classify(err), op, err))
	}

	// Step 5: Invariant post-checks on staged records
	if err := x.txn.Verify(); err != nil {
		return nil, e.reject(ct, newError(KindInvariant, op, err))
	}

	// Step 6: Custody transfers (inbound, then outbound, then reward payouts)
	if err := x.runTransfers(); err != nil {
		e.takeJournals()
		return nil, e.reject(ct, err)
	}

	// Step 7: Commit
	changes := x.txn.Changes()
	if err := x.txn.Commit(); err != nil {
		x.compensate()
		e.takeJournals()
		return nil, e.reject(ct, newError(KindInvariant, op, err))
	}
	for _, fn := range x.after {
		fn()
	}

	// Step 8: State digest and hash chain
	batches := e.takeJournals()
	hashStart := time.Now()
	digest := e.computeStateDigest(changes, batches)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	var poolRef *state.PoolID
	if id, ok := command.PoolOf(cmd); ok {
		poolRef = &id
	} else if x.result.PoolID != 0 {
		id := x.result.PoolID
		poolRef = &id
	}

	envelope := &command.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		CommandType:    ct,
		PoolID:         poolRef,
		Timestamp:      cmd.Timestamp(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 9: Emit. Persist is a blocking send so no applied command is lost;
	// projections drop on a full channel and catch up from the event log.
	if mode == modeLive {
		e.emit(CoreOutput{
			Envelope:   envelope,
			Result:     x.result,
			Batches:    batches,
			Changes:    changes,
			StateDelta: digest,
		})
	}

	// Step 10: Mark as processed
	e.idempotency.MarkProcessed(op, key)
	e.sequence++

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(envelope.Sequence))
		e.metrics.TotalValueLocked.Set(uintToFloat(e.store.TotalValueLocked()))
		e.metrics.PoolsTotal.Set(float64(len(e.store.GetAllPools())))
		for _, b := range batches {
			for _, j := range b.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		if !x.result.Dust.IsZero() {
			e.metrics.StrategyDust.Add(uintToFloat(x.result.Dust))
		}
	}

	return x.result, nil
}

func (e *StakingEngine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

// authorize applies owner and pause gates. Withdraw and emergency withdraw
// stay available while paused.
func (e *StakingEngine) authorize(cmd command.Command) error {
	ct := cmd.CommandType()
	if ct.IsAdmin() {
		return e.gate.RequireOwner(cmd.Caller())
	}

	switch ct {
	case command.CommandTypeStake, command.CommandTypeRestake,
		command.CommandTypeHarvest, command.CommandTypeExecuteStrategy:
		return e.gate.RequireNotPaused()
	}
	return nil
}

// reject logs and counts a failed command.
func (e *StakingEngine) reject(ct command.CommandType, err *Error) error {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(ct.String(), err.Kind.String()).Inc()
	}

	ev := e.logger.Warn()
	if err.Kind == KindInvariant {
		ev = e.logger.Error()
	}
	ev.Str("command_type", ct.String()).
		Str("kind", err.Kind.String()).
		Err(err.Err).
		Msg("command rejected")
	return err
}

func (e *StakingEngine) takeJournals() []*ledger.Batch {
	if src, ok := e.custody.(JournalSource); ok {
		return src.TakeBatches()
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash from every
// record the command wrote and every custody movement it made.
func (e *StakingEngine) computeStateDigest(changes state.Changes, batches []*ledger.Batch) []byte {
	digest := make([]byte, 0, 256)

	for _, p := range changes.Pools {
		digest = append(digest, 'P')
		digest = append(digest, p.CanonicalBytes()...)
	}
	for _, u := range changes.Positions {
		digest = append(digest, 'U')
		digest = append(digest, u.CanonicalBytes()...)
	}
	for _, s := range changes.Strategies {
		digest = append(digest, 'S')
		digest = append(digest, s.CanonicalBytes()...)
	}
	for _, a := range changes.Assets {
		digest = append(digest, 'A', byte(len(a)))
		digest = append(digest, a...)
	}
	for _, b := range batches {
		for _, j := range b.Journals {
			digest = append(digest, 'J', byte(j.JournalType))
			digest = appendAccountKey(digest, j.DebitAccount)
			digest = appendAccountKey(digest, j.CreditAccount)
			digest = fpmath.AppendUint(digest, j.Amount)
		}
	}

	if e.gate.Paused() {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}
	return digest
}

func appendAccountKey(buf []byte, k ledger.AccountKey) []byte {
	buf = append(buf, byte(k.Scope))
	buf = append(buf, k.EntityID[:]...)
	buf = append(buf, byte(k.SubType), byte(k.AssetID), byte(k.AssetID>>8))
	return buf
}

func uintToFloat(u sdkmath.Uint) float64 {
	f, _ := new(big.Float).SetInt(u.BigInt()).Float64()
	return f
}

// --- Accessors ---

// GetSequence returns the next sequence to assign.
func (e *StakingEngine) GetSequence() int64 {
	release := e.guard.Read(context.Background())
	defer release()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *StakingEngine) GetStateHash() [32]byte {
	release := e.guard.Read(context.Background())
	defer release()
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *StakingEngine) WarmLRU(keys []string) {
	_, release, err := e.guard.Enter(context.Background())
	if err != nil {
		return
	}
	defer release()
	e.idempotency.lru.WarmFromKeys(keys)
}
