package main

import (
	"StakeLedger/internal/access"
	"StakeLedger/internal/command"
	"StakeLedger/internal/config"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
	"StakeLedger/internal/server"
	"StakeLedger/internal/state"
	"StakeLedger/migrations"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func run(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("main")
	logger.Info().Str("owner", cfg.OwnerID.String()).Msg("StakeLedger starting")

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres (event log) ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	applied, err := newMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Postgres (projections and history reads) ---
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// Persist blocks (backpressure); projection drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	// --- Engine ---
	registry := ledger.NewAssetRegistry()
	custodian := ledger.NewCustodian(registry)
	engine := core.NewStakingEngine(
		core.Config{
			MinStake:            cfg.MinStake,
			IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		},
		state.NewStore(),
		custodian,
		access.NewController(cfg.OwnerID),
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
	)

	if err := recoverEngine(ctx, engine, snapMgr, dbChecker, cfg.IdempotencyLRUCapacity, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	submitter := ingestion.NewSerialProcessor(engine)

	// serving stops with ctx; workers run until serving is done and the
	// final snapshot is verified, so every applied command reaches the log.
	var serving, workers sync.WaitGroup
	errChan := make(chan error, 10)
	spawn := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	spawn(&workers, "persistence", func() error { return persistWorker.Run(workerCtx) })

	projWorker := projection.NewProjectionWorker(pool, projectionWorkerChan, metrics)
	spawn(&workers, "projection", func() error { return projWorker.Run(workerCtx) })

	bridgeLogger := observability.NewLogger("bridge")
	spawn(&workers, "bridge", func() error {
		bridgeCoreOutputs(workerCtx, registry, persistCoreChan, projectionCoreChan,
			persistWorkerChan, projectionWorkerChan, publishChan, bridgeLogger)
		return nil
	})

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSEnabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure command streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		rawChan := make(chan ingestion.RawCommand, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		spawn(&workers, "publisher", func() error { return publisher.Run(workerCtx) })

		loopLogger := observability.NewLogger("ingestion")
		spawn(&serving, "ingestion", func() error {
			ingestion.RunCommandLoop(ctx, rawChan, submitter, loopLogger)
			return nil
		})
	} else {
		logger.Warn().Msg("NATS disabled; commands accepted over gRPC and HTTP only")
	}

	// --- gRPC + HTTP gateway ---
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  query.NewQueryService(engine, pool, metrics),
		IngestService: ingestion.NewGRPCIngestService(submitter),
		Engine:        engine,
		HealthChecker: healthChecker,
		TakeSnapshot: func(ctx context.Context) (int64, error) {
			return takeSnapshot(ctx, engine, snapMgr, metrics)
		},
		RebuildProjections: func(ctx context.Context) error {
			return rebuildProjections(ctx, engine, pool)
		},
		StartTime: time.Now(),
	})
	spawn(&serving, "grpc", func() error { return srv.StartGRPC(ctx) })
	spawn(&serving, "http", func() error { return srv.StartHTTPGateway(ctx) })
	spawn(&serving, "metrics", func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	spawn(&serving, "snapshots", func() error {
		runPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)
		return nil
	})

	srv.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("StakeLedger ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	serving.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if seq, err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	stopWorkers()
	workers.Wait()
	logger.Info().Msg("StakeLedger shutdown complete")
	return nil
}

// newMigrator reads migrations from dir when it exists, else from the
// binary's embedded copy.
func newMigrator(db *sql.DB, dir string) *persistence.Migrator {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return persistence.NewMigrator(db, dir)
		}
	}
	return persistence.NewMigratorFS(db, migrations.FS)
}

// recoverEngine restores the latest verified snapshot, replays the event log
// after it, and warms the idempotency cache.
func recoverEngine(
	ctx context.Context,
	engine *core.StakingEngine,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	logger zerolog.Logger,
) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		var st core.SnapshotState
		if err := json.Unmarshal(snap.Engine, &st); err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(ctx, &st); err != nil {
			return err
		}
		var want [32]byte
		copy(want[:], snap.StateHash)
		if got := engine.GetStateHash(); got != want {
			return fmt.Errorf("snapshot %d hash mismatch: stored %x, restored %x", snap.Sequence, want, got)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, replaying from sequence 0")
	}

	total := 0
	from := engine.GetSequence()
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		envelopes := make([]*command.Envelope, 0, len(rows))
		for _, row := range rows {
			env, err := envelopeFromRow(row)
			if err != nil {
				return err
			}
			envelopes = append(envelopes, env)
		}
		n, err := engine.Replay(ctx, envelopes)
		total += n
		if err != nil {
			return err
		}
		from = rows[len(rows)-1].Sequence + 1
	}
	if total > 0 {
		logger.Info().Int("replayed", total).Int64("next_sequence", engine.GetSequence()).Msg("event log replayed")
	}

	keys, err := dbChecker.RecentKeys(ctx, lruCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("warm idempotency cache")
		return nil
	}
	engine.WarmLRU(keys)
	return nil
}

// takeSnapshot saves the engine state and marks it verified once the event
// log holds every command it covers. Returns -1 when nothing was applied.
func takeSnapshot(
	ctx context.Context,
	engine *core.StakingEngine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	st, err := engine.CreateSnapshotState(ctx)
	if err != nil {
		return 0, err
	}
	if st.Sequence < 0 {
		return -1, nil
	}

	doc, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode engine state: %w", err)
	}
	size, err := snapMgr.SaveSnapshot(ctx, &persistence.SnapshotData{
		Sequence:  st.Sequence,
		StateHash: st.StateHash[:],
		Engine:    doc,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	if err := waitPersisted(ctx, snapMgr, st.Sequence); err != nil {
		return 0, fmt.Errorf("snapshot %d not verified: %w", st.Sequence, err)
	}
	if err := snapMgr.MarkVerified(ctx, st.Sequence); err != nil {
		return 0, fmt.Errorf("mark verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	return st.Sequence, nil
}

// waitPersisted blocks until the event log reaches seq. A snapshot ahead of
// the log would leave a gap on recovery.
func waitPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, seq int64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runPeriodicSnapshots takes a snapshot every interval applied commands.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.StakingEngine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	last := engine.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.GetSequence()-last < interval {
				continue
			}
			seq, err := takeSnapshot(ctx, engine, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq + 1
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}

// rebuildProjections recomputes balances from the journal and reseeds pool
// and position projections from the live engine state.
func rebuildProjections(ctx context.Context, engine *core.StakingEngine, pool *pgxpool.Pool) error {
	if err := projection.RebuildBalances(ctx, pool); err != nil {
		return err
	}
	st, err := engine.CreateSnapshotState(ctx)
	if err != nil {
		return err
	}
	if st.Store == nil {
		return nil
	}
	return projection.Reseed(ctx, pool, st.Sequence, poolRows(st.Store.Pools), positionRows(st.Store.Positions))
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
