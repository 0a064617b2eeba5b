// The worker binary runs the whole orchestrator in one process: schema
// migrations, the in-process broker with its job handlers, the
// periodic fan-out and failure retry loops, and the read-only
// dashboard HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/calvora/cadence/internal/api"
	"github.com/calvora/cadence/internal/backlog"
	"github.com/calvora/cadence/internal/config"
	"github.com/calvora/cadence/internal/coordinator"
	"github.com/calvora/cadence/internal/dedup"
	"github.com/calvora/cadence/internal/failure"
	"github.com/calvora/cadence/internal/fanout"
	"github.com/calvora/cadence/internal/jobs"
	"github.com/calvora/cadence/internal/pipeline"
	"github.com/calvora/cadence/internal/platform/aiprobe"
	"github.com/calvora/cadence/internal/platform/badgerkv"
	"github.com/calvora/cadence/internal/platform/logger"
	"github.com/calvora/cadence/internal/platform/postgres"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/retrypolicy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; production configures through real
	// environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("starting worker", "port", cfg.Server.Port)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := postgres.Migrate(db); err != nil {
		return err
	}

	kv, err := badgerkv.Open(cfg.Dedup.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to open dedup store: %w", err)
	}
	defer func() { _ = kv.Close() }()

	accounts := postgres.NewPostgresAccountStore(db, log)
	states := postgres.NewPostgresProcessingStateStore(db, log)
	runs := postgres.NewPostgresPipelineRunStore(db, log)
	failures := postgres.NewPostgresJobFailureStore(db, log)
	lifecycles := postgres.NewPostgresJobLifecycleStore(db, log)

	broker := queue.NewMemoryBroker(lifecycles, queue.DefaultMemoryBrokerConfig(), log)
	deduper := dedup.NewDeduper(kv, broker, cfg.Dedup, log)
	engine := retrypolicy.NewEngine(cfg.Retry)
	gate := backlog.NewGate(runs, lifecycles, log)
	pipelineSvc := pipeline.NewService(runs, jobs.StepJobEnqueuer{Deduper: deduper}, cfg.Pipeline, log)
	failureSvc := failure.NewService(failures, runs, broker, engine, cfg.FailureRetry, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe, err := buildProbe(ctx, cfg.AI, log)
	if err != nil {
		return err
	}

	// The capture and workspace clients live outside this repo; the
	// orchestrator runs with inert ones until a deployment injects its
	// own.
	workspaceQueue := coordinator.WorkspaceQueueFunc(func(context.Context, int64) error { return nil })
	coord := coordinator.New(states, gate, probe, deduper, workspaceQueue, cfg.Phases, log)
	fanoutSched := fanout.NewScheduler(accounts, deduper, cfg.Fanout, log)

	jobs.RegisterAll(broker, jobs.Deps{
		Coordinator: coord,
		Fanout:      fanoutSched,
		Pipeline:    pipelineSvc,
		Failures:    failureSvc,
		Deduper:     deduper,
		Accounts:    accounts,
		Steps:       jobs.NewAIServiceExecutor(cfg.AI.BaseURL, cfg.AI.RequestTimeout, log),
		Source:      jobs.NoopContentSource{},
		Workspace:   jobs.NoopWorkspaceProcessor{},
		Logger:      log,
	})

	recoverStaleJobs(ctx, lifecycles, failureSvc, cfg.Scheduler.StaleJobAge, log)

	broker.Start()
	defer broker.Stop()

	handler := api.NewRouter(api.NewDashboardHandler(runs, failures, gate, broker, log))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("dashboard listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return fanoutLoop(ctx, deduper, cfg, log)
	})

	g.Go(func() error {
		return retryLoop(ctx, broker, cfg.FailureRetry.Interval, log)
	})

	err = g.Wait()
	log.Info("worker stopped")
	return err
}

// buildProbe picks the AI health probe: the local sidecar when
// configured, Gemini as fallback, otherwise statically unhealthy so
// AI-dependent phases never enqueue.
func buildProbe(ctx context.Context, cfg config.AIConfig, log *slog.Logger) (aiprobe.Probe, error) {
	switch {
	case cfg.HealthURL != "":
		return aiprobe.NewHTTPProbe(cfg.HealthURL, cfg.ProbeTimeout, log), nil
	case cfg.GeminiAPIKey != "":
		probe, err := aiprobe.NewGenAIProbe(ctx, cfg.GeminiAPIKey, cfg.ProbeModel, cfg.ProbeTimeout, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create AI probe: %w", err)
		}
		return probe, nil
	default:
		log.Warn("no AI backend configured, AI-dependent phases will be skipped")
		return aiprobe.StaticProbe{Healthy: false}, nil
	}
}

// fanoutLoop kicks off a fan-out walk over all enabled accounts every
// tick. The dedup layer collapses a tick that fires while the previous
// walk's batch job is still pending.
func fanoutLoop(ctx context.Context, deduper *dedup.Deduper, cfg *config.Config, log *slog.Logger) error {
	ticker := time.NewTicker(cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := deduper.EnqueueWithDedup(ctx, fanout.JobClassFanoutBatch, fanout.BatchArgs{
				Scope:     fanout.ScopeEnabledAccounts,
				CursorID:  0,
				BatchSize: cfg.Fanout.BatchSize,
			})
			if err != nil {
				log.Error("failed to enqueue fan-out walk", "error", err)
				continue
			}
			if res.Enqueued {
				log.Info("fan-out walk enqueued", "job_id", res.JobID)
			}
		}
	}
}

// retryLoop periodically enqueues a failure retry sweep.
func retryLoop(ctx context.Context, broker *queue.MemoryBroker, interval time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := broker.Enqueue(ctx, jobs.JobClassFailureRetrySweep, struct{}{}); err != nil {
				log.Error("failed to enqueue retry sweep", "error", err)
			}
		}
	}
}

// recoverStaleJobs marks lifecycle rows stuck in queued from a
// previous process as failed and writes one synthetic failure record
// so the recovery is visible in the audit trail. Recovery problems are
// logged, never fatal.
func recoverStaleJobs(ctx context.Context, lifecycles *postgres.PostgresJobLifecycleStore, failureSvc *failure.Service, maxAge time.Duration, log *slog.Logger) {
	jobIDs, err := lifecycles.ResetStale(ctx, maxAge)
	if err != nil {
		log.Error("stale job recovery failed", "error", err)
		return
	}
	if len(jobIDs) == 0 {
		return
	}

	log.Warn("recovered stale queued jobs", "count", len(jobIDs))
	nonRetryable := false
	_, err = failureSvc.Capture(ctx, failure.CaptureParams{
		JobClass:  "worker.StartupRecovery",
		QueueName: "scheduling",
		Err:       fmt.Errorf("%d jobs stalled in queued state past %s", len(jobIDs), maxAge),
		Retryable: &nonRetryable,
	})
	if err != nil {
		log.Error("failed to record recovery failure", "error", err)
	}
}
