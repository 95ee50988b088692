package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// ReconcilerConfig tunes the completion sweep.
type ReconcilerConfig struct {
	// Schedule is a cron spec with an optional seconds field, e.g. "@every 30s".
	Schedule string
	// BatchSize bounds the candidates loaded per sweep.
	BatchSize int
	// Concurrency bounds the completion checks in flight.
	Concurrency int
	// RatePerSecond throttles completion checks against the database.
	RatePerSecond float64
}

const (
	defaultReconcileSchedule    = "@every 30s"
	defaultReconcileBatchSize   = 500
	defaultReconcileConcurrency = 4
	defaultReconcileRate        = 50
)

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Schedule == "" {
		c.Schedule = defaultReconcileSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultReconcileBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultReconcileConcurrency
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultReconcileRate
	}
	return c
}

// taskCompleter is the part of TaskService the reconciler drives.
type taskCompleter interface {
	CompleteIfDone(ctx context.Context, taskID int64) (bool, error)
}

// CompletionReconciler periodically completes tasks whose counters reached
// the expected size without a transition having been recorded, e.g. because
// the size arrived while the last notification was being committed. Only the
// leader sweeps.
type CompletionReconciler struct {
	tasks     domain.TaskRepository
	completer taskCompleter
	limiter   *rate.Limiter
	cfg       ReconcilerConfig

	leader atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	metrics NotifierMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewCompletionReconciler creates a reconciler. It sweeps nothing until it is
// started and told it leads.
func NewCompletionReconciler(
	tasks domain.TaskRepository,
	completer taskCompleter,
	metrics NotifierMetrics,
	cfg ReconcilerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) *CompletionReconciler {
	cfg = cfg.withDefaults()
	return &CompletionReconciler{
		tasks:     tasks,
		completer: completer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "completion_reconciler"),
		tracer:    tracer,
	}
}

// SetLeader is meant to be registered with Coordinator.OnLeadershipChange.
func (r *CompletionReconciler) SetLeader(isLeader bool) {
	was := r.leader.Swap(isLeader)
	if was != isLeader {
		r.logger.Info(context.Background(), "reconciler leadership changed", "leader", isLeader)
	}
}

// Start schedules the sweep. Runs never overlap; a sweep still running when
// the next one is due causes that one to be skipped.
func (r *CompletionReconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	cronLogger := cron.PrintfLogger(logger.NewStdLogger(r.logger, logger.LevelInfo))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error(ctx, "completion sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reconciler schedule %q: %w", r.cfg.Schedule, err)
	}

	c.Start()
	r.cron = c
	r.running = true
	r.logger.Info(ctx, "completion reconciler started", "schedule", r.cfg.Schedule)

	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (r *CompletionReconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron, r.running = nil, false
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs one sweep and returns how many tasks it completed. It is a
// no-op when this instance is not the leader.
func (r *CompletionReconciler) RunOnce(ctx context.Context) (int, error) {
	if !r.leader.Load() {
		return 0, nil
	}

	ctx, span := r.tracer.Start(ctx, "completion_reconciler.run_once",
		trace.WithAttributes(attribute.Int("batch_size", r.cfg.BatchSize)))
	defer span.End()
	r.metrics.IncReconcilerRuns(ctx)

	ids, err := r.tasks.ListCompletionCandidates(ctx, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list completion candidates")
		return 0, fmt.Errorf("failed to list completion candidates: %w", err)
	}
	span.AddEvent("candidates_listed", trace.WithAttributes(attribute.Int("count", len(ids))))
	if len(ids) == 0 {
		return 0, nil
	}

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			done, err := r.completer.CompleteIfDone(gctx, id)
			if err != nil {
				// One bad task must not stall the sweep.
				r.logger.Warn(gctx, "completion check failed", "task_id", id, "error", err)
				return nil
			}
			if done {
				completed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(completed.Load())
	r.metrics.IncReconcilerCompletions(ctx, n)
	span.SetAttributes(attribute.Int("completed", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep interrupted")
		return n, fmt.Errorf("completion sweep interrupted: %w", err)
	}
	if n > 0 {
		r.logger.Info(ctx, "completion sweep finished", "candidates", len(ids), "completed", n)
	}

	return n, nil
}

