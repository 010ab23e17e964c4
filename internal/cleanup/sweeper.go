// Package cleanup removes tool calls and pipelines that were abandoned
// mid-flight.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/pkg/models"
)

const (
	// DefaultSchedule runs the sweep every 15 minutes.
	DefaultSchedule = "@every 15m"

	// DefaultStaleAfter is how long a PENDING or PROCESSING record may go
	// without an update before it is considered abandoned.
	DefaultStaleAfter = 24 * time.Hour
)

// Only in-flight records are swept. Terminal and parked records carry
// information a human or caller may still need.
var (
	staleCallStatuses     = []models.CallStatus{models.CallPending, models.CallProcessing}
	stalePipelineStatuses = []models.PipelineStatus{models.PipelinePending, models.PipelineProcessing}
)

// cronParser accepts standard 5-field specs, optional seconds and descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config configures a Sweeper.
type Config struct {
	// Schedule is a cron spec. Defaults to DefaultSchedule.
	Schedule string

	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration

	// Cache, when set, has the entries of removed records deleted.
	Cache cache.Cache

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Result reports what one sweep removed.
type Result struct {
	Cutoff    time.Time
	Calls     []string
	Pipelines []string
	Err       error
}

// Sweeper periodically deletes stale in-flight records.
type Sweeper struct {
	store    storage.Store
	cache    cache.Cache
	schedule cron.Schedule
	config   Config
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
	sweepMu sync.Mutex
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store storage.Store, config Config) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("cleanup: store is required")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	schedule, err := cronParser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cleanup: invalid schedule %q: %w", config.Schedule, err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "cleanup")
	}
	return &Sweeper{
		store:    store,
		cache:    config.Cache,
		schedule: schedule,
		config:   config,
		logger:   logger,
	}, nil
}

// Start schedules the sweep. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{s.logger}),
	)
	c.Schedule(s.schedule, s.job(ctx))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info("cleanup sweep started",
		"schedule", s.config.Schedule,
		"stale_after", s.config.StaleAfter,
	)
	return nil
}

// job is the scheduled sweep. A panic in the store is logged and the next
// tick runs as usual; overlapping ticks are skipped.
func (s *Sweeper) job(ctx context.Context) cron.Job {
	logger := cronLogger{s.logger}
	return cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	).Then(cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))
}

// Stop halts scheduling and waits for an in-progress sweep, bounded by ctx.
// Stopping a stopped sweeper is a no-op.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	done := c.Stop()
	cancel()

	select {
	case <-done.Done():
		s.logger.Info("cleanup sweep stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the sweep is scheduled.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce performs one sweep. Errors are logged and reported in the result,
// never returned, so a failed sweep is simply retried on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx, span := s.config.Tracer.TraceSweep(ctx)
	defer span.End()

	res := Result{Cutoff: s.config.Now().Add(-s.config.StaleAfter)}

	calls, callErr := s.store.DeleteStaleCalls(ctx, staleCallStatuses, res.Cutoff)
	res.Calls = calls
	pipelines, pipelineErr := s.store.DeleteStalePipelines(ctx, stalePipelineStatuses, res.Cutoff)
	res.Pipelines = pipelines
	res.Err = errors.Join(callErr, pipelineErr)

	s.invalidate(ctx, calls, cache.CallKey)
	s.invalidate(ctx, pipelines, cache.PipelineKey)
	s.config.Metrics.RecordSweep("call", len(calls))
	s.config.Metrics.RecordSweep("pipeline", len(pipelines))
	s.config.Tracer.SetAttributes(span,
		"cleanup.calls_deleted", len(calls),
		"cleanup.pipelines_deleted", len(pipelines),
	)

	if res.Err != nil {
		s.config.Metrics.RecordSweepFailure()
		s.config.Tracer.RecordError(span, res.Err)
		s.logger.Error("cleanup sweep failed",
			"calls_deleted", len(calls),
			"pipelines_deleted", len(pipelines),
			"error", res.Err,
		)
		return res
	}
	s.logger.Info("cleanup sweep finished",
		"calls_deleted", len(calls),
		"pipelines_deleted", len(pipelines),
		"cutoff", res.Cutoff,
	)
	return res
}

func (s *Sweeper) invalidate(ctx context.Context, ids []string, key func(string) string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cleanup cache invalidation failed", "keys", len(keys), "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
