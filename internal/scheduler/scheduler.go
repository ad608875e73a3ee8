// ABOUTME: Reconciliation scheduler running the health, auto-update and retention loops
// ABOUTME: Each loop recovers from errors and panics, then waits its recovery interval

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/lifecycle"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/store"
)

// Loop names, used in logs and metrics.
const (
	LoopHealth  = "health"
	LoopUpdate  = "update"
	LoopCleanup = "cleanup"
)

// cronParser accepts standard five-field expressions and descriptors such as @daily.
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Servers is the slice of the lifecycle controller the loops drive.
type Servers interface {
	List(ctx context.Context, filter store.ServerFilter) ([]*store.ToolServer, error)
	Probe(ctx context.Context, id string) (*lifecycle.Health, error)
	Restart(ctx context.Context, id string) (bool, error)
	PruneHealthCache() int
}

// UsagePruner deletes usage rows past the retention cutoff.
type UsagePruner interface {
	DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// GrantPurger removes expired permissions.
type GrantPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// BucketPruner drops idle rate-limit buckets.
type BucketPruner interface {
	Prune() int
}

// Config holds the loop schedules and recovery intervals.
type Config struct {
	Health  cron.Schedule
	Update  cron.Schedule
	Cleanup cron.Schedule

	HealthRecovery  time.Duration
	UpdateRecovery  time.Duration
	CleanupRecovery time.Duration

	// RetentionDays is the age after which usage rows are deleted.
	RetentionDays int
}

// DefaultConfig returns the stock periods: health every 5 minutes,
// auto-update hourly and cleanup daily.
func DefaultConfig() Config {
	return Config{
		Health:          cron.Every(300 * time.Second),
		Update:          cron.Every(3600 * time.Second),
		Cleanup:         cron.Every(86400 * time.Second),
		HealthRecovery:  60 * time.Second,
		UpdateRecovery:  300 * time.Second,
		CleanupRecovery: 3600 * time.Second,
		RetentionDays:   90,
	}
}

// FromConfig builds a Config from the scheduler section of the config file.
func FromConfig(c config.SchedulerConfig) (Config, error) {
	health, err := ScheduleFor(c.HealthSchedule, c.HealthInterval)
	if err != nil {
		return Config{}, fmt.Errorf("health schedule: %w", err)
	}
	update, err := ScheduleFor(c.UpdateSchedule, c.UpdateInterval)
	if err != nil {
		return Config{}, fmt.Errorf("update schedule: %w", err)
	}
	cleanup, err := ScheduleFor(c.CleanupSchedule, c.CleanupInterval)
	if err != nil {
		return Config{}, fmt.Errorf("cleanup schedule: %w", err)
	}
	return Config{
		Health:          health,
		Update:          update,
		Cleanup:         cleanup,
		HealthRecovery:  c.HealthRecovery,
		UpdateRecovery:  c.UpdateRecovery,
		CleanupRecovery: c.CleanupRecovery,
		RetentionDays:   c.RetentionDays,
	}, nil
}

// ScheduleFor parses expr as a cron expression, or returns a fixed period of
// every when expr is empty.
func ScheduleFor(expr string, every time.Duration) (cron.Schedule, error) {
	if expr == "" {
		if every <= 0 {
			return nil, fmt.Errorf("period must be positive, got %s", every)
		}
		return cron.Every(every), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler runs the three reconciliation loops.
type Scheduler struct {
	servers Servers
	usage   UsagePruner
	grants  GrantPurger
	buckets BucketPruner
	metrics *metrics.Metrics
	config  Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGrantPurger purges expired permissions during cleanup.
func WithGrantPurger(g GrantPurger) Option {
	return func(s *Scheduler) {
		s.grants = g
	}
}

// WithBucketPruner prunes idle rate-limit buckets during cleanup.
func WithBucketPruner(b BucketPruner) Option {
	return func(s *Scheduler) {
		s.buckets = b
	}
}

// WithMetrics counts loop iterations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSleep overrides the wait between iterations. fn must return an error
// once ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.sleep = fn
	}
}

// New creates a Scheduler. Zero fields in cfg take the defaults.
func New(servers Servers, usage UsagePruner, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Health == nil {
		cfg.Health = def.Health
	}
	if cfg.Update == nil {
		cfg.Update = def.Update
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = def.Cleanup
	}
	if cfg.HealthRecovery <= 0 {
		cfg.HealthRecovery = def.HealthRecovery
	}
	if cfg.UpdateRecovery <= 0 {
		cfg.UpdateRecovery = def.UpdateRecovery
	}
	if cfg.CleanupRecovery <= 0 {
		cfg.CleanupRecovery = def.CleanupRecovery
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}

	s := &Scheduler{
		servers: servers,
		usage:   usage,
		config:  cfg,
		now:     time.Now,
		sleep:   sleepContext,
		logger:  logger.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start launches the loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting scheduler", "retention_days", s.config.RetentionDays)

	s.wg.Add(3)
	go s.loop(ctx, LoopHealth, s.config.Health, s.config.HealthRecovery, s.RunHealth)
	go s.loop(ctx, LoopUpdate, s.config.Update, s.config.UpdateRecovery, s.RunUpdates)
	go s.loop(ctx, LoopCleanup, s.config.Cleanup, s.config.CleanupRecovery, s.RunCleanup)
	return nil
}

// Stop cancels the loops and waits for them to exit or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop runs fn, then waits until the schedule's next activation, or for the
// recovery interval when fn failed. It only exits when ctx is cancelled.
func (s *Scheduler) loop(ctx context.Context, name string, schedule cron.Schedule, recovery time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()
	logger := s.logger.With("loop", name)

	for {
		var wait time.Duration
		if err := s.runOnce(ctx, name, fn); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("reconciliation iteration failed", "error", err, "retry_in", recovery)
			wait = recovery
		} else {
			// Measured from the end of the pass.
			wait = s.untilNext(schedule)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (s *Scheduler) untilNext(schedule cron.Schedule) time.Duration {
	now := s.now()
	wait := schedule.Next(now).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// runOnce turns a panic in fn into an error.
func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s loop: %v", name, r)
		}
		s.metrics.RecordSchedulerRun(name, err == nil)
	}()
	return fn(ctx)
}

// RunHealth probes every enabled server, bypassing the health cache, and
// restarts the unhealthy ones that have auto_start set.
func (s *Scheduler) RunHealth(ctx context.Context) error {
	enabled := store.StatusEnabled
	servers, err := s.servers.List(ctx, store.ServerFilter{Status: &enabled})
	if err != nil {
		return fmt.Errorf("listing enabled servers: %w", err)
	}

	var errs []error
	for _, server := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h, err := s.servers.Probe(ctx, server.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking %s: %w", server.Name, err))
			continue
		}
		if h.Healthy || !server.AutoStart {
			continue
		}

		s.logger.Warn("restarting unhealthy server", "server_id", server.ID, "name", server.Name, "error", h.Error)
		ok, err := s.servers.Restart(ctx, server.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("restarting %s: %w", server.Name, err))
			continue
		}
		if !ok {
			s.logger.Warn("restart did not recover server", "server_id", server.ID, "name", server.Name)
		}
	}
	return errors.Join(errs...)
}

// RunUpdates restarts every enabled server with auto_update set so its tool
// list is rediscovered.
func (s *Scheduler) RunUpdates(ctx context.Context) error {
	enabled := store.StatusEnabled
	autoUpdate := true
	servers, err := s.servers.List(ctx, store.ServerFilter{Status: &enabled, AutoUpdate: &autoUpdate})
	if err != nil {
		return fmt.Errorf("listing auto-update servers: %w", err)
	}

	var errs []error
	for _, server := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := s.servers.Restart(ctx, server.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("updating %s: %w", server.Name, err))
			continue
		}
		s.logger.Info("server updated", "server_id", server.ID, "name", server.Name, "success", ok)
	}
	return errors.Join(errs...)
}

// RunCleanup deletes usage rows past retention and prunes expired grants,
// idle rate-limit buckets and stale health results.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	deleted, err := s.usage.DeleteUsageOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("deleting old usage: %w", err)
	}

	var purged int64
	if s.grants != nil {
		if purged, err = s.grants.PurgeExpired(ctx); err != nil {
			return fmt.Errorf("purging expired permissions: %w", err)
		}
	}
	buckets := 0
	if s.buckets != nil {
		buckets = s.buckets.Prune()
	}
	health := s.servers.PruneHealthCache()

	s.logger.Info("cleanup finished",
		"usage_deleted", deleted,
		"cutoff", cutoff,
		"permissions_purged", purged,
		"buckets_pruned", buckets,
		"health_pruned", health,
	)
	return nil
}
