package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultRollupCron recomputes the daily rollups every ten minutes.
	DefaultRollupCron = "*/10 * * * *"

	defaultRollupWindow = 30 * 24 * time.Hour
)

// RollupSchedulerConfig configures the background analytics rollup runner.
type RollupSchedulerConfig struct {
	Store AnalyticsStore

	// Cron is a UTC five-field cron expression; defaults to DefaultRollupCron.
	Cron string

	// Window bounds how far back each pass recomputes; defaults to 30 days.
	Window time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// RollupScheduler periodically aggregates session activity into the
// daily rollup table served by the admin analytics API.
type RollupScheduler struct {
	store  AnalyticsStore
	cron   string
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRollupScheduler creates a rollup scheduler instance.
func NewRollupScheduler(cfg RollupSchedulerConfig) (*RollupScheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("rollup scheduler store is nil")
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultRollupCron
	}
	if _, err := parseRollupCron(cfg.Cron); err != nil {
		return nil, err
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultRollupWindow
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RollupScheduler{
		store:  cfg.Store,
		cron:   cfg.Cron,
		window: cfg.Window,
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

// Start starts the background rollup loop. The loop runs until Stop is
// called; it is not tied to the caller's context.
func (s *RollupScheduler) Start(_ context.Context) error {
	if s == nil {
		return errors.New("rollup scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.RunOnce(loopCtx); err != nil {
			s.logger.Error("analytics rollup", "error", err)
		}

		for {
			next, err := nextRollupRun(s.cron, s.now())
			if err != nil {
				s.logger.Error("analytics rollup schedule", "error", err)
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := s.RunOnce(loopCtx); err != nil {
					s.logger.Error("analytics rollup", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the background rollup loop.
func (s *RollupScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single rollup pass.
func (s *RollupScheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("rollup scheduler is not configured")
	}

	since := s.now().UTC().Add(-s.window)
	rollups, err := s.store.AggregateDaily(ctx, since)
	if err != nil {
		return err
	}
	if len(rollups) == 0 {
		return nil
	}

	if err := s.store.UpsertDailyRollups(ctx, rollups); err != nil {
		return err
	}

	s.logger.Debug("analytics rollup pass", "days", len(rollups))
	return nil
}

// rollupCronParser accepts the five-field minute/hour/dom/month/dow form.
// Rollup schedules carry no seconds field and no timezone.
var rollupCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// parseRollupCron parses a rollup schedule. Schedules are interpreted in
// UTC, so the CRON_TZ/TZ prefix forms are rejected outright instead of
// silently shifting rollup days across a timezone boundary.
func parseRollupCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("rollup schedule is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("rollup schedule must be plain UTC; timezone prefixes are not supported")
	}

	schedule, err := rollupCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid rollup schedule %q: %w", clean, err)
	}
	return schedule, nil
}

// nextRollupRun returns the next fire time of the schedule after now, in UTC.
func nextRollupRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseRollupCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}
