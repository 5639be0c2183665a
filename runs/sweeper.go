package runs

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

// DefaultSweepSchedule reconciles orphaned runs every minute.
const DefaultSweepSchedule = "* * * * *"

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseSchedule parses a five-field UTC cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Reconciler is the part of the Registry the sweeper drives.
type Reconciler interface {
	Reconcile(ctx context.Context) int
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Registry Reconciler
	Schedule string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Sweeper periodically recovers runs whose stream was lost.
type Sweeper struct {
	registry Reconciler
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewSweeper validates cfg and prepares the schedule.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Registry == nil {
		return nil, errors.New("sweeper registry is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		registry: cfg.Registry,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.RunOnce))
	return s, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if n := s.registry.Reconcile(ctx); n > 0 {
		s.logger.Debug("sweeper: examined runs", "count", n)
	}
}

// Start begins running the schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
