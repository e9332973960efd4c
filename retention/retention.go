// Package retention evicts finished jobs from the job table once their
// artifacts have outlived OUTPUT_LOCAL_LIFETIME.
package retention

import (
	"context"
	"fmt"
	"time"

	"ffgif/config"
	"ffgif/task"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Sweeper struct {
	table    *task.Table
	lifetime time.Duration
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron
	now      func() time.Time
}

func New(table *task.Table, cfg *config.Config, logger *zap.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
		return nil, fmt.Errorf("RETENTION_SCHEDULE %q: %w", cfg.RetentionSchedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("retention")

	cl := cronLogger{logger.Sugar()}
	return &Sweeper{
		table:    table,
		lifetime: cfg.OutputLocalLifetime,
		schedule: cfg.RetentionSchedule,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		now:      time.Now,
	}, nil
}

// Start schedules periodic sweeps. A non-positive lifetime disables retention.
func (s *Sweeper) Start() error {
	if s.lifetime <= 0 {
		s.logger.Info("retention disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention started", zap.String("schedule", s.schedule), zap.Duration("lifetime", s.lifetime))
	return nil
}

// Stop halts the schedule and waits for a sweep in progress, or until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evicts every finished job older than the lifetime and deletes its
// artifact. It returns the number of evicted jobs.
func (s *Sweeper) Sweep() int {
	cutoff := s.now().Add(-s.lifetime)
	n := 0
	for _, snap := range s.table.Expired(cutoff) {
		if _, ok := s.table.Evict(snap.ID); !ok {
			continue
		}
		task.RemoveIfExists(s.logger, snap.ArtifactPath)
		n++
	}
	if n > 0 {
		s.logger.Info("evicted expired jobs", zap.Int("count", n))
	}
	return n
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
