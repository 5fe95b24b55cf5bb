// Package scheduler drives the time-based half of the job engine: promoting
// due retries, reaping lapsed leases, firing recurring schedules and purging
// old terminal jobs. Exactly one instance acts per deployment; a short-lived
// leader lock in the store elects it every tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/queue"
)

const leaderLock = "scheduler-leader"

// Config tunes the scheduler.
type Config struct {
	Tick      time.Duration // loop cadence; 0 = 1s
	Retention time.Duration // terminal jobs older than this are purged
}

type Scheduler struct {
	store  *queue.Store
	logger *zap.Logger
	parser cron.Parser

	tick       time.Duration
	retention  time.Duration
	instanceID string

	lastPurge time.Time
}

func New(store *queue.Store, logger *zap.Logger, cfg Config) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Scheduler{
		store:      store,
		logger:     logger,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:       tick,
		retention:  retention,
		instanceID: uuid.NewString(),
	}
}

// EnsureSchedule registers a recurring schedule if it is new or its cron
// expression changed. An unchanged schedule keeps its armed fire time so
// restarts do not trigger an immediate fire.
func (s *Scheduler) EnsureSchedule(ctx context.Context, sc queue.RecurringSchedule) error {
	sched, err := s.parser.Parse(sc.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %s: %w", sc.CronExpr, sc.Name, err)
	}
	existing, err := s.store.GetSchedule(ctx, sc.Name)
	if err != nil {
		return err
	}
	if existing != nil && existing.CronExpr == sc.CronExpr {
		return nil
	}
	sc.NextFireAt = sched.Next(time.Now())
	if existing != nil {
		sc.LastFireAt = existing.LastFireAt
	}
	s.logger.Info("recurring schedule armed",
		zap.String("name", sc.Name),
		zap.String("cron", sc.CronExpr),
		zap.Time("next_fire_at", sc.NextFireAt))
	return s.store.UpsertSchedule(ctx, sc)
}

// Run loops until ctx is cancelled. Tick errors are logged and never fatal;
// the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	// The leader lock is reentrant per holder, so the incumbent keeps
	// extending its own term each tick.
	ok, err := s.store.AcquireLock(ctx, leaderLock, s.instanceID, 3*s.tick+5*time.Second)
	if err != nil {
		s.logger.Error("leader election failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	now := time.Now()
	if n, err := s.store.PromoteDue(ctx); err != nil {
		s.logger.Error("promote due jobs failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("promoted due jobs", zap.Int("count", n))
	}

	if n, err := s.store.ReapExpired(ctx); err != nil {
		s.logger.Error("reap expired leases failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("re-enqueued jobs with lapsed leases", zap.Int("count", n))
	}

	s.fireDue(ctx, now)

	if now.Sub(s.lastPurge) >= time.Minute {
		s.lastPurge = now
		if n, err := s.store.Purge(ctx, now.Add(-s.retention)); err != nil {
			s.logger.Error("purge failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("purged terminal jobs", zap.Int("count", n))
		}
	}
}

// fireDue enqueues one job per due recurring schedule. A schedule that missed
// several intervals (scheduler down) fires once and re-arms from now rather
// than replaying the backlog.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx)
	if err != nil {
		s.logger.Error("list due schedules failed", zap.Error(err))
		return
	}
	for _, sc := range due {
		sched, err := s.parser.Parse(sc.CronExpr)
		if err != nil {
			s.logger.Error("recurring schedule has invalid cron, removing",
				zap.String("name", sc.Name), zap.Error(err))
			if err := s.store.RemoveSchedule(ctx, sc.Name); err != nil {
				s.logger.Error("remove schedule failed", zap.String("name", sc.Name), zap.Error(err))
			}
			continue
		}

		j := jobs.New(sc.Handler, sc.Payload)
		if sc.Queue != "" {
			j.Queue = sc.Queue
		}
		j.ConcurrencyKey = sc.ConcurrencyKey
		j.LockTTL = sc.LockTTL
		if _, err := s.store.Enqueue(ctx, j); err != nil {
			s.logger.Error("recurring fire failed",
				zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		next := sched.Next(now)
		if err := s.store.CompleteFire(ctx, sc.Name, now, next); err != nil {
			s.logger.Error("record recurring fire failed",
				zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		s.logger.Info("recurring schedule fired",
			zap.String("name", sc.Name),
			zap.String("handler", sc.Handler),
			zap.String("job_id", j.ID),
			zap.Time("next_fire_at", next))
	}
}
