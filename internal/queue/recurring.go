package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecurringSchedule repeatedly enqueues a fresh job for its handler on a cron
// cadence. Unique by name; upserting replaces the entry cleanly.
type RecurringSchedule struct {
	Name           string        `json:"name"`
	CronExpr       string        `json:"cron_expr"`
	Handler        string        `json:"handler"`
	Queue          string        `json:"queue"`
	Payload        []byte        `json:"payload,omitempty"`
	ConcurrencyKey string        `json:"concurrency_key,omitempty"`
	LockTTL        time.Duration `json:"lock_ttl,omitempty"`
	LastFireAt     time.Time     `json:"last_fire_at,omitempty"`
	NextFireAt     time.Time     `json:"next_fire_at"`
}

// UpsertSchedule stores the schedule and (re)arms its next fire time.
func (s *Store) UpsertSchedule(ctx context.Context, sc RecurringSchedule) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", sc.Name, err)
	}
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, s.recurringItemKey(sc.Name), data, 0)
		pipe.ZAdd(ctx, s.recurringKey(), redis.Z{Score: float64(ms(sc.NextFireAt)), Member: sc.Name})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetSchedule loads one schedule by name. Returns nil when absent.
func (s *Store) GetSchedule(ctx context.Context, name string) (*RecurringSchedule, error) {
	data, err := s.rdb.Get(ctx, s.recurringItemKey(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", name, err)
	}
	var sc RecurringSchedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", name, err)
	}
	return &sc, nil
}

// RemoveSchedule deletes a recurring schedule.
func (s *Store) RemoveSchedule(ctx context.Context, name string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.recurringItemKey(name))
	pipe.ZRem(ctx, s.recurringKey(), name)
	_, err := pipe.Exec(ctx)
	return err
}

// DueSchedules returns schedules whose next fire time has passed. ZSET
// ordering breaks same-instant ties lexicographically by name.
func (s *Store) DueSchedules(ctx context.Context) ([]RecurringSchedule, error) {
	names, err := s.rdb.ZRangeByScore(ctx, s.recurringKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms(s.now()), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	out := make([]RecurringSchedule, 0, len(names))
	for _, name := range names {
		data, err := s.rdb.Get(ctx, s.recurringItemKey(name)).Result()
		if err == redis.Nil {
			// Entry removed; drop the dangling index member.
			s.rdb.ZRem(ctx, s.recurringKey(), name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load schedule %s: %w", name, err)
		}
		var sc RecurringSchedule
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", name, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// CompleteFire records a fire and arms the next one.
func (s *Store) CompleteFire(ctx context.Context, name string, firedAt, next time.Time) error {
	data, err := s.rdb.Get(ctx, s.recurringItemKey(name)).Result()
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", name, err)
	}
	var sc RecurringSchedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return fmt.Errorf("decode schedule %s: %w", name, err)
	}
	sc.LastFireAt = firedAt
	sc.NextFireAt = next
	return s.UpsertSchedule(ctx, sc)
}
