package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/jobs"
)

// ErrLeaseLost is returned when a mutation is rejected because the caller's
// owner token no longer matches the job record.
var ErrLeaseLost = errors.New("job lease lost")

// Store is the Redis-backed job store. All keys live under a deployment
// prefix so multiple deployments and test runs can share one backend.
type Store struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	logger    *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRedisClient dials Redis with pool settings sized for queue workloads.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewStore(rdb *redis.Client, prefix string, retention time.Duration, logger *zap.Logger) *Store {
	return &Store{
		rdb:       rdb,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) jobKey(id string) string       { return s.prefix + "job:" + id }
func (s *Store) queueKey(name string) string   { return s.prefix + "queue:" + name }
func (s *Store) lockKey(name string) string    { return s.prefix + "lock:" + name }
func (s *Store) processingKey() string         { return s.prefix + "processing" }
func (s *Store) scheduledKey() string          { return s.prefix + "scheduled" }
func (s *Store) terminalKey() string           { return s.prefix + "terminal" }
func (s *Store) recurringKey() string          { return s.prefix + "recurring" }
func (s *Store) recurringItemKey(n string) string { return s.prefix + "recurring:" + n }
func (s *Store) processedEmailsKey() string    { return s.prefix + "processed-emails" }

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// withRetry retries transient backend errors with jittered exponential
// backoff so they never surface to handlers as permanent failures.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrLeaseLost), errors.Is(err, redis.Nil), errors.Is(err, context.Canceled):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}

func (s *Store) writeJobFields(j *jobs.Job) []any {
	return []any{
		"id", j.ID,
		"queue", j.Queue,
		"handler", j.Handler,
		"payload", string(j.Payload),
		"state", string(j.State),
		"attempts", j.Attempts,
		"parent_id", j.ParentID,
		"concurrency_key", j.ConcurrencyKey,
		"lock_ttl_ms", j.LockTTL.Milliseconds(),
		"owner_token", j.OwnerToken,
		"created_at", ms(j.CreatedAt),
		"enqueued_at", ms(j.EnqueuedAt),
		"started_at", ms(j.StartedAt),
		"finished_at", ms(j.FinishedAt),
		"next_attempt_at", ms(j.NextAttemptAt),
		"last_error", j.LastError,
	}
}

func jobFromHash(m map[string]string) *jobs.Job {
	attempts, _ := strconv.Atoi(m["attempts"])
	lockTTL, _ := strconv.ParseInt(m["lock_ttl_ms"], 10, 64)
	return &jobs.Job{
		ID:             m["id"],
		Queue:          m["queue"],
		Handler:        m["handler"],
		Payload:        []byte(m["payload"]),
		State:          jobs.State(m["state"]),
		Attempts:       attempts,
		ParentID:       m["parent_id"],
		ConcurrencyKey: m["concurrency_key"],
		LockTTL:        time.Duration(lockTTL) * time.Millisecond,
		OwnerToken:     m["owner_token"],
		CreatedAt:      fromMS(m["created_at"]),
		EnqueuedAt:     fromMS(m["enqueued_at"]),
		StartedAt:      fromMS(m["started_at"]),
		FinishedAt:     fromMS(m["finished_at"]),
		NextAttemptAt:  fromMS(m["next_attempt_at"]),
		LastError:      m["last_error"],
	}
}

// Enqueue inserts the job with state enqueued and appends it to its queue.
func (s *Store) Enqueue(ctx context.Context, j *jobs.Job) (string, error) {
	now := s.now()
	j.State = jobs.StateEnqueued
	j.CreatedAt = now
	j.EnqueuedAt = now
	err := s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.jobKey(j.ID), s.writeJobFields(j)...)
		pipe.LPush(ctx, s.queueKey(j.Queue), j.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return j.ID, nil
}

// Schedule inserts the job with state scheduled, due at the given time.
func (s *Store) Schedule(ctx context.Context, j *jobs.Job, at time.Time) (string, error) {
	j.State = jobs.StateScheduled
	j.CreatedAt = s.now()
	j.NextAttemptAt = at
	err := s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.jobKey(j.ID), s.writeJobFields(j)...)
		pipe.ZAdd(ctx, s.scheduledKey(), redis.Z{Score: float64(ms(at)), Member: j.ID})
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return j.ID, nil
}

// Continue inserts the job gated on parentID. The child only enters its queue
// once the parent succeeds; a failed parent fails the child immediately.
func (s *Store) Continue(ctx context.Context, parentID string, j *jobs.Job) (string, error) {
	now := s.now()
	j.State = jobs.StateAwaiting
	j.ParentID = parentID
	j.CreatedAt = now
	var res string
	err := s.withRetry(ctx, func() error {
		if err := s.rdb.HSet(ctx, s.jobKey(j.ID), s.writeJobFields(j)...).Err(); err != nil {
			return err
		}
		v, err := continueScript.Run(ctx, s.rdb, []string{},
			parentID, j.ID, ms(now), s.prefix, s.retention.Milliseconds()).Text()
		if err != nil {
			return err
		}
		res = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("continue job: %w", err)
	}
	if res == "missing" {
		return "", fmt.Errorf("continue job: parent %s not found", parentID)
	}
	return j.ID, nil
}

// Fetch atomically pops one ready job off the named queues, marks it
// processing owned by workerID and arms the lease. Returns nil when idle.
func (s *Store) Fetch(ctx context.Context, queues []string, workerID string, leaseTTL time.Duration) (*jobs.Job, error) {
	keys := make([]string, 0, len(queues)+1)
	keys = append(keys, s.processingKey())
	for _, q := range queues {
		keys = append(keys, s.queueKey(q))
	}
	id, err := fetchScript.Run(ctx, s.rdb, keys,
		ms(s.now()), leaseTTL.Milliseconds(), workerID, s.prefix).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// Complete finishes the job, releases its concurrency lock and atomically
// promotes any continuations awaiting it.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	var n int64
	err := s.withRetry(ctx, func() error {
		v, err := completeScript.Run(ctx, s.rdb,
			[]string{s.processingKey(), s.terminalKey()},
			id, workerID, ms(s.now()), s.prefix, s.retention.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. A non-zero retryAt reschedules the job;
// otherwise it is routed to the failed queue and every continuation awaiting
// it (transitively) fails with it.
func (s *Store) Fail(ctx context.Context, id, workerID string, jobErr error, retryAt time.Time) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
		if len(msg) > 1000 {
			msg = msg[:1000]
		}
	}
	var n int64
	err := s.withRetry(ctx, func() error {
		v, err := failScript.Run(ctx, s.rdb,
			[]string{s.processingKey(), s.scheduledKey(), s.terminalKey(), s.queueKey(jobs.QueueFailed)},
			id, workerID, ms(s.now()), s.prefix, msg, ms(retryAt), s.retention.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Postpone returns a leased job to the scheduled set without counting an
// attempt. Used when the job's concurrency key is held by another job.
func (s *Store) Postpone(ctx context.Context, id, workerID string, at time.Time) error {
	n, err := postponeScript.Run(ctx, s.rdb,
		[]string{s.processingKey(), s.scheduledKey()},
		id, workerID, ms(at), s.prefix).Int64()
	if err != nil {
		return fmt.Errorf("postpone job %s: %w", id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Heartbeat extends the caller's lease.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseTTL time.Duration) error {
	n, err := heartbeatScript.Run(ctx, s.rdb, []string{s.processingKey()},
		id, workerID, ms(s.now().Add(leaseTTL)), s.prefix).Int64()
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// PromoteDue moves scheduled jobs whose due time has passed into their queues.
func (s *Store) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, s.rdb, []string{s.scheduledKey()},
		ms(s.now()), 100, s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return int(n), nil
}

// ReapExpired reverts jobs with lapsed leases to enqueued, attempts unchanged.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, s.rdb, []string{s.processingKey()},
		ms(s.now()), s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(n), nil
}

// Purge removes terminal jobs finished before the cutoff.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := purgeScript.Run(ctx, s.rdb,
		[]string{s.terminalKey(), s.queueKey(jobs.QueueFailed)},
		ms(olderThan), s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return int(n), nil
}

// GetJob loads a job record. Returns nil when the record does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return jobFromHash(m), nil
}

// QueueDepth reports the number of jobs waiting in a queue.
func (s *Store) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return s.rdb.LLen(ctx, s.queueKey(queue)).Result()
}

// AcquireLock takes or extends a named lock. Lock acquisition is reentrant
// per holder so a retried job can re-enter its own exclusion window.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := acquireLockScript.Run(ctx, s.rdb, []string{s.lockKey(name)},
		holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLock drops a named lock if still held by holder.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if err := releaseLockScript.Run(ctx, s.rdb, []string{s.lockKey(name)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// MarkEmailProcessed persists a processed message id under the deployment
// prefix. Lets transports without server-side read flags survive restarts.
func (s *Store) MarkEmailProcessed(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.processedEmailsKey(), id).Err()
}

func (s *Store) IsEmailProcessed(ctx context.Context, id string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.processedEmailsKey(), id).Result()
}

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
