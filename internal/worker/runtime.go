package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/observability"
	"pricefeed-gateway/internal/queue"
)

// Config tunes the runtime.
type Config struct {
	Queues       []string
	Count        int           // executors; 0 = NumCPU
	LeaseTTL     time.Duration // lease per fetched job
	PollInterval time.Duration // sleep between empty fetches
	RetryDelays  []time.Duration
}

// Runtime fetches ready jobs from the store and drives handlers through
// their lifecycle. A pool of executors runs cooperatively; each executor
// owns at most one lease at a time.
type Runtime struct {
	store    *queue.Store
	registry *jobs.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger

	queues       []string
	count        int
	leaseTTL     time.Duration
	pollInterval time.Duration
	retryDelays  []time.Duration
	workerID     string

	stop chan struct{}
	wg   sync.WaitGroup

	processed int64
	failed    int64
}

func New(store *queue.Store, registry *jobs.Registry, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Runtime {
	count := cfg.Count
	if count <= 0 {
		count = runtime.NumCPU()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{jobs.QueueDefault}
	}
	return &Runtime{
		store:        store,
		registry:     registry,
		metrics:      metrics,
		logger:       logger,
		queues:       queues,
		count:        count,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
		retryDelays:  cfg.RetryDelays,
		workerID:     uuid.NewString(),
		stop:         make(chan struct{}),
	}
}

func (r *Runtime) Start(ctx context.Context) {
	r.logger.Info("starting worker runtime",
		zap.Int("executors", r.count),
		zap.Strings("queues", r.queues),
		zap.Duration("lease_ttl", r.leaseTTL))

	for i := 0; i < r.count; i++ {
		r.wg.Add(1)
		go r.executor(ctx, i)
	}
	r.wg.Add(1)
	go r.statsLogger(ctx)
}

// Stop lets in-flight jobs finish up to the grace window. Beyond it, leases
// lapse and the store re-enqueues the jobs without counting an attempt.
func (r *Runtime) Stop(grace time.Duration) error {
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("all executors stopped")
		return nil
	case <-time.After(grace):
		r.logger.Warn("worker shutdown grace window exceeded")
		return errors.New("worker shutdown timeout")
	}
}

func (r *Runtime) executor(ctx context.Context, idx int) {
	defer r.wg.Done()
	token := fmt.Sprintf("%s/%d", r.workerID, idx)

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.Fetch(ctx, r.queues, token, r.leaseTTL)
		if err != nil {
			r.logger.Error("fetch failed", zap.Error(err))
			r.sleep(r.pollInterval)
			continue
		}
		if job == nil {
			r.sleep(r.pollInterval)
			continue
		}
		r.process(ctx, token, job)
	}
}

func (r *Runtime) process(ctx context.Context, token string, job *jobs.Job) {
	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("handler", job.Handler),
		zap.Int("attempt", job.Attempts+1))

	// The concurrency key excludes other jobs with the same key for the
	// job's declared exclusion window. A missed lock is not an attempt.
	if job.ConcurrencyKey != "" {
		ttl := job.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		ok, err := r.store.AcquireLock(ctx, job.ConcurrencyKey, job.ID, ttl)
		if err != nil {
			log.Error("lock acquisition failed", zap.Error(err))
		}
		if err != nil || !ok {
			backoff := 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
			if err := r.store.Postpone(ctx, job.ID, token, time.Now().Add(backoff)); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
				log.Error("postpone failed", zap.Error(err))
			}
			return
		}
	}

	handler, opts, err := r.registry.Resolve(job.Handler)
	if err != nil {
		r.finish(ctx, token, job, opts, jobs.Permanent(err), log)
		return
	}
	if len(opts.RetryDelays) == 0 && len(r.retryDelays) > 0 {
		opts.RetryDelays = r.retryDelays
	}

	// Keep the lease alive while the handler runs; lose it, and the handler
	// is cancelled because another worker may already own the job.
	hbCtx, hbCancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithDeadline(hbCtx, time.Now().Add(r.leaseTTL-r.leaseTTL/6))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(hbCtx, job.ID, token, r.leaseTTL); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						log.Warn("lease lost mid-flight, cancelling handler")
						runCancel()
						return
					}
					log.Error("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	start := time.Now()
	err = r.invoke(runCtx, handler, job.Payload)
	runCancel()
	hbCancel()

	if r.metrics != nil {
		r.metrics.JobDuration.WithLabelValues(job.Handler).Observe(time.Since(start).Seconds())
	}
	r.finish(ctx, token, job, opts, err, log)
}

func (r *Runtime) invoke(ctx context.Context, handler jobs.HandlerFunc, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return handler(ctx, payload)
}

func (r *Runtime) finish(ctx context.Context, token string, job *jobs.Job, opts jobs.Options, jobErr error, log *zap.Logger) {
	if jobErr == nil {
		if err := r.store.Complete(ctx, job.ID, token); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost before completion; effects must be idempotent downstream")
				return
			}
			log.Error("complete failed", zap.Error(err))
			return
		}
		atomic.AddInt64(&r.processed, 1)
		if r.metrics != nil {
			r.metrics.JobsProcessedTotal.WithLabelValues(job.Handler, "succeeded").Inc()
		}
		log.Info("job succeeded")
		return
	}

	attempts := job.Attempts + 1
	terminal := jobs.IsPermanent(jobErr) || opts.Exhausted(attempts)

	var retryAt time.Time
	outcome := "failed"
	if !terminal {
		retryAt = time.Now().Add(opts.DelayFor(attempts))
		outcome = "retried"
	}
	if err := r.store.Fail(ctx, job.ID, token, jobErr, retryAt); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before failure could be recorded")
			return
		}
		log.Error("fail transition failed", zap.Error(err))
		return
	}
	atomic.AddInt64(&r.failed, 1)
	if r.metrics != nil {
		r.metrics.JobsProcessedTotal.WithLabelValues(job.Handler, outcome).Inc()
		if !terminal {
			r.metrics.RetryAttemptsTotal.WithLabelValues(job.Handler).Inc()
		}
	}
	if terminal {
		log.Error("job failed permanently", zap.Error(jobErr), zap.Int("attempts", attempts))
	} else {
		log.Warn("job failed, retry scheduled",
			zap.Error(jobErr),
			zap.Time("retry_at", retryAt))
	}
}

func (r *Runtime) sleep(d time.Duration) {
	select {
	case <-r.stop:
	case <-time.After(d):
	}
}

func (r *Runtime) statsLogger(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range r.queues {
				depth, err := r.store.QueueDepth(ctx, q)
				if err != nil {
					continue
				}
				if r.metrics != nil {
					r.metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
				}
			}
			r.logger.Info("worker stats",
				zap.Int64("processed", atomic.LoadInt64(&r.processed)),
				zap.Int64("failed", atomic.LoadInt64(&r.failed)))
		}
	}
}
