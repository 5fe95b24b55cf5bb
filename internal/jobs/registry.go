package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc executes one job. The context carries a deadline derived from
// the lease TTL; implementations must propagate it to outbound calls.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Options is per-handler retry metadata.
type Options struct {
	// MaxAttempts counts handler invocations that ended in failure before
	// the job is routed to the failed queue. Zero means 1 + len(RetryDelays).
	MaxAttempts int
	// RetryDelays[i] is the delay before attempt i+2.
	RetryDelays []time.Duration
}

// DefaultRetryDelays is the schedule used when a handler declares none.
var DefaultRetryDelays = []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute}

// DelayFor returns the retry delay after the given number of failed attempts.
func (o Options) DelayFor(attempts int) time.Duration {
	delays := o.RetryDelays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(delays) {
		attempts = len(delays)
	}
	return delays[attempts-1]
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	if len(o.RetryDelays) > 0 {
		return 1 + len(o.RetryDelays)
	}
	return 1 + len(DefaultRetryDelays)
}

// Exhausted reports whether a job with the given failure count has no
// attempts left.
func (o Options) Exhausted(attempts int) bool {
	return attempts >= o.maxAttempts()
}

type registration struct {
	fn   HandlerFunc
	opts Options
}

// Registry maps handler names to their functions and retry metadata. Jobs
// reference handlers by name so records survive process restarts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds name to fn. Registering the same name twice replaces the
// previous binding.
func (r *Registry) Register(name string, fn HandlerFunc, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = registration{fn: fn, opts: opts}
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (HandlerFunc, Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, Options{}, fmt.Errorf("unknown handler %q", name)
	}
	return reg.fn, reg.opts, nil
}
