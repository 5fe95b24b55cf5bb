package jobs

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job record.
type State string

const (
	StateEnqueued   State = "enqueued"
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateAwaiting   State = "awaiting" // gated on a parent job's success
)

// Well-known queue names.
const (
	QueueDefault = "default"
	QueueFailed  = "failed"
)

// Job is the unit of work held in the job store. A job is created by a
// handler or the scheduler, mutated only by the worker holding its lease,
// and reaped after a retention window once terminal.
type Job struct {
	ID             string        `json:"id"`
	Queue          string        `json:"queue"`
	Handler        string        `json:"handler"`
	Payload        []byte        `json:"payload,omitempty"`
	State          State         `json:"state"`
	Attempts       int           `json:"attempts"`
	ParentID       string        `json:"parent_id,omitempty"`
	ConcurrencyKey string        `json:"concurrency_key,omitempty"`
	LockTTL        time.Duration `json:"lock_ttl,omitempty"`
	OwnerToken     string        `json:"owner_token,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	EnqueuedAt     time.Time     `json:"enqueued_at,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
	NextAttemptAt  time.Time     `json:"next_attempt_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// New returns a job bound to handler with the given payload, targeted at the
// default queue.
func New(handler string, payload []byte) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Queue:   QueueDefault,
		Handler: handler,
		Payload: payload,
	}
}

// Terminal reports whether the job can no longer transition.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}
