// Package pipeline holds the three job handlers that move a price list from
// mailbox to downstream API: poll the mailbox, split a stored file into
// batches, dispatch one batch. Handlers communicate only through job payloads
// so any worker can pick up any stage.
package pipeline

import "time"

// Handler names as registered in the job registry.
const (
	HandlerPollEmails    = "poll-emails"
	HandlerSplitFile     = "split-file"
	HandlerDispatchBatch = "dispatch-batch"
)

// Concurrency key and lock TTL for the recurring poll job. One poll at a
// time per deployment.
const (
	PollConcurrencyKey = "email-poll"
	PollLockTTL        = 5 * time.Minute
)

const (
	splitLockTTL    = 10 * time.Minute
	dispatchLockTTL = 5 * time.Minute
)

// FileDescriptor identifies one stored CSV attachment. The poll stage writes
// it, the split stage consumes it.
type FileDescriptor struct {
	EmailID    string    `json:"email_id"`
	Filename   string    `json:"filename"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	ObjectKey  string    `json:"object_key"`
}

// BatchDescriptor is one slice of a file's rows, carried by a dispatch job.
// BatchNumber is 1-based.
type BatchDescriptor struct {
	FileDescriptor
	BatchNumber  int              `json:"batch_number"`
	TotalBatches int              `json:"total_batches"`
	Rows         []map[string]any `json:"rows"`
}

// IsLast reports whether this batch closes out its file.
func (b *BatchDescriptor) IsLast() bool { return b.BatchNumber == b.TotalBatches }
