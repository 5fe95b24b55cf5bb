package email

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reply records an outbound reply captured by the mock.
type Reply struct {
	To      string
	Subject string
	Body    string
}

// MockTransport is an in-memory mailbox. The control plane seeds it and tests
// inspect it; polling behaves exactly like the real transports, including
// processed-id idempotence.
type MockTransport struct {
	mu        sync.Mutex
	messages  []Message
	processed map[string]bool
	replies   []Reply
}

func NewMockTransport() *MockTransport {
	return &MockTransport{processed: make(map[string]bool)}
}

func (t *MockTransport) Name() string { return "mock" }

// Seed adds a message to the mailbox and returns its id. A message seeded
// with an id that was already processed stays invisible to polls.
func (t *MockTransport) Seed(msg Message) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	t.messages = append(t.messages, msg)
	return msg.ID
}

// Clear empties the mailbox but keeps processed ids, matching a real mailbox
// where deletion does not forget what was already handled.
func (t *MockTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.replies = nil
}

func (t *MockTransport) GetNewMessages(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, m := range t.messages {
		if !t.processed[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *MockTransport) MarkProcessed(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed[id] = true
	return nil
}

func (t *MockTransport) IsProcessed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed[id]
}

func (t *MockTransport) SendReply(ctx context.Context, to, subject, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, Reply{To: to, Subject: subject, Body: body})
	return nil
}

// Replies returns a copy of the captured replies.
func (t *MockTransport) Replies() []Reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reply, len(t.replies))
	copy(out, t.replies)
	return out
}
