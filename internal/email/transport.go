// Package email abstracts the mailbox the gateway polls and the outbound
// replies it sends. Three transports exist: an in-memory mock for tests and
// local runs, IMAP and POP3 for real mailboxes.
package email

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// Attachment is one file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a received email in transport-neutral form. ID is stable per
// transport so a message is never handed out twice across polls or restarts.
type Message struct {
	ID          string
	From        string
	Subject     string
	ReceivedAt  time.Time
	Attachments []Attachment
}

// CSVAttachments filters the message down to price-list candidates: a .csv
// filename or a CSV content type.
func (m *Message) CSVAttachments() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		ext := strings.ToLower(filepath.Ext(a.Filename))
		ct := strings.ToLower(a.ContentType)
		if ext == ".csv" || strings.HasPrefix(ct, "text/csv") || strings.HasPrefix(ct, "application/csv") {
			out = append(out, a)
		}
	}
	return out
}

// Transport is a pollable mailbox plus a reply channel.
type Transport interface {
	Name() string

	// GetNewMessages returns messages not yet marked processed. Repeated
	// calls without an intervening MarkProcessed return the same messages.
	GetNewMessages(ctx context.Context) ([]Message, error)

	// MarkProcessed excludes the message from future polls. Idempotent.
	MarkProcessed(ctx context.Context, id string) error

	// SendReply sends a plain-text reply to the original sender.
	SendReply(ctx context.Context, to, subject, body string) error
}
