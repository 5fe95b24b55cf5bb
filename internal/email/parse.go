package email

import (
	"fmt"
	"io"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseMessage decodes a raw RFC 5322 message into transport-neutral form,
// extracting every attachment. The caller supplies the transport-scoped id.
func parseMessage(id string, raw io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", id, err)
	}

	msg := &Message{ID: id}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC()
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part of message %s: %w", id, err)
		}
		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := h.Filename()
		if err != nil || filename == "" {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read attachment %q of message %s: %w", filename, id, err)
		}
		contentType, _, _ := h.ContentType()
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
	}
	return msg, nil
}
