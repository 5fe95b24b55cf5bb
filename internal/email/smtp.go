package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/domodwyer/mailyak/v3"
	"go.uber.org/zap"
)

// SMTPSender delivers outbound replies. IMAP and POP3 are receive-only, so
// both transports delegate SendReply here.
type SMTPSender struct {
	addr   string
	auth   smtp.Auth
	from   string
	logger *zap.Logger
}

func NewSMTPSender(host string, port int, username, password, from string, logger *zap.Logger) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:   fmt.Sprintf("%s:%d", host, port),
		auth:   auth,
		from:   from,
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	m := mailyak.New(s.addr, s.auth)
	m.To(to)
	m.From(s.from)
	m.Subject(subject)
	m.Plain().Set(body)

	// mailyak has no context support; run the send aside so cancellation
	// still unblocks the caller.
	done := make(chan error, 1)
	go func() { done <- m.Send() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send reply to %s: %w", to, err)
		}
	}
	s.logger.Info("reply sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
