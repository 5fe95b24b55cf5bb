package email

import (
	"context"
	"fmt"

	"github.com/knadh/go-pop3"
	"go.uber.org/zap"
)

// ProcessedTracker persists processed message ids. POP3 has no server-side
// read flag, so without external state every poll would replay the mailbox.
// The Redis job store satisfies this interface.
type ProcessedTracker interface {
	MarkEmailProcessed(ctx context.Context, id string) error
	IsEmailProcessed(ctx context.Context, id string) (bool, error)
}

// POP3Transport polls a POP3 mailbox. Message identity comes from UIDL, which
// servers keep stable across sessions. Replies go out through the SMTP sender.
type POP3Transport struct {
	pool     *pop3.Client
	username string
	password string
	tracker  ProcessedTracker
	replier  *SMTPSender
	logger   *zap.Logger
}

func NewPOP3Transport(host string, port int, username, password string, tls bool, tracker ProcessedTracker, replier *SMTPSender, logger *zap.Logger) *POP3Transport {
	return &POP3Transport{
		pool: pop3.New(pop3.Opt{
			Host:       host,
			Port:       port,
			TLSEnabled: tls,
		}),
		username: username,
		password: password,
		tracker:  tracker,
		replier:  replier,
		logger:   logger,
	}
}

func (t *POP3Transport) Name() string { return "pop3" }

func (t *POP3Transport) GetNewMessages(ctx context.Context) ([]Message, error) {
	conn, err := t.pool.NewConn()
	if err != nil {
		return nil, fmt.Errorf("dial pop3: %w", err)
	}
	defer conn.Quit()

	if err := conn.Auth(t.username, t.password); err != nil {
		return nil, fmt.Errorf("pop3 auth: %w", err)
	}
	ids, err := conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	var out []Message
	for _, mid := range ids {
		id := "pop3-" + mid.UID
		done, err := t.tracker.IsEmailProcessed(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check processed %s: %w", id, err)
		}
		if done {
			continue
		}
		raw, err := conn.RetrRaw(mid.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve message %s: %w", id, err)
		}
		msg, err := parseMessage(id, raw)
		if err != nil {
			t.logger.Warn("skipping unparseable message",
				zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (t *POP3Transport) MarkProcessed(ctx context.Context, id string) error {
	return t.tracker.MarkEmailProcessed(ctx, id)
}

func (t *POP3Transport) SendReply(ctx context.Context, to, subject, body string) error {
	if t.replier == nil {
		t.logger.Warn("no SMTP sender configured, dropping reply", zap.String("to", to))
		return nil
	}
	return t.replier.Send(ctx, to, subject, body)
}
