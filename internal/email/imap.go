package email

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

// IMAPTransport polls an IMAP mailbox. Unseen messages are the poll set and
// the \Seen flag is the processed marker, so state lives server-side and
// survives gateway restarts. Replies go out through the SMTP sender.
type IMAPTransport struct {
	addr     string
	username string
	password string
	mailbox  string
	replier  *SMTPSender
	logger   *zap.Logger
}

func NewIMAPTransport(host string, port int, username, password string, replier *SMTPSender, logger *zap.Logger) *IMAPTransport {
	return &IMAPTransport{
		addr:     fmt.Sprintf("%s:%d", host, port),
		username: username,
		password: password,
		mailbox:  "INBOX",
		replier:  replier,
		logger:   logger,
	}
}

func (t *IMAPTransport) Name() string { return "imap" }

func (t *IMAPTransport) connect() (*imapclient.Client, error) {
	c, err := imapclient.DialTLS(t.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", t.addr, err)
	}
	if err := c.Login(t.username, t.password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(t.mailbox, nil).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("select %s: %w", t.mailbox, err)
	}
	return c, nil
}

func (t *IMAPTransport) GetNewMessages(ctx context.Context) ([]Message, error) {
	c, err := t.connect()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	search, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	var uidSet imap.UIDSet
	uidSet.AddNum(uids...)
	fetched, err := c.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []Message
	for _, m := range fetched {
		body := m.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		msg, err := parseMessage(fmt.Sprintf("imap-%d", m.UID), bytes.NewReader(body))
		if err != nil {
			// One undecodable message must not block the rest of the poll.
			t.logger.Warn("skipping unparseable message",
				zap.Uint32("uid", uint32(m.UID)), zap.Error(err))
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (t *IMAPTransport) MarkProcessed(ctx context.Context, id string) error {
	raw := strings.TrimPrefix(id, "imap-")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fmt.Errorf("malformed imap message id %q", id)
	}
	c, err := t.connect()
	if err != nil {
		return err
	}
	defer c.Close()

	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(n))
	cmd := c.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mark %s seen: %w", id, err)
	}
	return nil
}

func (t *IMAPTransport) SendReply(ctx context.Context, to, subject, body string) error {
	if t.replier == nil {
		t.logger.Warn("no SMTP sender configured, dropping reply", zap.String("to", to))
		return nil
	}
	return t.replier.Send(ctx, to, subject, body)
}
