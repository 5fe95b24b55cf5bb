package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/apiclient"
	"pricefeed-gateway/internal/email"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/objectstore"
	"pricefeed-gateway/internal/observability"
	"pricefeed-gateway/internal/queue"
)

// Pipeline wires the three stage handlers to their dependencies.
type Pipeline struct {
	store     *queue.Store
	transport email.Transport
	objects   objectstore.Store
	client    *apiclient.Client
	metrics   *observability.Metrics
	logger    *zap.Logger

	batchSize   int
	keyPrefix   string // optional prefix for object keys, used by tests
	retryDelays []time.Duration
	now         func() time.Time
}

type Config struct {
	BatchSize   int
	KeyPrefix   string
	RetryDelays []time.Duration
}

func New(store *queue.Store, transport email.Transport, objects objectstore.Store, client *apiclient.Client, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Pipeline {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Pipeline{
		store:       store,
		transport:   transport,
		objects:     objects,
		client:      client,
		metrics:     metrics,
		logger:      logger,
		batchSize:   batchSize,
		keyPrefix:   cfg.KeyPrefix,
		retryDelays: cfg.RetryDelays,
		now:         time.Now,
	}
}

// Register binds the stage handlers into the job registry.
func (p *Pipeline) Register(reg *jobs.Registry) {
	opts := jobs.Options{RetryDelays: p.retryDelays}
	reg.Register(HandlerPollEmails, p.PollEmails, opts)
	reg.Register(HandlerSplitFile, p.SplitFile, opts)
	reg.Register(HandlerDispatchBatch, p.DispatchBatch, opts)
}

// PollEmails drains the mailbox. Each message is handled all-or-nothing: its
// CSV attachments are uploaded and split jobs created, then the message is
// marked processed. A message that fails stays unmarked and comes back on the
// next attempt or poll; other messages are unaffected.
func (p *Pipeline) PollEmails(ctx context.Context, _ []byte) error {
	msgs, err := p.transport.GetNewMessages(ctx)
	if err != nil {
		return fmt.Errorf("poll mailbox: %w", err)
	}
	if len(msgs) > 0 {
		p.logger.Info("mailbox polled", zap.Int("new_messages", len(msgs)))
	}

	var firstErr error
	for i := range msgs {
		msg := &msgs[i]
		if err := p.ingestMessage(ctx, msg); err != nil {
			p.logger.Error("message ingestion failed",
				zap.String("email_id", msg.ID),
				zap.String("from", msg.From),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := p.transport.MarkProcessed(ctx, msg.ID); err != nil {
			p.logger.Error("mark processed failed",
				zap.String("email_id", msg.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.EmailsPolledTotal.Inc()
		}
	}
	return firstErr
}

func (p *Pipeline) ingestMessage(ctx context.Context, msg *email.Message) error {
	attachments := msg.CSVAttachments()
	if len(attachments) == 0 {
		p.logger.Info("message has no CSV attachments",
			zap.String("email_id", msg.ID),
			zap.String("from", msg.From))
		return nil
	}

	for _, a := range attachments {
		key := p.objectKey(a.Filename)
		if err := p.objects.Put(ctx, key, int64(len(a.Data)), "text/csv", bytes.NewReader(a.Data)); err != nil {
			return fmt.Errorf("store attachment %q: %w", a.Filename, err)
		}

		fd := FileDescriptor{
			EmailID:    msg.ID,
			Filename:   a.Filename,
			Sender:     msg.From,
			Subject:    msg.Subject,
			ReceivedAt: msg.ReceivedAt,
			ObjectKey:  key,
		}
		payload, err := marshalPayload(fd)
		if err != nil {
			return err
		}
		j := jobs.New(HandlerSplitFile, payload)
		j.ConcurrencyKey = "csv-split:" + key
		j.LockTTL = splitLockTTL
		if _, err := p.store.Enqueue(ctx, j); err != nil {
			return fmt.Errorf("enqueue split for %q: %w", a.Filename, err)
		}
		p.logger.Info("attachment stored",
			zap.String("email_id", msg.ID),
			zap.String("filename", a.Filename),
			zap.String("object_key", key),
			zap.Int("size", len(a.Data)))
	}
	return nil
}

// objectKey builds csv-files/YYYY/MM/DD/<uuid>_<filename>. The uuid keeps
// same-named uploads from colliding; the date path keeps listings browsable.
func (p *Pipeline) objectKey(filename string) string {
	name := filepath.Base(filename)
	key := path.Join("csv-files", p.now().UTC().Format("2006/01/02"), uuid.NewString()+"_"+name)
	if p.keyPrefix != "" {
		key = path.Join(p.keyPrefix, key)
	}
	return key
}
