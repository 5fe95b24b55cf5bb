package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pricefeed-gateway/internal/apiclient"
	"pricefeed-gateway/internal/jobs"
)

// DispatchBatch ships one batch to the downstream API. Rejections are
// retryable: the job engine re-runs this handler with the same batch, and the
// continuation chain holds every later batch back until this one lands.
func (p *Pipeline) DispatchBatch(ctx context.Context, payload []byte) error {
	var bd BatchDescriptor
	if err := decodePayload(payload, &bd); err != nil {
		return jobs.Permanent(fmt.Errorf("decode batch descriptor: %w", err))
	}
	log := p.logger.With(
		zap.String("email_id", bd.EmailID),
		zap.String("filename", bd.Filename),
		zap.Int("batch", bd.BatchNumber),
		zap.Int("total_batches", bd.TotalBatches))

	_, err := p.client.SendBatch(ctx, apiclient.Request{
		FileName:    bd.Filename,
		SenderEmail: bd.Sender,
		Subject:     bd.Subject,
		ReceivedAt:  bd.ReceivedAt,
		Data:        bd.Rows,
		IsLast:      bd.IsLast(),
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.BatchesDispatchedTotal.WithLabelValues("rejected").Inc()
		}
		return fmt.Errorf("dispatch batch %d/%d of %q: %w", bd.BatchNumber, bd.TotalBatches, bd.Filename, err)
	}
	if p.metrics != nil {
		p.metrics.BatchesDispatchedTotal.WithLabelValues("accepted").Inc()
	}
	log.Info("batch accepted", zap.Int("rows", len(bd.Rows)))

	if bd.IsLast() {
		p.sendCompletionReply(ctx, &bd)
	}
	return nil
}

// sendCompletionReply notifies the sender once the whole file is delivered.
// The file is already fully processed at this point, so a reply failure is
// logged and swallowed rather than failing the job.
func (p *Pipeline) sendCompletionReply(ctx context.Context, bd *BatchDescriptor) {
	subject := "Re: " + bd.Subject
	body := fmt.Sprintf(
		"Your price list %q was processed successfully at %s.\n%d batch(es) were delivered to the pricing system.\n",
		bd.Filename,
		time.Now().UTC().Format(time.RFC3339),
		bd.TotalBatches,
	)
	if err := p.transport.SendReply(ctx, bd.Sender, subject, body); err != nil {
		p.logger.Error("completion reply failed",
			zap.String("email_id", bd.EmailID),
			zap.String("to", bd.Sender),
			zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.RepliesSentTotal.Inc()
	}
}
