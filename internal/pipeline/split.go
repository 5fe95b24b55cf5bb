package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pricefeed-gateway/internal/csvproc"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/objectstore"
)

// SplitFile loads a stored CSV, validates it and fans it out into dispatch
// jobs of at most batchSize rows each. Batch 1 is enqueued directly; batch
// k+1 is a continuation of batch k, which is what enforces strict in-order
// delivery per file.
func (p *Pipeline) SplitFile(ctx context.Context, payload []byte) error {
	var fd FileDescriptor
	if err := json.Unmarshal(payload, &fd); err != nil {
		return jobs.Permanent(fmt.Errorf("decode file descriptor: %w", err))
	}
	log := p.logger.With(
		zap.String("email_id", fd.EmailID),
		zap.String("filename", fd.Filename),
		zap.String("object_key", fd.ObjectKey))

	rc, err := p.objects.Get(ctx, fd.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return jobs.Permanent(fmt.Errorf("stored file vanished: %w", err))
		}
		return fmt.Errorf("load stored file: %w", err)
	}
	defer rc.Close()

	_, rows, err := csvproc.ParseAll(rc)
	if err != nil {
		// A file that does not parse will not parse next attempt either.
		var parseErr *csv.ParseError
		if errors.Is(err, csvproc.ErrEmptyFile) || errors.Is(err, csvproc.ErrEmptyHeader) || errors.As(err, &parseErr) {
			return jobs.Permanent(fmt.Errorf("malformed csv: %w", err))
		}
		return fmt.Errorf("read stored file: %w", err)
	}

	total := (len(rows) + p.batchSize - 1) / p.batchSize
	if total == 0 {
		log.Info("file has a header but no rows, nothing to dispatch")
		return nil
	}

	prevID := ""
	for k := 1; k <= total; k++ {
		lo := (k - 1) * p.batchSize
		hi := lo + p.batchSize
		if hi > len(rows) {
			hi = len(rows)
		}
		bd := BatchDescriptor{
			FileDescriptor: fd,
			BatchNumber:    k,
			TotalBatches:   total,
			Rows:           rows[lo:hi],
		}
		data, err := marshalPayload(bd)
		if err != nil {
			return err
		}
		j := jobs.New(HandlerDispatchBatch, data)
		j.ConcurrencyKey = "dispatch:" + fd.EmailID
		j.LockTTL = dispatchLockTTL

		var id string
		if prevID == "" {
			id, err = p.store.Enqueue(ctx, j)
		} else {
			id, err = p.store.Continue(ctx, prevID, j)
		}
		if err != nil {
			return fmt.Errorf("create dispatch job %d/%d: %w", k, total, err)
		}
		prevID = id
	}
	log.Info("file split into batches",
		zap.Int("rows", len(rows)),
		zap.Int("batches", total))
	return nil
}

func marshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	return data, nil
}

// decodePayload keeps numeric fields as json.Number so prices survive the
// payload round trip without float formatting.
func decodePayload(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}
