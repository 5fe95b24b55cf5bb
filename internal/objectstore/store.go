// Package objectstore persists raw CSV attachments. Files are written once
// at ingestion and streamed back by the splitting stage, byte for byte.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned by Get and Delete for unknown keys.
var ErrNotExist = errors.New("object does not exist")

type Store interface {
	// Put stores the object under key, overwriting any previous content.
	Put(ctx context.Context, key string, size int64, contentType string, body io.Reader) error

	// Get streams the object back. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error
}
