// Package apiclient posts price-list batches to the downstream API. It makes
// exactly one HTTP attempt per call; retry policy belongs to the job engine
// so attempts stay bounded and ordered.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request is one batch in the downstream API's contract.
type Request struct {
	FileName    string           `json:"fileName"`
	SenderEmail string           `json:"senderEmail"`
	Subject     string           `json:"subject"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	Data        []map[string]any `json:"data"`
	IsLast      bool             `json:"isLast"`
}

type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	http        *http.Client
	url         string
	apiKey      string
	bearerToken string
	logger      *zap.Logger
}

func New(baseURL, endpoint, apiKey, bearerToken string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		url:         baseURL + endpoint,
		apiKey:      apiKey,
		bearerToken: bearerToken,
		logger:      logger,
	}
}

// SendBatch posts one batch. A transport failure, a non-2xx status or a
// response with success=false all come back as errors; the caller decides
// whether to retry.
func (c *Client) SendBatch(ctx context.Context, reqBody Request) (*Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read batch response: %w", err)
	}
	c.logger.Debug("batch posted",
		zap.String("file", reqBody.FileName),
		zap.Int("rows", len(reqBody.Data)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("batch rejected with status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if !out.Success {
		return &out, fmt.Errorf("batch not accepted: %s", out.Message)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
