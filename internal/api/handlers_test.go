package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/email"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/pipeline"
	"pricefeed-gateway/internal/queue"
)

func newTestApp(t *testing.T, auth AuthConfig) (*fiber.App, *queue.Store, *email.MockTransport) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := queue.NewStore(client, "test:", time.Hour, zap.NewNop())
	transport := email.NewMockTransport()
	handlers := NewHandlers(zap.NewNop(), store, transport)

	app := fiber.New()
	SetupRoutes(app, zap.NewNop(), nil, handlers, auth)
	return app, store, transport
}

func TestHealthEndpoint(t *testing.T) {
	app, _, _ := newTestApp(t, AuthConfig{})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestReadyEndpoint(t *testing.T) {
	app, _, _ := newTestApp(t, AuthConfig{})

	resp, err := app.Test(httptest.NewRequest("GET", "/readyz", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestSeedAndClearEmails(t *testing.T) {
	app, _, transport := newTestApp(t, AuthConfig{})

	body, _ := json.Marshal(seedEmailRequest{
		From:    "supplier@example.com",
		Subject: "January prices",
		Attachments: []seedAttachment{
			{Filename: "prices.csv", Content: "sku,price\nA,1.50\n"},
		},
	})
	req := httptest.NewRequest("POST", "/v1/test/emails", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["id"] == "" {
		t.Error("missing seeded email id")
	}

	msgs, _ := transport.GetNewMessages(req.Context())
	if len(msgs) != 1 {
		t.Fatalf("mailbox has %d messages", len(msgs))
	}

	resp, err = app.Test(httptest.NewRequest("DELETE", "/v1/test/emails", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	msgs, _ = transport.GetNewMessages(req.Context())
	if len(msgs) != 0 {
		t.Errorf("mailbox not cleared, %d messages", len(msgs))
	}
}

func TestSeedValidation(t *testing.T) {
	app, _, _ := newTestApp(t, AuthConfig{})

	req := httptest.NewRequest("POST", "/v1/test/emails", bytes.NewReader([]byte(`{"subject":"no sender"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400 for missing from, got %d", resp.StatusCode)
	}
}

func TestTriggerPollEnqueuesJob(t *testing.T) {
	app, store, _ := newTestApp(t, AuthConfig{})

	req := httptest.NewRequest("POST", "/v1/poll", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)

	j, err := store.GetJob(req.Context(), out["job_id"])
	if err != nil || j == nil {
		t.Fatalf("poll job not stored: %v", err)
	}
	if j.Handler != pipeline.HandlerPollEmails {
		t.Errorf("handler = %s", j.Handler)
	}
	if j.ConcurrencyKey != pipeline.PollConcurrencyKey {
		t.Errorf("concurrency key = %s", j.ConcurrencyKey)
	}
}

func TestGetJobNotFound(t *testing.T) {
	app, _, _ := newTestApp(t, AuthConfig{})

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/jobs/does-not-exist", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestGetQueues(t *testing.T) {
	app, store, _ := newTestApp(t, AuthConfig{})

	store.Enqueue(httptest.NewRequest("GET", "/", nil).Context(), jobs.New("poll-emails", nil))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/queues", nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	var out map[string]int64
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out[jobs.QueueDefault] != 1 {
		t.Errorf("default depth = %d", out[jobs.QueueDefault])
	}
}

func TestAPIKeyGuard(t *testing.T) {
	app, _, _ := newTestApp(t, AuthConfig{APIKey: "secret"})

	resp, _ := app.Test(httptest.NewRequest("GET", "/v1/transport", nil))
	if resp.StatusCode != 401 {
		t.Errorf("Expected 401 without key, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/v1/transport", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, _ = app.Test(req)
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200 with key, got %d", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if resp.StatusCode != 200 {
		t.Errorf("Expected open health endpoint, got %d", resp.StatusCode)
	}
}
