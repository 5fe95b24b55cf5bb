package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/email"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/pipeline"
	"pricefeed-gateway/internal/queue"
)

type Handlers struct {
	logger    *zap.Logger
	store     *queue.Store
	transport email.Transport
}

func NewHandlers(logger *zap.Logger, store *queue.Store, transport email.Transport) *Handlers {
	return &Handlers{
		logger:    logger,
		store:     store,
		transport: transport,
	}
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// ReadyCheck handles GET /readyz
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if err := h.store.Ping(c.Context()); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "not ready", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// GetTransport handles GET /v1/transport
func (h *Handlers) GetTransport(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"transport": h.transport.Name()})
}

// TriggerPoll handles POST /v1/poll. It enqueues an immediate mailbox poll
// instead of waiting for the next cron fire.
func (h *Handlers) TriggerPoll(c *fiber.Ctx) error {
	j := jobs.New(pipeline.HandlerPollEmails, nil)
	j.ConcurrencyKey = pipeline.PollConcurrencyKey
	j.LockTTL = pipeline.PollLockTTL
	id, err := h.store.Enqueue(c.Context(), j)
	if err != nil {
		h.logger.Error("manual poll trigger failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to enqueue poll"})
	}
	return c.Status(202).JSON(fiber.Map{"job_id": id})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handlers) GetJob(c *fiber.Ctx) error {
	j, err := h.store.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if j == nil {
		return c.Status(404).JSON(fiber.Map{"error": "job not found"})
	}
	return c.JSON(fiber.Map{
		"id":              j.ID,
		"queue":           j.Queue,
		"handler":         j.Handler,
		"state":           j.State,
		"attempts":        j.Attempts,
		"parent_id":       j.ParentID,
		"concurrency_key": j.ConcurrencyKey,
		"created_at":      j.CreatedAt,
		"next_attempt_at": j.NextAttemptAt,
		"last_error":      j.LastError,
	})
}

// GetQueues handles GET /v1/queues
func (h *Handlers) GetQueues(c *fiber.Ctx) error {
	out := fiber.Map{}
	for _, q := range []string{jobs.QueueDefault, jobs.QueueFailed} {
		depth, err := h.store.QueueDepth(c.Context(), q)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		}
		out[q] = depth
	}
	return c.JSON(out)
}

// Mailbox seeding endpoints, live only while the mock transport is active.

type seedAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type seedEmailRequest struct {
	From        string           `json:"from"`
	Subject     string           `json:"subject"`
	Attachments []seedAttachment `json:"attachments"`
}

// SeedEmail handles POST /v1/test/emails
func (h *Handlers) SeedEmail(c *fiber.Ctx) error {
	mock, ok := h.transport.(*email.MockTransport)
	if !ok {
		return c.Status(409).JSON(fiber.Map{"error": "seeding requires the mock transport"})
	}
	var req seedEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.From == "" {
		return c.Status(400).JSON(fiber.Map{"error": "from is required"})
	}
	msg := email.Message{
		From:       req.From,
		Subject:    req.Subject,
		ReceivedAt: time.Now().UTC(),
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    a.Filename,
			ContentType: "text/csv",
			Data:        []byte(a.Content),
		})
	}
	id := mock.Seed(msg)
	return c.Status(201).JSON(fiber.Map{"id": id})
}

// ClearEmails handles DELETE /v1/test/emails
func (h *Handlers) ClearEmails(c *fiber.Ctx) error {
	mock, ok := h.transport.(*email.MockTransport)
	if !ok {
		return c.Status(409).JSON(fiber.Map{"error": "seeding requires the mock transport"})
	}
	mock.Clear()
	return c.SendStatus(204)
}
