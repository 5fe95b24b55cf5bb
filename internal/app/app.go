// Package app assembles the gateway: job store, transports, pipeline,
// workers, scheduler and HTTP control plane. main and the end-to-end tests
// both build the same App, so what ships is what is tested.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/api"
	"pricefeed-gateway/internal/apiclient"
	"pricefeed-gateway/internal/config"
	"pricefeed-gateway/internal/email"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/objectstore"
	"pricefeed-gateway/internal/observability"
	"pricefeed-gateway/internal/pipeline"
	"pricefeed-gateway/internal/queue"
	"pricefeed-gateway/internal/scheduler"
	"pricefeed-gateway/internal/worker"
)

// Options lets tests swap infrastructure for in-memory equivalents. Empty
// fields fall back to what the config dictates.
type Options struct {
	Redis     *redis.Client
	Transport email.Transport
	Objects   objectstore.Store
}

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Store     *queue.Store
	Transport email.Transport
	Objects   objectstore.Store
	Registry  *jobs.Registry
	Workers   *worker.Runtime
	Scheduler *scheduler.Scheduler
	Fiber     *fiber.App

	schedCancel context.CancelFunc
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.MetricsEnabled {
		a.Metrics = observability.NewMetrics()
	}

	rdb := opts.Redis
	if rdb == nil {
		var err error
		rdb, err = queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	a.Store = queue.NewStore(rdb, cfg.KeyPrefix, cfg.Retention, logger)

	objects, err := buildObjects(cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	a.Objects = objects

	transport, err := buildTransport(cfg, a.Store, logger, opts)
	if err != nil {
		return nil, err
	}
	a.Transport = transport
	logger.Info("email transport ready", zap.String("transport", transport.Name()))

	client := apiclient.New(cfg.APIBaseURL, cfg.APIEndpoint, cfg.APIKey, cfg.APIBearerToken, cfg.APITimeout, logger)

	a.Registry = jobs.NewRegistry()
	pipe := pipeline.New(a.Store, transport, objects, client, a.Metrics, logger, pipeline.Config{
		BatchSize:   cfg.BatchSize,
		KeyPrefix:   cfg.ObjectStoreTestPrefix,
		RetryDelays: cfg.RetryDelays,
	})
	pipe.Register(a.Registry)

	a.Workers = worker.New(a.Store, a.Registry, a.Metrics, logger, worker.Config{
		Count:        cfg.WorkerCount,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
		RetryDelays:  cfg.RetryDelays,
	})

	a.Scheduler = scheduler.New(a.Store, logger, scheduler.Config{
		Tick:      cfg.SchedulerTick,
		Retention: cfg.Retention,
	})

	a.Fiber = fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
	})
	handlers := api.NewHandlers(logger, a.Store, transport)
	api.SetupRoutes(a.Fiber, logger, a.Metrics, handlers, api.AuthConfig{
		APIKey:     cfg.ControlAPIKey,
		APIKeyHash: cfg.ControlAPIKeyHash,
	})

	return a, nil
}

func buildObjects(cfg *config.Config, logger *zap.Logger, opts Options) (objectstore.Store, error) {
	if opts.Objects != nil {
		return opts.Objects, nil
	}
	if cfg.ObjectStoreEndpoint == "" {
		logger.Warn("no object store endpoint configured, using in-memory storage")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewMinioStore(
		cfg.ObjectStoreEndpoint,
		cfg.ObjectStoreAccessKey,
		cfg.ObjectStoreSecretKey,
		cfg.ObjectStoreBucket,
		cfg.ObjectStoreSSL,
		logger,
	)
}

func buildTransport(cfg *config.Config, store *queue.Store, logger *zap.Logger, opts Options) (email.Transport, error) {
	if opts.Transport != nil {
		return opts.Transport, nil
	}
	var replier *email.SMTPSender
	if cfg.SMTPHost != "" {
		replier = email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, logger)
	}
	switch cfg.EmailProvider {
	case "mock":
		return email.NewMockTransport(), nil
	case "imap":
		return email.NewIMAPTransport(cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, cfg.IMAPPassword, replier, logger), nil
	case "pop3":
		return email.NewPOP3Transport(cfg.POP3Host, cfg.POP3Port, cfg.POP3Username, cfg.POP3Password, cfg.POP3TLS, store, replier, logger), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.EmailProvider)
	}
}

// Start brings up workers, the scheduler loop and the recurring mailbox poll.
// The HTTP listener is the caller's to run so tests can drive Fiber directly.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.EnsureSchedule(ctx, queue.RecurringSchedule{
		Name:           "email-processing",
		CronExpr:       a.Config.EmailPollingCron,
		Handler:        pipeline.HandlerPollEmails,
		ConcurrencyKey: pipeline.PollConcurrencyKey,
		LockTTL:        pipeline.PollLockTTL,
	}); err != nil {
		return fmt.Errorf("arm polling schedule: %w", err)
	}

	a.Workers.Start(ctx)
	schedCtx, cancel := context.WithCancel(ctx)
	a.schedCancel = cancel
	go a.Scheduler.Run(schedCtx)
	return nil
}

// Shutdown stops the scheduler, drains workers and closes the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	if a.schedCancel != nil {
		a.schedCancel()
	}
	grace := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		grace = time.Until(deadline)
	}
	firstErr := a.Workers.Stop(grace)
	if err := a.Fiber.ShutdownWithContext(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
