package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`

	// Redis (job store backend)
	RedisURL  string `envconfig:"REDIS_URL" required:"true"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"pricefeed:"`

	// Email transport
	EmailProvider string `envconfig:"EMAIL_PROVIDER" default:"mock"`

	POP3Host     string `envconfig:"POP3_HOST"`
	POP3Port     int    `envconfig:"POP3_PORT" default:"995"`
	POP3Username string `envconfig:"POP3_USERNAME"`
	POP3Password string `envconfig:"POP3_PASSWORD"`
	POP3TLS      bool   `envconfig:"POP3_TLS" default:"true"`

	IMAPHost     string `envconfig:"IMAP_HOST"`
	IMAPPort     int    `envconfig:"IMAP_PORT" default:"993"`
	IMAPUsername string `envconfig:"IMAP_USERNAME"`
	IMAPPassword string `envconfig:"IMAP_PASSWORD"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM"`

	// Object store
	ObjectStoreEndpoint   string `envconfig:"OBJECTSTORE_ENDPOINT"`
	ObjectStoreAccessKey  string `envconfig:"OBJECTSTORE_ACCESS_KEY"`
	ObjectStoreSecretKey  string `envconfig:"OBJECTSTORE_SECRET_KEY"`
	ObjectStoreBucket     string `envconfig:"OBJECTSTORE_BUCKET" default:"pricefeed"`
	ObjectStoreSSL        bool   `envconfig:"OBJECTSTORE_SSL" default:"true"`
	ObjectStoreTestPrefix string `envconfig:"OBJECTSTORE_TEST_PREFIX"`

	// External API
	APIBaseURL     string        `envconfig:"API_BASE_URL"`
	APIEndpoint    string        `envconfig:"API_ENDPOINT" default:"/pricelists"`
	APIKey         string        `envconfig:"API_KEY"`
	APIBearerToken string        `envconfig:"API_BEARER_TOKEN"`
	APITimeout     time.Duration `envconfig:"API_TIMEOUT" default:"30s"`

	// Polling
	EmailPollingCron string `envconfig:"EMAIL_POLLING_CRON" default:"*/5 * * * *"`

	// Jobs
	WorkerCount   int             `envconfig:"JOBS_WORKER_COUNT" default:"0"` // 0 = NumCPU
	RetryDelays   []time.Duration `envconfig:"JOBS_RETRY_DELAYS" default:"5m,10m,15m"`
	LeaseTTL      time.Duration   `envconfig:"JOBS_LEASE_TTL" default:"60s"`
	Retention     time.Duration   `envconfig:"JOBS_RETENTION" default:"24h"`
	PollInterval  time.Duration   `envconfig:"JOBS_POLL_INTERVAL" default:"250ms"`
	BatchSize     int             `envconfig:"BATCH_SIZE" default:"1000"`
	SchedulerTick time.Duration   `envconfig:"SCHEDULER_TICK" default:"1s"`

	// Control plane auth. Either a plaintext key or a bcrypt hash of it.
	ControlAPIKey     string `envconfig:"CONTROL_API_KEY"`
	ControlAPIKeyHash string `envconfig:"CONTROL_API_KEY_HASH"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.EmailProvider {
	case "mock", "pop3", "imap":
	default:
		return fmt.Errorf("unsupported email provider %q", c.EmailProvider)
	}
	if c.EmailProvider == "pop3" && c.POP3Host == "" {
		return fmt.Errorf("POP3_HOST is required for the pop3 provider")
	}
	if c.EmailProvider == "imap" && c.IMAPHost == "" {
		return fmt.Errorf("IMAP_HOST is required for the imap provider")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.LeaseTTL < 5*time.Second {
		return fmt.Errorf("JOBS_LEASE_TTL must be at least 5s, got %s", c.LeaseTTL)
	}
	return nil
}
