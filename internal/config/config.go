package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	APIURL      string `env:"VEX_API_URL,required"`
	APIToken    string `env:"VEX_API_TOKEN"`
	SocketURL   string `env:"VEX_SOCKET_URL"`
	PushEnabled bool   `env:"VEX_PUSH_ENABLED" envDefault:"true"`

	WebhookPublicURL string `env:"WEBHOOK_PUBLIC_URL"`
	WebhookSecret    string `env:"WEBHOOK_SECRET"`
	APITokenHash     string `env:"API_TOKEN_HASH"`

	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	OutboxStore   string `env:"OUTBOX_STORE" envDefault:"file"`
	OutboxDir     string `env:"OUTBOX_DIR" envDefault:"./data/outbox"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	HTTPMaxRetries     int           `env:"HTTP_MAX_RETRIES" envDefault:"5"`
	HTTPRetryBaseDelay time.Duration `env:"HTTP_RETRY_BASE_DELAY" envDefault:"1s"`

	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	ReconnectInitialDelay time.Duration `env:"RECONNECT_INITIAL_DELAY" envDefault:"1s"`
	ReconnectMaxDelay     time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMultiplier   float64       `env:"RECONNECT_MULTIPLIER" envDefault:"2"`
	ReconnectMaxAttempts  int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"0"`

	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" envDefault:"60s"`
	SubscribeTimeout time.Duration `env:"SUBSCRIBE_TIMEOUT" envDefault:"10s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"300s"`

	OutboxMaxQueueSize    int           `env:"OUTBOX_MAX_QUEUE_SIZE" envDefault:"10000"`
	OutboxMaxAge          time.Duration `env:"OUTBOX_MAX_AGE" envDefault:"48h"`
	OutboxMaxAttempts     int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"100"`
	OutboxBaseDelay       time.Duration `env:"OUTBOX_BASE_DELAY" envDefault:"5s"`
	OutboxMaxDelay        time.Duration `env:"OUTBOX_MAX_DELAY" envDefault:"60s"`
	OutboxPersistInterval time.Duration `env:"OUTBOX_PERSIST_INTERVAL" envDefault:"5s"`

	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`
	// RateLimitPerMin caps API requests per client IP; 0 disables it.
	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"600"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PushURL is the base URL of the push transport, falling back to the REST base.
func (c *Config) PushURL() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	return c.APIURL
}

func (c *Config) Validate(isProduction bool) error {
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("VEX_API_URL must be an absolute URL: %w", err)
	}

	if c.APITokenHash != "" {
		if !strings.HasPrefix(c.APITokenHash, "$2a$") &&
			!strings.HasPrefix(c.APITokenHash, "$2b$") &&
			!strings.HasPrefix(c.APITokenHash, "$2y$") {
			return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <token>)")
		}
	}

	switch c.OutboxStore {
	case "file":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("OUTBOX_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("OUTBOX_STORE must be file or redis, got %q", c.OutboxStore)
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars)")
	}

	if isProduction {
		if c.APITokenHash == "" {
			log.Warn().Msg("API_TOKEN_HASH is empty in production: session API is unauthenticated")
		}
		if c.WebhookPublicURL != "" && c.WebhookSecret == "" {
			log.Warn().Msg("WEBHOOK_SECRET is empty in production: webhook signature verification disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: queued messages will be stored in plain text")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
