package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the full application configuration surface.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Bus       BusConfig
	Secrets   SecretsConfig
	Webhooks  WebhookConfig
	Evolution ProviderConfig
	Instagram ProviderConfig
	Telegram  TelegramConfig
	QRCache   QRCacheConfig
	Reconcile ReconcileConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port          string
	PublicBaseURL string
	LogLevel      string
}

// StoreConfig selects and configures the instance store backend.
type StoreConfig struct {
	Driver     string
	SQLitePath string
	MongoURI   string
	MongoDB    string
}

// BusConfig selects and configures the event bus transport.
type BusConfig struct {
	Driver       string
	AMQPURL      string
	AMQPExchange string
	Source       string
}

// SecretsConfig holds the key used to encrypt provider tokens at rest.
type SecretsConfig struct {
	Key string
}

// WebhookConfig holds the pre-shared secrets inbound webhooks must present and the
// public base under which proxied provider media is served.
type WebhookConfig struct {
	Secret         string
	TelegramSecret string
	MediaBaseURL   string
}

// ProviderConfig contains connection options for a QR-pairing provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// TelegramConfig contains connection options for the Telegram Bot API.
type TelegramConfig struct {
	BaseURL string
	Timeout time.Duration
}

// QRCacheConfig controls how long issued QR codes are served from memory.
type QRCacheConfig struct {
	TTL time.Duration
}

// ReconcileConfig holds settings for the periodic status reconciler.
type ReconcileConfig struct {
	Enabled     bool
	Schedule    string
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Ignore the returned error here; missing .env files are acceptable when
		// configuration comes from the environment directly.
		_ = godotenv.Load()
	}

	providerTimeout, err := getDuration("PROVIDER_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	qrTTL, err := getDuration("QR_CACHE_TTL", 300*time.Second)
	if err != nil {
		return nil, err
	}
	baseBackoff, err := getDuration("RECONCILE_BASE_BACKOFF", time.Minute)
	if err != nil {
		return nil, err
	}
	maxBackoff, err := getDuration("RECONCILE_MAX_BACKOFF", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:          getenvWithDefault("APP_PORT", "8080"),
			PublicBaseURL: strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),
			LogLevel:      getenvWithDefault("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Driver:     getenvWithDefault("STORE_DRIVER", "sqlite"),
			SQLitePath: getenvWithDefault("SQLITE_PATH", "data/chanway.db"),
			MongoURI:   os.Getenv("MONGODB_URI"),
			MongoDB:    getenvWithDefault("MONGODB_DB_NAME", "chanway"),
		},
		Bus: BusConfig{
			Driver:       getenvWithDefault("BUS_DRIVER", "memory"),
			AMQPURL:      os.Getenv("AMQP_URL"),
			AMQPExchange: getenvWithDefault("AMQP_EXCHANGE", "chanway.events"),
			Source:       getenvWithDefault("EVENT_SOURCE", "channel-gateway"),
		},
		Secrets: SecretsConfig{
			Key: os.Getenv("SECRETS_KEY"),
		},
		Webhooks: WebhookConfig{
			Secret:         os.Getenv("WEBHOOK_SECRET"),
			TelegramSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
			MediaBaseURL:   strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),
		},
		Evolution: ProviderConfig{
			BaseURL: strings.TrimSuffix(os.Getenv("EVOLUTION_BASE_URL"), "/"),
			APIKey:  os.Getenv("EVOLUTION_API_KEY"),
			Timeout: providerTimeout,
		},
		Instagram: ProviderConfig{
			BaseURL: strings.TrimSuffix(os.Getenv("INSTAGRAM_BASE_URL"), "/"),
			APIKey:  os.Getenv("INSTAGRAM_API_KEY"),
			Timeout: providerTimeout,
		},
		Telegram: TelegramConfig{
			BaseURL: strings.TrimSuffix(getenvWithDefault("TELEGRAM_BASE_URL", "https://api.telegram.org"), "/"),
			Timeout: providerTimeout,
		},
		QRCache: QRCacheConfig{
			TTL: qrTTL,
		},
		Reconcile: ReconcileConfig{
			Enabled:     getenvWithDefault("RECONCILE_ENABLED", "true") == "true",
			Schedule:    getenvWithDefault("RECONCILE_SCHEDULE", "@every 2m"),
			BaseBackoff: baseBackoff,
			MaxBackoff:  maxBackoff,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated.
// Provider API keys and the secrets key are deliberately not checked here: the
// operations that need them fail with a configuration error instead.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH must not be empty")
		}
	case "mongodb":
		if c.Store.MongoURI == "" {
			return errors.New("MONGODB_URI must be provided when STORE_DRIVER=mongodb")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case "memory":
	case "amqp":
		if c.Bus.AMQPURL == "" {
			return errors.New("AMQP_URL must be provided when BUS_DRIVER=amqp")
		}
	default:
		return fmt.Errorf("unsupported BUS_DRIVER %q", c.Bus.Driver)
	}

	if c.Telegram.BaseURL == "" {
		return errors.New("TELEGRAM_BASE_URL must not be empty")
	}

	if c.QRCache.TTL <= 0 {
		return errors.New("QR_CACHE_TTL must be positive")
	}

	if c.Reconcile.Enabled && c.Reconcile.Schedule == "" {
		return errors.New("RECONCILE_SCHEDULE must be provided")
	}

	if c.Reconcile.MaxBackoff < c.Reconcile.BaseBackoff {
		return errors.New("RECONCILE_MAX_BACKOFF must not be lower than RECONCILE_BASE_BACKOFF")
	}

	return nil
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
