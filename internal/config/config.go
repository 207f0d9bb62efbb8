package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Quota     QuotaConfig
	Dispatch  DispatchConfig
	Gateways  GatewayConfig
	Retention RetentionConfig
	LogLevel  string
}

type ServerConfig struct {
	Address string
}

type StoreConfig struct {
	Driver      string // postgres | memory
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// QuotaConfig caps send attempts per channel per day. Zero means unlimited.
type QuotaConfig struct {
	EmailDaily    int
	WhatsAppDaily int
}

type DispatchConfig struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RatePerSec        int
	RequireDurableLog bool
}

// GatewayConfig points at the per-channel delivery gateways. An empty URL
// leaves that channel without a sender.
type GatewayConfig struct {
	EmailURL    string
	WhatsAppURL string
}

type RetentionConfig struct {
	MaxAgeDays int    // 0 disables pruning
	Cron       string // cron spec for the prune job
}

func LoadAll() (*Config, error) {
	var errs []error

	collectInt := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Store: StoreConfig{
			Driver:      getEnv("MESSAGE_STORE", "postgres"),
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Quota: QuotaConfig{
			EmailDaily:    collectInt("QUOTA_EMAIL_DAILY", 500),
			WhatsAppDaily: collectInt("QUOTA_WHATSAPP_DAILY", 250),
		},
		Dispatch: DispatchConfig{
			Workers:           collectInt("DISPATCH_WORKERS", 4),
			MaxAttempts:       collectInt("DISPATCH_MAX_ATTEMPTS", 3),
			BackoffBase:       time.Duration(collectInt("DISPATCH_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
			BackoffMax:        time.Duration(collectInt("DISPATCH_BACKOFF_MAX_MS", 30000)) * time.Millisecond,
			RatePerSec:        collectInt("DISPATCH_RATE_PER_SEC", 10),
			RequireDurableLog: collectBool("DISPATCH_REQUIRE_DURABLE_LOG", true),
		},
		Gateways: GatewayConfig{
			EmailURL:    os.Getenv("EMAIL_GATEWAY_URL"),
			WhatsAppURL: os.Getenv("WHATSAPP_GATEWAY_URL"),
		},
		Retention: RetentionConfig{
			MaxAgeDays: collectInt("RETENTION_MAX_AGE_DAYS", 90),
			Cron:       getEnv("RETENTION_CRON", "0 3 * * *"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis = RedisConfig{
			Enabled:  true,
			Address:  addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       collectInt("REDIS_DB", 0),
		}
	}

	errs = append(errs, validate(cfg)...)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Store.Driver != "memory" && cfg.Store.PostgresURL == "" {
		errs = append(errs, errors.New("POSTGRES_URL is required unless MESSAGE_STORE=memory"))
	}
	if cfg.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be > 0"))
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		errs = append(errs, errors.New("DISPATCH_BACKOFF_BASE_MS must be > 0"))
	}
	if cfg.Retention.MaxAgeDays < 0 {
		errs = append(errs, errors.New("RETENTION_MAX_AGE_DAYS must be >= 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return v, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return errors.Join(nonNil...)
}
