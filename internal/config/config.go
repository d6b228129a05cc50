package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, sourced from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	MetricsNamespace string

	// DatabaseURL is either a postgres:// DSN or a path to an SQLite file.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	HTTPListenAddr string
	PublicBasePath string

	// Payment gateway (Alipay) callback verification.
	AlipayAppID     string
	AlipayPublicKey string

	// RechargeConversionRate converts paid CNY into internal currency units.
	RechargeConversionRate int
	// EconomyDefaultBalance is returned for accounts that have never been written.
	EconomyDefaultBalance int

	ChatEarnAmount   int
	ChatEarnCooldown time.Duration

	// TicketCloseDeleteRetries bounds channel-deletion retries after close.
	TicketCloseDeleteRetries int
	TicketCloseDeleteBackoff time.Duration
}

// Load reads configuration from the environment. Callers are expected to have
// loaded .env beforehand (see cmd/app).
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "gjteam_bot"),
		DatabaseURL:      getEnv("DATABASE_URL", "data/gjteam_bot.db"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   os.Getenv("PUBLIC_BASE_PATH"),
		AlipayAppID:      os.Getenv("ALIPAY_APP_ID"),
		AlipayPublicKey:  os.Getenv("ALIPAY_PUBLIC_KEY"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = getEnvBool("REDIS_TLS", false)

	if cfg.RechargeConversionRate, err = getEnvInt("RECHARGE_CONVERSION_RATE", 100); err != nil {
		return nil, err
	}
	if cfg.RechargeConversionRate <= 0 {
		return nil, fmt.Errorf("RECHARGE_CONVERSION_RATE must be positive, got %d", cfg.RechargeConversionRate)
	}
	if cfg.EconomyDefaultBalance, err = getEnvInt("ECONOMY_DEFAULT_BALANCE", 100); err != nil {
		return nil, err
	}
	if cfg.ChatEarnAmount, err = getEnvInt("CHAT_EARN_AMOUNT", 5); err != nil {
		return nil, err
	}
	if cfg.ChatEarnCooldown, err = getEnvDuration("CHAT_EARN_COOLDOWN", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.TicketCloseDeleteRetries, err = getEnvInt("TICKET_CLOSE_DELETE_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.TicketCloseDeleteBackoff, err = getEnvDuration("TICKET_CLOSE_DELETE_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabaseIsPostgres reports whether DatabaseURL points at a Postgres server.
func (c *Config) DatabaseIsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
