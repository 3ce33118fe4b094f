package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	Transport      string
	WSURL          string
	NATSURL        string
	NATSPrefix     string
	APIURL         string
	Token          string
	UserID         string
	WorkspaceID    string
	ConversationID string
	OutboxDB       string
	MaxRetries     int
	RetryDelay     time.Duration
	LookupTimeout  time.Duration
	ProfileTTL     time.Duration
	HistoryLimit   int
	MetricsAddr    string
	LogLevel       slog.Level
}

func Load() (*Config, error) {
	maxRetries, err := strconv.Atoi(getEnv("PALAVER_MAX_RETRIES", "5"))
	if err != nil {
		return nil, fmt.Errorf("PALAVER_MAX_RETRIES: %w", err)
	}
	retryDelay, err := time.ParseDuration(getEnv("PALAVER_RETRY_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("PALAVER_RETRY_DELAY: %w", err)
	}
	lookupTimeout, err := time.ParseDuration(getEnv("PALAVER_LOOKUP_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("PALAVER_LOOKUP_TIMEOUT: %w", err)
	}
	profileTTL, err := time.ParseDuration(getEnv("PALAVER_PROFILE_TTL", "0s"))
	if err != nil {
		return nil, fmt.Errorf("PALAVER_PROFILE_TTL: %w", err)
	}
	historyLimit, err := strconv.Atoi(getEnv("PALAVER_HISTORY_LIMIT", "50"))
	if err != nil {
		return nil, fmt.Errorf("PALAVER_HISTORY_LIMIT: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Transport:      strings.ToLower(getEnv("PALAVER_TRANSPORT", TransportWebSocket)),
		WSURL:          getEnv("PALAVER_WS_URL", "ws://localhost:8080/api/chat"),
		NATSURL:        getEnv("PALAVER_NATS_URL", "nats://localhost:4222"),
		NATSPrefix:     getEnv("PALAVER_NATS_PREFIX", "palaver"),
		APIURL:         getEnv("PALAVER_API_URL", "http://localhost:8080"),
		Token:          os.Getenv("PALAVER_TOKEN"),
		UserID:         os.Getenv("PALAVER_USER_ID"),
		WorkspaceID:    os.Getenv("PALAVER_WORKSPACE_ID"),
		ConversationID: os.Getenv("PALAVER_CONVERSATION_ID"),
		OutboxDB:       getEnv("PALAVER_OUTBOX_DB", "palaver.db"),
		MaxRetries:     maxRetries,
		RetryDelay:     retryDelay,
		LookupTimeout:  lookupTimeout,
		ProfileTTL:     profileTTL,
		HistoryLimit:   historyLimit,
		MetricsAddr:    getEnv("PALAVER_METRICS_ADDR", "localhost:9090"),
		LogLevel:       level,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("PALAVER_USER_ID is required")
	}

	switch c.Transport {
	case TransportWebSocket:
		if c.WSURL == "" {
			return fmt.Errorf("PALAVER_WS_URL is required for the websocket transport")
		}
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("PALAVER_NATS_URL is required for the nats transport")
		}
	default:
		return fmt.Errorf("PALAVER_TRANSPORT must be %q or %q, got %q", TransportWebSocket, TransportNATS, c.Transport)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("PALAVER_MAX_RETRIES must not be negative")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("PALAVER_RETRY_DELAY must be greater than 0")
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("PALAVER_LOOKUP_TIMEOUT must be greater than 0")
	}
	if c.ProfileTTL < 0 {
		return fmt.Errorf("PALAVER_PROFILE_TTL must not be negative")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
