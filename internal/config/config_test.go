package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PALAVER_USER_ID", "me")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("expected websocket transport, got %s", cfg.Transport)
	}
	if cfg.MaxRetries != 5 || cfg.RetryDelay != time.Second {
		t.Errorf("unexpected retry policy %d/%s", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PALAVER_USER_ID", "me")
	t.Setenv("PALAVER_TRANSPORT", "NATS")
	t.Setenv("PALAVER_NATS_URL", "nats://broker:4222")
	t.Setenv("PALAVER_MAX_RETRIES", "0")
	t.Setenv("PALAVER_RETRY_DELAY", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport != TransportNATS || cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("unexpected transport %s %s", cfg.Transport, cfg.NATSURL)
	}
	if cfg.MaxRetries != 0 || cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry policy %d/%s", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"Missing user", map[string]string{"PALAVER_USER_ID": ""}},
		{"Unknown transport", map[string]string{"PALAVER_TRANSPORT": "carrier-pigeon"}},
		{"Bad retries", map[string]string{"PALAVER_MAX_RETRIES": "many"}},
		{"Negative retries", map[string]string{"PALAVER_MAX_RETRIES": "-1"}},
		{"Zero delay", map[string]string{"PALAVER_RETRY_DELAY": "0s"}},
		{"Bad log level", map[string]string{"LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PALAVER_USER_ID", "me")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
