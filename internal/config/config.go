package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task event delivery service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogFormat string
	LogLevel  string

	DatabaseURL string

	DeliveryQueueCapacity   int
	DeliveryEnqueueTimeout  time.Duration
	DeliveryWriteTimeout    time.Duration
	DeliveryReplayRetention time.Duration
	DeliveryPersistBuffer   int

	TaskTimeout     time.Duration
	TaskIdleTimeout time.Duration

	AgentAdapterMode string
	AgentHTTPURL     string

	CapturePath    string
	WSHelloTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "taskpulse"),
		AllowAnyOrigin:           false,
		LogFormat:                strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		AgentAdapterMode:         strings.ToLower(envOrDefault("AGENT_ADAPTER_MODE", "mock")),
		AgentHTTPURL:             stringsTrimSpace("AGENT_HTTP_URL"),
		CapturePath:              stringsTrimSpace("CAPTURE_PATH"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		DeliveryQueueCapacity:    1024,
		DeliveryEnqueueTimeout:   2 * time.Second,
		DeliveryWriteTimeout:     10 * time.Second,
		DeliveryReplayRetention:  5 * time.Minute,
		DeliveryPersistBuffer:    4096,
		TaskTimeout:              20 * time.Minute,
		TaskIdleTimeout:          2 * time.Minute,
		WSHelloTimeout:           2 * time.Second,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"DELIVERY_ENQUEUE_TIMEOUT", &cfg.DeliveryEnqueueTimeout},
		{"DELIVERY_WRITE_TIMEOUT", &cfg.DeliveryWriteTimeout},
		{"DELIVERY_REPLAY_RETENTION", &cfg.DeliveryReplayRetention},
		{"TASK_TIMEOUT", &cfg.TaskTimeout},
		{"TASK_IDLE_TIMEOUT", &cfg.TaskIdleTimeout},
		{"WS_HELLO_TIMEOUT", &cfg.WSHelloTimeout},
	}
	var err error
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.DeliveryQueueCapacity, err = intFromEnv("DELIVERY_QUEUE_CAPACITY", cfg.DeliveryQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.DeliveryPersistBuffer, err = intFromEnv("DELIVERY_PERSIST_BUFFER", cfg.DeliveryPersistBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.DeliveryQueueCapacity < 1 {
		return Config{}, fmt.Errorf("DELIVERY_QUEUE_CAPACITY must be at least 1")
	}
	if cfg.DeliveryPersistBuffer < 1 {
		return Config{}, fmt.Errorf("DELIVERY_PERSIST_BUFFER must be at least 1")
	}
	if cfg.DeliveryWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("DELIVERY_WRITE_TIMEOUT must be positive")
	}
	if cfg.DeliveryReplayRetention <= 0 {
		return Config{}, fmt.Errorf("DELIVERY_REPLAY_RETENTION must be positive")
	}
	if cfg.TaskTimeout <= 0 || cfg.TaskIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_TIMEOUT and TASK_IDLE_TIMEOUT must be positive")
	}
	switch cfg.AgentAdapterMode {
	case "mock":
	case "http":
		if cfg.AgentHTTPURL == "" {
			return Config{}, fmt.Errorf("AGENT_HTTP_URL is required when AGENT_ADAPTER_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("AGENT_ADAPTER_MODE must be mock or http, got %q", cfg.AgentAdapterMode)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
