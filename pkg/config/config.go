package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultSQLitePath = "llmflow.db"

	envListenAddr      = "LISTEN_ADDR"
	envDatabaseURL     = "DATABASE_URL"
	envSQLitePath      = "SQLITE_PATH"
	envLogLevel        = "LOG_LEVEL"
	envLogFormat       = "LOG_FORMAT"
	envModelsFile      = "MODELS_FILE"
	envMaxConcurrency  = "MAX_CONCURRENCY"
	envExecutorTimeout = "EXECUTOR_TIMEOUT"
	envRunTimeout      = "RUN_TIMEOUT"
	envAllowedOrigins  = "ALLOWED_ORIGINS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string

	// DatabaseURL selects the Postgres repository when set; otherwise SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	LogLevel  slog.Level
	LogFormat string

	// ModelsFile is an optional YAML file of model config overrides.
	ModelsFile string

	// MaxConcurrency caps in-flight executors per run. Zero means unbounded.
	MaxConcurrency  int
	ExecutorTimeout time.Duration
	RunTimeout      time.Duration

	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		SQLitePath:     defaultSQLitePath,
		LogLevel:       slog.LevelInfo,
		LogFormat:      "json",
		AllowedOrigins: []string{"http://localhost:3003"},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(envSQLitePath); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envModelsFile); v != "" {
		cfg.ModelsFile = v
	}
	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv(envExecutorTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ExecutorTimeout = d
		}
	}
	if v := os.Getenv(envRunTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RunTimeout = d
		}
	}
	if v := os.Getenv(envAllowedOrigins); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	return cfg
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w. Format "text" selects the
// human-readable handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
