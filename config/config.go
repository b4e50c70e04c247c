package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "PCP"

// Config holds the process defaults read from the environment. Command line
// flags take their default values from here and override them.
type Config struct {
	LogLevel   string   `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat  string   `envconfig:"LOG_FORMAT" default:"text"`
	BufferSize ByteSize `envconfig:"BUFFER_SIZE" default:"1MiB"`
	Threads    uint32   `envconfig:"THREADS" default:"0"`
	Journal    string   `envconfig:"JOURNAL"`
	TUI        bool     `envconfig:"TUI" default:"false"`
}

// Load reads PCP_* environment variables and populates a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
