package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// StorageRoot is the directory transfers are written into.
	StorageRoot string `envconfig:"STORAGE_ROOT" required:"true"`
	IndexPath   string `envconfig:"INDEX_PATH" default:"transfers.idx"`
	DBPath      string `envconfig:"DB_PATH" default:"transfers.db"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Transfer struct {
		MaxRetries           int           `split_words:"true" default:"5"`
		RetryDelay           time.Duration `split_words:"true" default:"1s"`
		BackupUpdateInterval time.Duration `split_words:"true" default:"5s"`
		BackupUpdateBytes    uint64        `split_words:"true" default:"1048576"`
		StepInterval         time.Duration `split_words:"true" default:"10ms"`
		QueueSize            int           `split_words:"true" default:"4"`
		CleanupInterval      time.Duration `split_words:"true" default:"10m"`
		HistoryDepth         int           `split_words:"true" default:"8"`
	}

	Download struct {
		ConnectTimeout  time.Duration `split_words:"true" default:"10s"`
		ResponseTimeout time.Duration `split_words:"true" default:"30s"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		ChunkSize       int           `split_words:"true" default:"32768"`
		// Token authorizes Connect downloads with a bearer token.
		Token    string `split_words:"true"`
		Insecure bool   `split_words:"true"`
	}

	Prefetch struct {
		BufferSize       int           `split_words:"true" default:"8192"`
		MaxCommandSize   int           `split_words:"true" default:"96"`
		MaxRetries       int           `split_words:"true" default:"5"`
		RetryInterval    time.Duration `split_words:"true" default:"100ms"`
		RetryMaxInterval time.Duration `split_words:"true" default:"5s"`

		// ReadTimeout bounds how long a gcode request waits for the next command.
		ReadTimeout time.Duration `split_words:"true" default:"2s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"transferd"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool   `envconfig:"OTLP_INSECURE"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
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
