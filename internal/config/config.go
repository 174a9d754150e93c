// Package config loads server settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:data/campaigns.db?_foreign_keys=on"`

	SecretKey string        `env:"SECRET_KEY,required"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// One of the two must be set. The hash wins when both are.
	DMPassword     string `env:"DM_PASSWORD"`
	DMPasswordHash string `env:"DM_PASSWORD_HASH"`

	NarratorURL      string        `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	NarratorModel    string        `env:"OLLAMA_MODEL" envDefault:"llama3.1:8b-instruct"`
	NarratorAPIKey   string        `env:"OLLAMA_API_KEY" envDefault:"ollama"`
	NarrationTimeout time.Duration `env:"NARRATION_TIMEOUT" envDefault:"120s"`
	HistoryLimit     int           `env:"NARRATION_HISTORY" envDefault:"10"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	AllowedOrigins  []string      `env:"WS_ORIGINS" envSeparator:","`
	EventsPerSecond float64       `env:"WS_EVENTS_PER_SECOND" envDefault:"5"`
	EventBurst      int           `env:"WS_EVENT_BURST" envDefault:"10"`
	IdleTimeout     time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"2m"`

	PruneInterval   time.Duration `env:"SESSION_PRUNE_INTERVAL" envDefault:"30m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.SecretKey) < 16 {
		errs = append(errs, errors.New("SECRET_KEY must be at least 16 bytes"))
	}
	if c.DMPassword == "" && c.DMPasswordHash == "" {
		errs = append(errs, errors.New("one of DM_PASSWORD or DM_PASSWORD_HASH is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.NarrationTimeout <= 0 {
		errs = append(errs, errors.New("NARRATION_TIMEOUT must be positive"))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("NARRATION_HISTORY must not be negative"))
	}
	if c.EventsPerSecond <= 0 || c.EventBurst <= 0 {
		errs = append(errs, errors.New("WS_EVENTS_PER_SECOND and WS_EVENT_BURST must be positive"))
	}
	if c.IdleTimeout <= 0 || c.PruneInterval <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("WS_IDLE_TIMEOUT, SESSION_PRUNE_INTERVAL and SHUTDOWN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether DatabaseURL points at a postgres server.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
