package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all server settings, populated from environment
// variables (with an optional .env file for local development).
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	BaseURL     string `envconfig:"BASE_URL" default:"http://localhost:8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"` // empty selects the in-memory store
	StoragePath string `envconfig:"STORAGE_PATH" default:"./storage/files"`

	MaxFileSize   int64         `envconfig:"MAX_FILE_SIZE" default:"5368709120"` // 5GB
	DefaultExpiry time.Duration `envconfig:"DEFAULT_EXPIRY" default:"168h"`      // 7 days

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	ChunkTTL        time.Duration `envconfig:"CHUNK_TTL" default:"30m"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}
	return cfg, nil
}
