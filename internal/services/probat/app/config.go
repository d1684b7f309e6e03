package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/probat/internal/platform/config"
)

// Storage backends selectable with PROBAT_STORAGE.
const (
	StorageMemory = "memory"
	StorageBolt   = "bbolt"
	StorageSQLite = "sqlite"
)

// Config holds runtime configuration read from the environment.
type Config struct {
	BaseURL             string        `env:"PROBAT_API"`
	Storage             string        `env:"PROBAT_STORAGE"              envDefault:"memory"`
	DBPath              string        `env:"PROBAT_DB_PATH"              envDefault:"data/probat.db"`
	TTL                 time.Duration `env:"PROBAT_TTL"                  envDefault:"6h"`
	HTTPTimeout         time.Duration `env:"PROBAT_HTTP_TIMEOUT"         envDefault:"10s"`
	MetricSource        string        `env:"PROBAT_METRIC_SOURCE"        envDefault:"go"`
	VariantInstructions int           `env:"PROBAT_VARIANT_INSTRUCTIONS" envDefault:"5000000"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the storage selection and durations.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage)) {
	case StorageMemory:
	case StorageBolt, StorageSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("PROBAT_DB_PATH is required for %s storage", c.Storage)
		}
	default:
		return fmt.Errorf("unsupported storage %q", c.Storage)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout must not be negative")
	}
	if c.VariantInstructions < 0 {
		return fmt.Errorf("variant instruction budget must not be negative")
	}
	return nil
}
