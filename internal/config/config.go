// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
	// Backend selects the store implementation: "postgres" | "memory".
	Backend string `yaml:"backend"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	// Loops is the number of independent worker loops this process runs.
	Loops int `yaml:"loops"`
	// Families this worker may serve; the claim step never goes outside it.
	Families  []string `yaml:"families"`
	BatchSize int      `yaml:"batch_size"`
	// PredictTimeout bounds a single predict call. Must stay below the
	// watchdog's stale threshold or the watchdog resets slow-but-alive tasks.
	PredictTimeout time.Duration `yaml:"predict_timeout"`
	// PollInterval is how long an idle loop waits before re-checking for
	// newly registered cells.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Drain makes the process exit once no eligible cell remains.
	Drain bool `yaml:"drain"`
}

type WatchdogConfig struct {
	// Cron is a robfig/cron spec; "@every 30s" style is the common case.
	Cron           string        `yaml:"cron"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	MaxRetries     int           `yaml:"max_retries"`
}

type AIConfig struct {
	OpenAIKey       string `yaml:"openai_key"`
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	LocalBaseURL    string `yaml:"local_base_url"` // OpenAI-compatible local server
	ConcurrentLimit int    `yaml:"concurrent_limit"`
	// RateLimit caps requests per family per minute across ALL worker
	// processes (enforced through Redis); 0 disables it.
	RateLimit int `yaml:"rate_limit"`
}

type WebConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	AI       AIConfig       `yaml:"ai"`
	Web      WebConfig      `yaml:"web"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "postgres"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Worker.Loops <= 0 {
		cfg.Worker.Loops = 4
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.PredictTimeout <= 0 {
		cfg.Worker.PredictTimeout = 2 * time.Minute
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = 5 * time.Second
	}
	if cfg.Watchdog.Cron == "" {
		cfg.Watchdog.Cron = "@every 30s"
	}
	if cfg.Watchdog.StaleThreshold <= 0 {
		cfg.Watchdog.StaleThreshold = 5 * time.Minute
	}
	if cfg.Watchdog.MaxRetries <= 0 {
		cfg.Watchdog.MaxRetries = 3
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8090
	}
}

func (cfg *Config) validate() error {
	if cfg.Database.Backend != "postgres" && cfg.Database.Backend != "memory" {
		return fmt.Errorf("database.backend must be postgres or memory, got %q", cfg.Database.Backend)
	}
	if cfg.Database.Backend == "postgres" && cfg.Database.URL == "" {
		return errors.New("database.url (or DATABASE_URL) is required")
	}
	if len(cfg.Worker.Families) == 0 {
		return errors.New("worker.families is required")
	}
	if cfg.Worker.PredictTimeout >= cfg.Watchdog.StaleThreshold {
		return fmt.Errorf("worker.predict_timeout (%s) must be shorter than watchdog.stale_threshold (%s)",
			cfg.Worker.PredictTimeout, cfg.Watchdog.StaleThreshold)
	}
	return nil
}
