// Package config loads and validates the warren runtime configuration from
// a YAML file. Missing fields fall back to defaults; an invalid file is a
// startup error, never a silent partial config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warrenhq/warren/internal/policy"
)

// Config is the root configuration for a warren deployment.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" validate:"required"`

	Workers Workers `yaml:"workers"`
	Safety  Safety  `yaml:"safety"`
	Policy  Policy  `yaml:"policy"`
	Review  Review  `yaml:"review"`
	OpenAI  OpenAI  `yaml:"openai"`
}

// Workers configures the execution worker pool.
type Workers struct {
	Count            int           `yaml:"count" validate:"gte=1,lte=64"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0"`
	IdleSleep        time.Duration `yaml:"idle_sleep"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gte=1"`
}

// Safety configures the rule gate.
type Safety struct {
	BlockedTerms          []string `yaml:"blocked_terms"`
	SimilarityThreshold   float64  `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
	ReviewConfidenceBelow float64  `yaml:"review_confidence_below" validate:"gte=0,lte=1"`
}

// Policy configures the cached provider and its static fallback.
type Policy struct {
	CacheTTL time.Duration      `yaml:"cache_ttl"`
	Fallback policy.ReplyPolicy `yaml:"fallback"`
}

// Review configures the human review queue.
type Review struct {
	TTL time.Duration `yaml:"ttl"`
}

// OpenAI configures the generation backend. The API key is read from the
// environment, never from the file.
type OpenAI struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DBPath: "warren.db",
		Workers: Workers{
			Count:            2,
			LeaseDuration:    2 * time.Minute,
			RetryBackoff:     30 * time.Second,
			MaxRetries:       3,
			IdleSleep:        5 * time.Second,
			SweepInterval:    time.Minute,
			BreakerThreshold: 5,
		},
		Safety: Safety{
			SimilarityThreshold:   0.92,
			ReviewConfidenceBelow: 0.35,
		},
		Policy: Policy{
			CacheTTL: 10 * time.Second,
			Fallback: policy.ReplyPolicy{
				ReplyEnabled:                true,
				PrecheckEnabled:             true,
				PerPersonaHourlyReplyLimit:  6,
				PerPostCooldownSeconds:      900,
				PrecheckSimilarityThreshold: 0.92,
			},
		},
		Review: Review{TTL: 72 * time.Hour},
		OpenAI: OpenAI{Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
	}
}

// Load reads and parses the config file at the given path. Zero-valued
// fields inherit defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Workers.Count == 0 {
		c.Workers.Count = def.Workers.Count
	}
	if c.Workers.LeaseDuration == 0 {
		c.Workers.LeaseDuration = def.Workers.LeaseDuration
	}
	if c.Workers.RetryBackoff == 0 {
		c.Workers.RetryBackoff = def.Workers.RetryBackoff
	}
	if c.Workers.IdleSleep == 0 {
		c.Workers.IdleSleep = def.Workers.IdleSleep
	}
	if c.Workers.SweepInterval == 0 {
		c.Workers.SweepInterval = def.Workers.SweepInterval
	}
	if c.Workers.BreakerThreshold == 0 {
		c.Workers.BreakerThreshold = def.Workers.BreakerThreshold
	}
	if c.Policy.CacheTTL == 0 {
		c.Policy.CacheTTL = def.Policy.CacheTTL
	}
	if c.Review.TTL == 0 {
		c.Review.TTL = def.Review.TTL
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = def.OpenAI.Model
	}
	if c.OpenAI.APIKeyEnv == "" {
		c.OpenAI.APIKeyEnv = def.OpenAI.APIKeyEnv
	}
}
