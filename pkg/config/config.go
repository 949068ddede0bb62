package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the pool scheduler
type Config struct {
	// Pool-wide scheduling settings
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Per-identity rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Retry/backoff policy for fetch operations
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Proxy rotation and health
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Session persistence
	Session SessionConfig `yaml:"session" json:"session"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PoolConfig holds scheduler-level settings
type PoolConfig struct {
	// AcquireBlocks selects whether Acquire waits for an eligible identity
	// or fails fast with a capacity error
	AcquireBlocks bool `yaml:"acquire_blocks" json:"acquire_blocks"`

	// GlobalRequestsPerSecond caps aggregate dispatch across all identities.
	// Zero disables the global limiter.
	GlobalRequestsPerSecond float64 `yaml:"global_requests_per_second" json:"global_requests_per_second"`

	// GlobalBurst is the burst size for the global limiter
	GlobalBurst int `yaml:"global_burst" json:"global_burst"`

	// HealthWindow is the rolling window for health aggregation
	HealthWindow time.Duration `yaml:"health_window" json:"health_window"`
}

// RateLimitConfig holds the per-identity sliding window and pacing settings
type RateLimitConfig struct {
	MaxPerWindow int           `yaml:"max_per_window" json:"max_per_window"`
	Window       time.Duration `yaml:"window" json:"window"`
	MinDelay     time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
}

// RetryConfig holds retry/backoff policy settings
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterRatio       float64       `yaml:"jitter_ratio" json:"jitter_ratio"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
}

// ProxyConfig holds proxy rotation settings
type ProxyConfig struct {
	// DegradedThreshold is the consecutive-failure count that demotes
	// a proxy from healthy to degraded
	DegradedThreshold int `yaml:"degraded_threshold" json:"degraded_threshold"`

	// DeadThreshold is the consecutive-failure count that takes a proxy
	// out of rotation entirely
	DeadThreshold int `yaml:"dead_threshold" json:"dead_threshold"`

	// ProbeCooldown is how long a dead proxy sits out before one
	// half-open probe is allowed
	ProbeCooldown time.Duration `yaml:"probe_cooldown" json:"probe_cooldown"`

	// Endpoints are proxy URIs loaded into the rotator at startup
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
}

// SessionConfig holds session persistence settings
type SessionConfig struct {
	// Directory for the file-backed session store. Empty selects the
	// in-memory store.
	Directory string `yaml:"directory" json:"directory"`

	// TTL applied to session records without an explicit expiry
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults.
// The pacing numbers are deliberately conservative: they match what the
// platform collectors this pool was built for could sustain without bans.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			AcquireBlocks:           true,
			GlobalRequestsPerSecond: 2.0,
			GlobalBurst:             4,
			HealthWindow:            time.Hour,
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow: 100,
			Window:       time.Hour,
			MinDelay:     5 * time.Second,
			MaxDelay:     10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         30 * time.Second,
			BackoffMultiplier: 2.0,
			JitterRatio:       0.1,
			MaxDelay:          5 * time.Minute,
		},
		Proxy: ProxyConfig{
			DegradedThreshold: 3,
			DeadThreshold:     6,
			ProbeCooldown:     5 * time.Minute,
		},
		Session: SessionConfig{
			Directory: "",
			TTL:       24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if maxPerWindow := os.Getenv("SCRAPEPOOL_MAX_PER_WINDOW"); maxPerWindow != "" {
		var val int
		fmt.Sscanf(maxPerWindow, "%d", &val)
		if val > 0 {
			c.RateLimit.MaxPerWindow = val
		}
	}
	if minDelay := os.Getenv("SCRAPEPOOL_MIN_DELAY"); minDelay != "" {
		if d, err := time.ParseDuration(minDelay); err == nil && d > 0 {
			c.RateLimit.MinDelay = d
		}
	}
	if maxDelay := os.Getenv("SCRAPEPOOL_MAX_DELAY"); maxDelay != "" {
		if d, err := time.ParseDuration(maxDelay); err == nil && d > 0 {
			c.RateLimit.MaxDelay = d
		}
	}
	if maxAttempts := os.Getenv("SCRAPEPOOL_MAX_ATTEMPTS"); maxAttempts != "" {
		var val int
		fmt.Sscanf(maxAttempts, "%d", &val)
		if val > 0 {
			c.Retry.MaxAttempts = val
		}
	}
	if sessionDir := os.Getenv("SCRAPEPOOL_SESSION_DIR"); sessionDir != "" {
		c.Session.Directory = sessionDir
	}
	if logLevel := os.Getenv("SCRAPEPOOL_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	// Check in order of precedence
	locations := []string{
		".scrapepool.yaml",
		".scrapepool.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "scrapepool", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "scrapepool", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".scrapepool.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.RateLimit.MaxPerWindow <= 0 {
		errs = append(errs, errors.New("max requests per window must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate window must be positive"))
	}
	if c.RateLimit.MinDelay < 0 {
		errs = append(errs, errors.New("min delay cannot be negative"))
	}
	if c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		errs = append(errs, errors.New("max delay must be >= min delay"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		errs = append(errs, errors.New("backoff multiplier must be >= 1.0"))
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		errs = append(errs, errors.New("jitter ratio must be between 0 and 1"))
	}

	if c.Proxy.DegradedThreshold <= 0 {
		errs = append(errs, errors.New("degraded threshold must be positive"))
	}
	if c.Proxy.DeadThreshold <= c.Proxy.DegradedThreshold {
		errs = append(errs, errors.New("dead threshold must be greater than degraded threshold"))
	}
	if c.Proxy.ProbeCooldown <= 0 {
		errs = append(errs, errors.New("probe cooldown must be positive"))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Environment variables > .env file > Config file > Defaults
func Load(configPath string) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".scrapepool.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
