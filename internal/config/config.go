// Package config loads settings from environment variables, with an
// optional YAML file for the tuning knobs operators rarely touch.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Enforcement postures when a quota window is exhausted.
const (
	PostureRaise    = "raise"    // fail the call with a quota error
	PostureTolerate = "tolerate" // log and let the provider reject it
	PostureWait     = "wait"     // sleep past the reset, bounded
)

// Config holds the full application configuration.
type Config struct {
	Port          int
	Database      DatabaseConfig
	EncryptionKey string
	Provider      ProviderConfig
	Refresh       RefreshConfig
	RateLimit     RateLimitConfig
	Warning       WarningConfig
	WebhookURL    string // optional event sink
}

// DatabaseConfig selects the shared persisted store.
type DatabaseConfig struct {
	Driver string // sqlite or postgres
	DSN    string
}

// ProviderConfig locates the external platform and carries the default
// client credentials for new connections.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	RedirectURL  string
}

// RefreshConfig tunes the token refresh coordinator.
type RefreshConfig struct {
	// StaleThreshold is how long before hard expiry a token is
	// proactively refreshed. Tokens live 600s; refreshing under 540s of
	// runway keeps in-flight requests from expiring mid-call.
	StaleThreshold time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration
	LockPoll       time.Duration
	// RefreshTokenValidity is the provider's refresh-token lifetime,
	// re-extended on every successful refresh.
	RefreshTokenValidity time.Duration
}

// RateLimitConfig tunes the quota tracker and waiter.
type RateLimitConfig struct {
	CacheTTL             time.Duration
	DailyPosture         string // raise or tolerate
	MinutelyPosture      string // raise or wait
	MaxWaitDaily         time.Duration
	MaxWaitMinutely      time.Duration
	DefaultMinutelyLimit int64 // safety net before the first observed headers
}

// WarningConfig drives the refresh-token expiry sweep.
type WarningConfig struct {
	WindowsDays []int  // warn when expiry falls inside any of these
	CronSpec    string // sweep schedule
}

type fileConfig struct {
	Refresh struct {
		StaleThreshold string `yaml:"stale_threshold"`
		MaxAttempts    int    `yaml:"max_attempts"`
		BaseBackoff    string `yaml:"base_backoff"`
		LockTTL        string `yaml:"lock_ttl"`
		LockWait       string `yaml:"lock_wait"`
		LockPoll       string `yaml:"lock_poll"`
	} `yaml:"refresh"`
	RateLimit struct {
		CacheTTL             string `yaml:"cache_ttl"`
		DailyPosture         string `yaml:"daily_posture"`
		MinutelyPosture      string `yaml:"minutely_posture"`
		MaxWaitDaily         string `yaml:"max_wait_daily"`
		MaxWaitMinutely      string `yaml:"max_wait_minutely"`
		DefaultMinutelyLimit int64  `yaml:"default_minutely_limit"`
	} `yaml:"ratelimit"`
	Warning struct {
		WindowsDays []int  `yaml:"windows_days"`
		CronSpec    string `yaml:"cron_spec"`
	} `yaml:"warning"`
}

// Load builds the configuration from the environment, layering an
// optional YAML file named by EXACTLINK_CONFIG on top of the defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite"),
			DSN:    getEnv("DATABASE_DSN", "exactlink.db"),
		},
		EncryptionKey: os.Getenv("EXACTLINK_ENCRYPTION_KEY"),
		Provider: ProviderConfig{
			ClientID:     os.Getenv("PROVIDER_CLIENT_ID"),
			ClientSecret: os.Getenv("PROVIDER_CLIENT_SECRET"),
			AuthURL:      getEnv("PROVIDER_AUTH_URL", "https://start.exactonline.nl/api/oauth2/auth"),
			TokenURL:     getEnv("PROVIDER_TOKEN_URL", "https://start.exactonline.nl/api/oauth2/token"),
			APIBaseURL:   getEnv("PROVIDER_API_BASE_URL", "https://start.exactonline.nl/api/v1"),
			RedirectURL:  os.Getenv("PROVIDER_REDIRECT_URL"),
		},
		Refresh: RefreshConfig{
			StaleThreshold:       540 * time.Second,
			MaxAttempts:          3,
			BaseBackoff:          100 * time.Millisecond,
			LockTTL:              30 * time.Second,
			LockWait:             3 * time.Second,
			LockPoll:             100 * time.Millisecond,
			RefreshTokenValidity: 30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			CacheTTL:             60 * time.Second,
			DailyPosture:         PostureRaise,
			MinutelyPosture:      PostureRaise,
			MaxWaitDaily:         30 * time.Second,
			MaxWaitMinutely:      90 * time.Second,
			DefaultMinutelyLimit: 60,
		},
		Warning: WarningConfig{
			WindowsDays: []int{7, 14, 28},
			CronSpec:    "0 * * * *",
		},
		WebhookURL: os.Getenv("EXACTLINK_WEBHOOK_URL"),
	}

	if path := os.Getenv("EXACTLINK_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	applyDuration(&cfg.Refresh.StaleThreshold, fc.Refresh.StaleThreshold)
	if fc.Refresh.MaxAttempts > 0 {
		cfg.Refresh.MaxAttempts = fc.Refresh.MaxAttempts
	}
	applyDuration(&cfg.Refresh.BaseBackoff, fc.Refresh.BaseBackoff)
	applyDuration(&cfg.Refresh.LockTTL, fc.Refresh.LockTTL)
	applyDuration(&cfg.Refresh.LockWait, fc.Refresh.LockWait)
	applyDuration(&cfg.Refresh.LockPoll, fc.Refresh.LockPoll)

	applyDuration(&cfg.RateLimit.CacheTTL, fc.RateLimit.CacheTTL)
	if fc.RateLimit.DailyPosture != "" {
		cfg.RateLimit.DailyPosture = fc.RateLimit.DailyPosture
	}
	if fc.RateLimit.MinutelyPosture != "" {
		cfg.RateLimit.MinutelyPosture = fc.RateLimit.MinutelyPosture
	}
	applyDuration(&cfg.RateLimit.MaxWaitDaily, fc.RateLimit.MaxWaitDaily)
	applyDuration(&cfg.RateLimit.MaxWaitMinutely, fc.RateLimit.MaxWaitMinutely)
	if fc.RateLimit.DefaultMinutelyLimit > 0 {
		cfg.RateLimit.DefaultMinutelyLimit = fc.RateLimit.DefaultMinutelyLimit
	}

	if len(fc.Warning.WindowsDays) > 0 {
		cfg.Warning.WindowsDays = fc.Warning.WindowsDays
	}
	if fc.Warning.CronSpec != "" {
		cfg.Warning.CronSpec = fc.Warning.CronSpec
	}
	return nil
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("⚠️ ignoring invalid duration %q in config file", raw)
		return
	}
	*dst = d
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("EXACTLINK_ENCRYPTION_KEY is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.RateLimit.DailyPosture {
	case PostureRaise, PostureTolerate:
	default:
		return fmt.Errorf("daily posture must be %q or %q", PostureRaise, PostureTolerate)
	}
	switch c.RateLimit.MinutelyPosture {
	case PostureRaise, PostureWait:
	default:
		return fmt.Errorf("minutely posture must be %q or %q", PostureRaise, PostureWait)
	}
	if c.Refresh.StaleThreshold <= 0 || c.Refresh.MaxAttempts < 1 {
		return fmt.Errorf("refresh settings out of range")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
