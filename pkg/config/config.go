// Package config loads specjet settings from SPECJET_* environment
// variables, optionally overlaid with a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds run configuration.
type Config struct {
	BaseURL         string `yaml:"base_url" validate:"required,url"`
	Contract        string `yaml:"contract" validate:"required"`
	ContractVersion string `yaml:"contract_version"`

	Concurrency       int           `yaml:"concurrency" validate:"gte=1"`
	Delay             time.Duration `yaml:"delay" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`

	MaxRetries       int           `yaml:"max_retries" validate:"gte=0"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gte=1"`
	BreakerReset     time.Duration `yaml:"breaker_reset" validate:"gt=0"`

	// DiscoverParams fills missing path and query parameters from
	// contract examples.
	DiscoverParams bool              `yaml:"discover_params"`
	PathParams     map[string]string `yaml:"path_params"`
	Headers        map[string]string `yaml:"headers"`

	BearerToken string `yaml:"bearer_token" validate:"excluded_with=JWTSecret"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTSubject  string `yaml:"jwt_subject" validate:"required_with=JWTSecret"`

	RedisAddr    string `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RateLimitKey string `yaml:"ratelimit_key"`
	Telemetry    bool   `yaml:"telemetry"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Telemetry true"`

	Gate     string `yaml:"gate"`
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Concurrency:       3,
		RequestsPerSecond: 10,
		Timeout:           30 * time.Second,
		MaxRetries:        2,
		RetryBaseDelay:    time.Second,
		BreakerThreshold:  5,
		BreakerReset:      60 * time.Second,
		OTLPEndpoint:      "localhost:4317",
		LogLevel:          "INFO",
	}
}

// Load reads configuration from the environment on top of Default.
// Malformed values are reported together.
func Load() (*Config, error) {
	cfg := Default()
	var errs []error

	envString("SPECJET_BASE_URL", &cfg.BaseURL)
	envString("SPECJET_CONTRACT", &cfg.Contract)
	envString("SPECJET_CONTRACT_VERSION", &cfg.ContractVersion)
	errs = append(errs,
		envInt("SPECJET_CONCURRENCY", &cfg.Concurrency),
		envMillis("SPECJET_DELAY_MS", &cfg.Delay),
		envFloat("SPECJET_RPS", &cfg.RequestsPerSecond),
		envMillis("SPECJET_TIMEOUT_MS", &cfg.Timeout),
		envInt("SPECJET_MAX_RETRIES", &cfg.MaxRetries),
		envMillis("SPECJET_RETRY_BASE_MS", &cfg.RetryBaseDelay),
		envInt("SPECJET_BREAKER_THRESHOLD", &cfg.BreakerThreshold),
		envMillis("SPECJET_BREAKER_RESET_MS", &cfg.BreakerReset),
		envBool("SPECJET_DISCOVER_PARAMS", &cfg.DiscoverParams),
		envBool("SPECJET_TELEMETRY", &cfg.Telemetry),
	)
	envString("SPECJET_BEARER_TOKEN", &cfg.BearerToken)
	envString("SPECJET_JWT_SECRET", &cfg.JWTSecret)
	envString("SPECJET_JWT_SUBJECT", &cfg.JWTSubject)
	envString("SPECJET_REDIS_ADDR", &cfg.RedisAddr)
	envString("SPECJET_RATELIMIT_KEY", &cfg.RateLimitKey)
	envString("SPECJET_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	envString("SPECJET_GATE", &cfg.Gate)
	envString("SPECJET_LOG_LEVEL", &cfg.LogLevel)
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path on c. Keys absent from the file
// keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration is usable for a run.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BucketKey names the shared rate-limit bucket. Runs against the same
// target share a bucket unless RateLimitKey overrides it.
func (c *Config) BucketKey() string {
	if c.RateLimitKey != "" {
		return c.RateLimitKey
	}
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(c.BaseURL), "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
