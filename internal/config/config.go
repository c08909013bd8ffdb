// Package config loads securityd and securityctl settings from defaults, an
// optional YAML file and SECURITY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "SECURITY_"
	// EnvFile names the variable holding the optional YAML file path.
	EnvFile = "SECURITY_CONFIG_FILE"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http" koanf:"http"`
	GRPC      GRPCConfig      `yaml:"grpc" koanf:"grpc"`
	PG        PGConfig        `yaml:"pg" koanf:"pg"`
	Redis     RedisConfig     `yaml:"redis" koanf:"redis"`
	Features  FeaturesConfig  `yaml:"features" koanf:"features"`
	Events    EventsConfig    `yaml:"events" koanf:"events"`
	Auth      AuthConfig      `yaml:"auth" koanf:"auth"`
	Jobs      JobsConfig      `yaml:"jobs" koanf:"jobs"`
	RateLimit RateLimitConfig `yaml:"ratelimit" koanf:"ratelimit"`
	Guard     GuardConfig     `yaml:"guard" koanf:"guard"`
	Tracing   TracingConfig   `yaml:"tracing" koanf:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" koanf:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" koanf:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" koanf:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	// SECURITY_HTTP_TRUSTED_PROXIES takes a comma-separated list.
	TrustedProxies []string `yaml:"trusted_proxies" koanf:"trusted_proxies"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

type PGConfig struct {
	DSN string `yaml:"dsn" koanf:"dsn"`
}

// RedisConfig configures the feature-cache invalidation bus. An empty Addr
// keeps invalidation process-local.
type RedisConfig struct {
	Addr     string `yaml:"addr" koanf:"addr"`
	Password string `yaml:"password" koanf:"password"`
	DB       int    `yaml:"db" koanf:"db"`
	Channel  string `yaml:"channel" koanf:"channel"`
}

type FeaturesConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" koanf:"cache_ttl"`
}

type EventsConfig struct {
	IPHashKey    string        `yaml:"ip_hash_key" koanf:"ip_hash_key"`
	WriteTimeout time.Duration `yaml:"write_timeout" koanf:"write_timeout"`
}

type AuthConfig struct {
	TokenSecret string `yaml:"token_secret" koanf:"token_secret"`
	Issuer      string `yaml:"issuer" koanf:"issuer"`
}

type JobsConfig struct {
	EvaluateInterval time.Duration `yaml:"evaluate_interval" koanf:"evaluate_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" koanf:"cleanup_interval"`
	Timeout          time.Duration `yaml:"timeout" koanf:"timeout"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" koanf:"per_second"`
	Burst     int     `yaml:"burst" koanf:"burst"`
}

type GuardConfig struct {
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
}

type TracingConfig struct {
	Sampler string  `yaml:"sampler" koanf:"sampler"`
	Ratio   float64 `yaml:"ratio" koanf:"ratio"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Redis:     RedisConfig{Channel: "entitlement:invalidate"},
		Features:  FeaturesConfig{CacheTTL: 60 * time.Second},
		Events:    EventsConfig{WriteTimeout: 2 * time.Second},
		Jobs:      JobsConfig{EvaluateInterval: 30 * time.Second, CleanupInterval: 60 * time.Second, Timeout: 25 * time.Second},
		RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40},
		Guard:     GuardConfig{Timeout: 2 * time.Second},
		Tracing:   TracingConfig{Sampler: "parentbased", Ratio: 1},
	}
}

// Load reads path (or $SECURITY_CONFIG_FILE when path is empty) and
// overlays SECURITY_* variables: SECURITY_PG_DSN sets pg.dsn,
// SECURITY_JOBS_EVALUATE_INTERVAL sets jobs.evaluate_interval.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// envKey maps SECURITY_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config_file" {
		return ""
	}
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks settings needed by securityd.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PG.DSN) == "" {
		errs = append(errs, errors.New("pg.dsn is required"))
	}
	if strings.TrimSpace(c.Events.IPHashKey) == "" {
		errs = append(errs, errors.New("events.ip_hash_key is required"))
	}
	if c.Features.CacheTTL <= 0 {
		errs = append(errs, errors.New("features.cache_ttl must be positive"))
	}
	if c.Jobs.EvaluateInterval <= 0 || c.Jobs.CleanupInterval <= 0 {
		errs = append(errs, errors.New("jobs intervals must be positive"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must be non-negative"))
	}
	if c.Guard.Timeout < 0 {
		errs = append(errs, errors.New("guard.timeout must be non-negative"))
	}
	return errors.Join(errs...)
}
