// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/worker"
)

// Config holds all application configuration
type Config struct {
	Port       string `env:"PORT" envDefault:"8080" validate:"required,numeric"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	RedisAddr  string `env:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	AdminToken string `env:"ADMIN_TOKEN"`

	Offline  OfflineConfig
	Cache    CacheConfig
	Upstream UpstreamConfig
}

// OfflineConfig holds the worker policy of the gateway
type OfflineConfig struct {
	Origin           string        `env:"OFFLINE_ORIGIN,required,notEmpty" validate:"required,http_url"`
	Generation       string        `env:"OFFLINE_GENERATION" envDefault:"offline-cache-v1" validate:"required,excludesall=/"`
	Precache         []string      `env:"OFFLINE_PRECACHE" envSeparator:","`
	FallbackURL      string        `env:"OFFLINE_FALLBACK_URL" envDefault:"/offline/" validate:"required"`
	PlaceholderURL   string        `env:"OFFLINE_PLACEHOLDER_URL" envDefault:"/static/images/placeholder.png"`
	APIMarker        string        `env:"OFFLINE_API_MARKER" envDefault:"/api/" validate:"required"`
	InstallPolicy    string        `env:"OFFLINE_INSTALL_POLICY" envDefault:"strict" validate:"oneof=strict lenient"`
	ImagePlaceholder bool          `env:"OFFLINE_IMAGE_PLACEHOLDER" envDefault:"true"`
	StoreErrors      string        `env:"OFFLINE_STORE_ERRORS" envDefault:"log" validate:"oneof=log propagate"`
	SkipWaiting      bool          `env:"OFFLINE_SKIP_WAITING" envDefault:"true"`
	NetworkTimeout   time.Duration `env:"OFFLINE_NETWORK_TIMEOUT" envDefault:"30s"`
	CrossOriginHosts []string      `env:"OFFLINE_CROSS_ORIGIN_HOSTS" envSeparator:"," validate:"dive,hostname_port|hostname_rfc1123"`
}

// CacheConfig selects and configures the cache storage backend
type CacheConfig struct {
	Backend     string `env:"CACHE_BACKEND" envDefault:"file" validate:"oneof=file memory badger postgres"`
	Dir         string `env:"CACHE_DIR"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Backend postgres"`
}

// UpstreamConfig holds client credentials for same-origin fetches
type UpstreamConfig struct {
	ClientID     string   `env:"UPSTREAM_CLIENT_ID"`
	ClientSecret string   `env:"UPSTREAM_CLIENT_SECRET" validate:"required_with=ClientID"`
	TokenURL     string   `env:"UPSTREAM_TOKEN_URL" validate:"required_with=ClientID"`
	Scopes       []string `env:"UPSTREAM_SCOPES" envSeparator:","`
}

// ParseEnv loads configuration from environment variables
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and validates configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Offline.CrossOriginHosts = trimAll(cfg.Offline.CrossOriginHosts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that the worker policy is usable
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HasRedis returns true if generation rollouts go through the job queue
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// HasUpstreamCredentials returns true if same-origin fetches are credentialed
func (c *Config) HasUpstreamCredentials() bool {
	return c.Upstream.ClientID != "" && c.Upstream.ClientSecret != "" && c.Upstream.TokenURL != ""
}

// Level returns the zerolog level for LOG_LEVEL
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Policy builds the worker policy for the configured generation
func (c *Config) Policy() (worker.Policy, error) {
	origin, err := url.Parse(c.Offline.Origin)
	if err != nil {
		return worker.Policy{}, fmt.Errorf("parse origin: %w", err)
	}

	p := worker.DefaultPolicy(origin, c.Offline.Generation)
	if len(c.Offline.Precache) > 0 {
		p.Precache = trimAll(c.Offline.Precache)
	}
	p.OfflineURL = c.Offline.FallbackURL
	p.PlaceholderURL = c.Offline.PlaceholderURL
	p.APIMarker = c.Offline.APIMarker
	p.InstallFailure = worker.InstallFailureMode(c.Offline.InstallPolicy)
	p.ImagePlaceholder = c.Offline.ImagePlaceholder
	p.StoreErrors = worker.StoreErrorMode(c.Offline.StoreErrors)
	p.SkipWaiting = c.Offline.SkipWaiting
	p.NetworkTimeout = c.Offline.NetworkTimeout

	if err := p.Validate(); err != nil {
		return worker.Policy{}, err
	}
	return p, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
