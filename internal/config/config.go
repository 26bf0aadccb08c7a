// Package config assembles the updater's settings from command-line flags,
// MODUPDATER_* environment variables and built-in defaults, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "MODUPDATER_"

const (
	DefaultManifestURL      = "https://me3tweaks.com/mods/updatecheck"
	DefaultStorageRoot      = "https://me3tweaks.com/mods/updates"
	DefaultConcurrency      = 4
	DefaultLogLevel         = "info"
	DefaultHashCacheSize    = 4096
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultRequestTimeout   = 30 * time.Second
	DefaultManifestRetries  = 2
	DefaultUserAgent        = "mod-updater"
)

// Config holds every setting of the update engine and its CLI
type Config struct {
	// Endpoint receiving the batched update check
	ManifestURL string `env:"MANIFEST_URL"`
	// Base URL of the .lzma transfer payloads
	StorageRoot string `env:"STORAGE_ROOT"`
	// Parent directory of per-attempt staging directories
	StagingDir string `env:"STAGING_DIR"`
	// Parallel payload downloads
	Concurrency int `env:"CONCURRENCY"`
	// debug, info, warn or error
	LogLevel string `env:"LOG_LEVEL"`
	// Entries in the file digest cache
	HashCacheSize int `env:"HASH_CACHE_SIZE"`
	// Minimum time between download progress callbacks
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL"`
	// Timeout of one manifest request
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`
	// Manifest request retries on server errors; negative disables retries
	ManifestRetries int `env:"MANIFEST_RETRIES"`
	// Address serving Prometheus metrics; empty disables
	MetricsAddr string `env:"METRICS_ADDR"`
	UserAgent   string `env:"USER_AGENT"`
}

// Defaults returns the built-in settings
func Defaults() *Config {
	return &Config{
		ManifestURL:      DefaultManifestURL,
		StorageRoot:      DefaultStorageRoot,
		StagingDir:       filepath.Join(os.TempDir(), "modupdater"),
		Concurrency:      DefaultConcurrency,
		LogLevel:         DefaultLogLevel,
		HashCacheSize:    DefaultHashCacheSize,
		ProgressInterval: DefaultProgressInterval,
		RequestTimeout:   DefaultRequestTimeout,
		ManifestRetries:  DefaultManifestRetries,
		UserAgent:        DefaultUserAgent,
	}
}

// Load merges flags over the environment over the defaults and validates
// the result. flags may be nil.
func Load(flags *Config) (*Config, error) {
	b := newBuilder()
	if flags != nil {
		b.with(flags)
	}
	return b.withEnv().with(Defaults()).build()
}

// FromEnv reads the MODUPDATER_* variables. Unset variables stay zero.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if err := validateURL("manifest URL", c.ManifestURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("storage root", c.StorageRoot); err != nil {
		errs = append(errs, err)
	}
	if c.StagingDir == "" {
		errs = append(errs, errors.New("staging directory is required"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.HashCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("hash cache size must be positive, got %d", c.HashCacheSize))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("progress interval must be positive, got %s", c.ProgressInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Retries returns the manifest retry count to hand to the client
func (c *Config) Retries() int {
	if c.ManifestRetries < 0 {
		return 0
	}
	return c.ManifestRetries
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", name, raw)
	}
	return nil
}

// builder merges layered configs; earlier layers win.
type builder struct {
	configs []*Config
	err     error
}

func newBuilder() *builder {
	return &builder{configs: make([]*Config, 0, 3)}
}

func (b *builder) with(cfg *Config) *builder {
	b.configs = append(b.configs, cfg)
	return b
}

func (b *builder) withEnv() *builder {
	cfg, err := FromEnv()
	if err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	return b.with(cfg)
}

func (b *builder) build() (*Config, error) {
	if b.err != nil {
		return nil, fmt.Errorf("error occurred during building config: %w", b.err)
	}

	cfg := new(Config)
	for _, layer := range b.configs {
		if err := mergo.Merge(cfg, layer); err != nil {
			return nil, fmt.Errorf("error merging configs: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
