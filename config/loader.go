package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// RegisterSecretProvider adds a provider for ${scheme:ref} values.
func (l *Loader) RegisterSecretProvider(p SecretProvider) {
	l.secrets.Register(p)
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks configuration for errors.
func Validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	if err := validateOrigin("origin", cfg.Origin); err != nil {
		return err
	}
	if err := validateOrigin("network.upstream", cfg.Network.Upstream); err != nil {
		return err
	}
	if cfg.Network.Timeout < 0 {
		return fmt.Errorf("network.timeout must be >= 0")
	}

	w := cfg.Worker
	if w.Version == "" {
		return fmt.Errorf("worker.version is required")
	}
	for i, p := range w.Seed {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("worker.seed[%d]: %q must be root-relative", i, p)
		}
	}
	for i, m := range w.APIMatch {
		if m == "" {
			return fmt.Errorf("worker.api_match[%d]: empty substring matches every request", i)
		}
	}
	if w.OfflineDocument != "" && !strings.HasPrefix(w.OfflineDocument, "/") {
		return fmt.Errorf("worker.offline_document: %q must be root-relative", w.OfflineDocument)
	}

	for i, pattern := range cfg.Static.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("static.exclude[%d]: invalid pattern %q", i, pattern)
		}
	}
	switch cfg.Static.OnFailure {
	case "", OnFailurePropagate, OnFailureBadGateway:
	default:
		return fmt.Errorf("static.on_failure: invalid value %q", cfg.Static.OnFailure)
	}

	switch cfg.Cache.Backend {
	case "", CacheBackendMemory:
	case CacheBackendRedis:
		if cfg.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for the redis backend")
		}
	case CacheBackendBlob:
		if cfg.Cache.Blob.URL == "" {
			return fmt.Errorf("cache.blob.url is required for the blob backend")
		}
	default:
		return fmt.Errorf("cache.backend: invalid value %q", cfg.Cache.Backend)
	}
	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0")
	}

	switch cfg.Notify.Type {
	case "", NotifyLog:
	case NotifyPubSub:
		if cfg.Notify.PubSub.TopicURL == "" {
			return fmt.Errorf("notify.pubsub.topic_url is required")
		}
	case NotifyAMQP:
		if cfg.Notify.AMQP.URL == "" {
			return fmt.Errorf("notify.amqp.url is required")
		}
	default:
		return fmt.Errorf("notify.type: invalid value %q", cfg.Notify.Type)
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validateOrigin(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("%s: must not contain a path", field)
	}
	return nil
}
