package config

import "time"

// Failure modes for cache-first requests whose network fetch fails and
// that are not navigations.
const (
	OnFailurePropagate  = "propagate"
	OnFailureBadGateway = "bad_gateway"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendBlob   = "blob"
)

// Notifier types.
const (
	NotifyLog    = "log"
	NotifyPubSub = "pubsub"
	NotifyAMQP   = "amqp"
)

// Config is the root configuration of the edge.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Origin  string        `yaml:"origin"` // the worker's own origin, e.g. "https://exchange.example"
	Logging LoggingConfig `yaml:"logging"`
	Worker  WorkerConfig  `yaml:"worker"`
	Static  StaticConfig  `yaml:"static"`
	Network NetworkConfig `yaml:"network"`
	Cache   CacheConfig   `yaml:"cache"`
	Notify  NotifyConfig  `yaml:"notify"`
	Admin   AdminConfig   `yaml:"admin"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ListenConfig defines the proxy listener.
type ListenConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // "json" or "console"
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // "stdout", "stderr" or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// WorkerConfig defines the caching policy of a worker version.
type WorkerConfig struct {
	// Version names the current cache. Changing it invalidates every
	// other cache on the next activation.
	Version            string   `yaml:"version"`
	Seed               []string `yaml:"seed"`      // root-relative paths cached at install
	APIMatch           []string `yaml:"api_match"` // URL substrings routed network-first
	OfflineDocument    string   `yaml:"offline_document"`
	UnavailableMessage string   `yaml:"unavailable_message"`
}

// StaticConfig tunes the cache-first policy.
type StaticConfig struct {
	Exclude   []string `yaml:"exclude"`    // doublestar path globs fetched network-only
	OnFailure string   `yaml:"on_failure"` // "propagate" (default) or "bad_gateway"
}

// NetworkConfig defines how live fetches reach the network.
type NetworkConfig struct {
	// Upstream serves same-origin requests, e.g. "http://127.0.0.1:3000".
	Upstream           string        `yaml:"upstream"`
	Timeout            time.Duration `yaml:"timeout"` // 0 means no timeout
	MaxIdleConns       int           `yaml:"max_idle_conns"`
	IdleConnTimeout    time.Duration `yaml:"idle_conn_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// CacheConfig selects the storage backend for named caches.
type CacheConfig struct {
	Backend    string        `yaml:"backend"`     // "memory" (default), "redis" or "blob"
	MaxEntries int           `yaml:"max_entries"` // per cache, memory backend; 0 means unbounded
	TTL        time.Duration `yaml:"ttl"`         // 0 means entries never expire
	Compress   bool          `yaml:"compress"`    // zstd-compress snapshots in redis/blob
	Redis      RedisConfig   `yaml:"redis"`
	Blob       BlobConfig    `yaml:"blob"`
}

// RedisConfig defines the Redis connection for the shared cache backend.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"` // key prefix, default "sw:"
}

// BlobConfig defines the bucket for the blob cache backend.
type BlobConfig struct {
	URL string `yaml:"url"` // gocloud bucket URL, e.g. "file:///var/cache/swproxy" or "mem://"
}

// NotifyConfig selects where push notifications are displayed.
type NotifyConfig struct {
	Type   string             `yaml:"type"` // "log" (default), "pubsub" or "amqp"
	PubSub PubSubNotifyConfig `yaml:"pubsub"`
	AMQP   AMQPNotifyConfig   `yaml:"amqp"`
}

// PubSubNotifyConfig defines a gocloud pubsub topic.
type PubSubNotifyConfig struct {
	TopicURL string `yaml:"topic_url"` // e.g. "mem://notifications"
}

// AMQPNotifyConfig defines an AMQP exchange to publish notifications to.
type AMQPNotifyConfig struct {
	URL        string `yaml:"url" redact:"true"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines the Prometheus endpoint on the admin server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers" redact:"true"`
}

// DefaultConfig returns the configuration of the exchange PWA worker.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Origin: "http://localhost:8080",
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
		},
		Worker: WorkerConfig{
			Version: "cex-exchange-v1.0.1",
			Seed: []string{
				"/",
				"/index.html",
				"/manifest.json",
				"/crypto-exchange-complete.html",
			},
			APIMatch:           []string{"/api/", "binance.com", "coingecko.com"},
			OfflineDocument:    "/index.html",
			UnavailableMessage: "网络不可用，请稍后重试",
		},
		Static: StaticConfig{
			OnFailure: OnFailurePropagate,
		},
		Network: NetworkConfig{
			Upstream:        "http://127.0.0.1:3000",
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
		Cache: CacheConfig{
			Backend: CacheBackendMemory,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				DialTimeout: 5 * time.Second,
				Prefix:      "sw:",
			},
		},
		Notify: NotifyConfig{
			Type: NotifyLog,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9091",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "swproxy",
			SampleRate:  1.0,
		},
	}
}
