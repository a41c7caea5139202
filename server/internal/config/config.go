package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultTTL            = 2 * time.Minute
	DefaultCapacity       = 100
	DefaultCooldown       = 30 * time.Second
	DefaultStaleAfter     = time.Hour
	DefaultMaxPerSecond   = 200
	DefaultBurst          = 50
	DefaultMaxBodyBytes   = 16 << 10
	DefaultSweepInterval  = 60 * time.Second
	DefaultQueueSize      = 64
	DefaultRatePerSecond  = 1.0
	DefaultStreamInterval = 5 * time.Second
	DefaultStreamTop      = 10
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `reporter:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the ingest API, query API, metrics and WebSocket
	// hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth protects the admin routes (record removal).
	Auth AuthConfig `yaml:"auth"`

	Registry  RegistryConfig  `yaml:"registry"`
	Admission AdmissionConfig `yaml:"admission"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Notify    NotifyConfig    `yaml:"notify"`
	Stream    StreamConfig    `yaml:"stream"`
}

// AuthConfig controls the admin API key.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// RegistryConfig bounds the record store.
type RegistryConfig struct {
	// TTL is how long a record stays live after its last accepted report.
	TTL time.Duration `yaml:"ttl"`

	// Capacity is the maximum number of records retained.
	Capacity int `yaml:"capacity"`

	// RefreshOnDuplicate lets a non-accepted report for a live key reset its
	// TTL clock. Default false.
	RefreshOnDuplicate bool `yaml:"refresh_on_duplicate"`
}

// AdmissionConfig controls the per-source cooldown.
type AdmissionConfig struct {
	// Cooldown is the minimum time between two admitted reports from one source.
	Cooldown time.Duration `yaml:"cooldown"`

	// StaleAfter is how long an idle source is remembered.
	StaleAfter time.Duration `yaml:"stale_after"`

	// TrustForwarded takes the source id from X-Forwarded-For instead of the
	// connection's remote address. Enable only behind a trusted proxy.
	TrustForwarded bool `yaml:"trust_forwarded"`

	// SourceHeader, when set, names a request header carrying a
	// reporter-chosen source id (e.g. "X-Source-Id"). It takes precedence
	// over the network address.
	SourceHeader string `yaml:"source_header"`
}

// IngestConfig guards the report endpoint as a whole.
type IngestConfig struct {
	// MaxPerSecond is the global token-bucket rate across all sources.
	// Zero disables the global limit.
	MaxPerSecond float64 `yaml:"max_per_second"`

	// Burst is the token-bucket depth.
	Burst int `yaml:"burst"`

	// MaxBodyBytes caps the size of one report body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// SweepConfig controls the background maintenance pass.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// NotifyConfig controls outbound announcements of high-value records.
type NotifyConfig struct {
	// Threshold is the minimum metric that triggers a notification.
	Threshold float64 `yaml:"threshold"`

	// QueueSize bounds pending notifications; overflow is dropped.
	QueueSize int `yaml:"queue_size"`

	// RatePerSecond paces outbound deliveries.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Timeout bounds a single delivery request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig defines one delivery target.
type TargetConfig struct {
	// Type is one of: discord | discord_bot | slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv names the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`

	// TokenEnv and ChannelEnv are used by discord_bot.
	TokenEnv   string `yaml:"token_env"`
	ChannelEnv string `yaml:"channel_env"`
}

// URL returns the webhook URL resolved from the environment.
func (t TargetConfig) URL() string { return getenv(t.URLEnv) }

// Token returns the bot token resolved from the environment.
func (t TargetConfig) Token() string { return getenv(t.TokenEnv) }

// Channel returns the channel id resolved from the environment.
func (t TargetConfig) Channel() string { return getenv(t.ChannelEnv) }

// StreamConfig controls the WebSocket live feed.
type StreamConfig struct {
	// Interval between broadcasts.
	Interval time.Duration `yaml:"interval"`

	// Top is the number of records in each broadcast.
	Top int `yaml:"top"`
}

func getenv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses config YAML from memory. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Registry: RegistryConfig{
				TTL:      DefaultTTL,
				Capacity: DefaultCapacity,
			},
			Admission: AdmissionConfig{
				Cooldown:   DefaultCooldown,
				StaleAfter: DefaultStaleAfter,
			},
			Ingest: IngestConfig{
				MaxPerSecond: DefaultMaxPerSecond,
				Burst:        DefaultBurst,
				MaxBodyBytes: DefaultMaxBodyBytes,
			},
			Sweep: SweepConfig{
				Interval: DefaultSweepInterval,
			},
			Notify: NotifyConfig{
				QueueSize:     DefaultQueueSize,
				RatePerSecond: DefaultRatePerSecond,
				Timeout:       10 * time.Second,
			},
			Stream: StreamConfig{
				Interval: DefaultStreamInterval,
				Top:      DefaultStreamTop,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Registry.TTL < 0 {
		return fmt.Errorf("server.registry.ttl must not be negative")
	}
	if s.Registry.Capacity < 0 {
		return fmt.Errorf("server.registry.capacity must not be negative")
	}
	if s.Admission.Cooldown < 0 {
		return fmt.Errorf("server.admission.cooldown must not be negative")
	}
	if s.Admission.StaleAfter < s.Admission.Cooldown {
		return fmt.Errorf("server.admission.stale_after (%s) must be at least the cooldown (%s)",
			s.Admission.StaleAfter, s.Admission.Cooldown)
	}
	if s.Ingest.MaxPerSecond < 0 || s.Ingest.Burst < 0 {
		return fmt.Errorf("server.ingest rate and burst must not be negative")
	}
	if s.Ingest.MaxPerSecond > 0 && s.Ingest.Burst == 0 {
		return fmt.Errorf("server.ingest.burst must be positive when max_per_second is set")
	}
	if s.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.ingest.max_body_bytes must be positive")
	}
	if s.Sweep.Interval <= 0 {
		return fmt.Errorf("server.sweep.interval must be positive")
	}
	if s.Notify.Threshold < 0 {
		return fmt.Errorf("server.notify.threshold must not be negative")
	}
	if s.Notify.QueueSize <= 0 {
		return fmt.Errorf("server.notify.queue_size must be positive")
	}
	if s.Notify.RatePerSecond <= 0 {
		return fmt.Errorf("server.notify.rate_per_second must be positive")
	}
	for i, t := range s.Notify.Targets {
		switch t.Type {
		case "discord", "slack", "teams", "http":
			if t.URLEnv == "" {
				return fmt.Errorf("server.notify.targets[%d]: url_env is required for %s", i, t.Type)
			}
		case "discord_bot":
			if t.TokenEnv == "" || t.ChannelEnv == "" {
				return fmt.Errorf("server.notify.targets[%d]: token_env and channel_env are required for discord_bot", i)
			}
		default:
			return fmt.Errorf("server.notify.targets[%d]: type %q unknown: want discord|discord_bot|slack|teams|http", i, t.Type)
		}
	}
	if s.Stream.Interval <= 0 {
		return fmt.Errorf("server.stream.interval must be positive")
	}
	return nil
}
