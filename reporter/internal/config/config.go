package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBufferSize   = 100
	DefaultSendTimeout  = 10 * time.Second
	DefaultDrainTimeout = 15 * time.Second
	DefaultSourceHeader = "X-Source-Id"
	DefaultAPIKeyHeader = "x-api-key"
)

// Config is the top-level configuration for the reporter. The server's
// `server:` section may live in the same file and is ignored here.
type Config struct {
	Reporter ReporterConfig `yaml:"reporter"`
}

// ReporterConfig holds all reporter-side settings.
type ReporterConfig struct {
	// ServerURL is the base URL of the registry server, e.g.
	// http://localhost:8080. The report path is appended to it.
	ServerURL string `yaml:"server_url"`

	// SourceID is sent in SourceHeader so the server can apply its cooldown
	// per reporter rather than per address. Empty sends nothing.
	SourceID     string `yaml:"source_id"`
	SourceHeader string `yaml:"source_header"`

	// BufferSize is the maximum number of reports held in memory while the
	// server is unreachable. The oldest report is dropped when full.
	BufferSize int `yaml:"buffer_size"`

	// SendTimeout bounds a single POST.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DrainTimeout bounds how long the reporter keeps sending after its
	// input ends.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// Auth configures how the reporter authenticates to the server.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode used towards the server.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header the API key is sent in (apikey mode).
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer
	// token (bearer mode).
	TokenEnv string `yaml:"token_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// EffectiveHeader returns Header or DefaultAPIKeyHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// TLSConfig holds TLS dial options for https server URLs.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CAFile is an optional PEM bundle added to the system roots.
	CAFile string `yaml:"ca_file"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reporter config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("reporter config: parse yaml: %w", err)
	}
	cfg.Reporter.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.Reporter.ServerURL), "/")

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("reporter config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Reporter: ReporterConfig{
			SourceHeader: DefaultSourceHeader,
			BufferSize:   DefaultBufferSize,
			SendTimeout:  DefaultSendTimeout,
			DrainTimeout: DefaultDrainTimeout,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	r := cfg.Reporter
	if r.ServerURL == "" {
		return fmt.Errorf("reporter.server_url is required")
	}
	if !strings.HasPrefix(r.ServerURL, "http://") && !strings.HasPrefix(r.ServerURL, "https://") {
		return fmt.Errorf("reporter.server_url %q must start with http:// or https://", r.ServerURL)
	}
	if r.BufferSize <= 0 {
		return fmt.Errorf("reporter.buffer_size must be positive")
	}
	if r.SendTimeout <= 0 {
		return fmt.Errorf("reporter.send_timeout must be positive")
	}
	if r.DrainTimeout < 0 {
		return fmt.Errorf("reporter.drain_timeout must not be negative")
	}
	switch r.Auth.Mode {
	case "apikey":
		if r.Auth.KeyEnv == "" {
			return fmt.Errorf("reporter.auth: apikey mode requires key_env")
		}
	case "bearer":
		if r.Auth.TokenEnv == "" {
			return fmt.Errorf("reporter.auth: bearer mode requires token_env")
		}
	case "none", "":
	default:
		return fmt.Errorf("reporter.auth: unknown mode %q", r.Auth.Mode)
	}
	return nil
}
