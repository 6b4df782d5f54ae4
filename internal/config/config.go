// Package config handles YAML configuration loading with environment
// variable expansion and seeds the catalog from the loaded file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Limits    LimitsConfig    `yaml:"limits"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Router    RouterSection   `yaml:"router"`
	Providers []ProviderEntry `yaml:"providers"`
	Mappings  []MappingEntry  `yaml:"mappings"`
	Tariffs   []TariffEntry   `yaml:"tariffs"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// SlogLevel maps the configured level name onto a slog level.
// Unknown names fall back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LimitsConfig bounds request handling.
type LimitsConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // per upstream call
	ProviderRetries int           `yaml:"provider_retries"` // adapter-level retries, 0 = default
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	DefaultKeyRPM   int           `yaml:"default_key_rpm"` // applied to keys seeded without a limit
}

// CacheConfig sizes the in-process cache regions.
type CacheConfig struct {
	MaxSize       int           `yaml:"max_size"` // entries per region
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	VirtualKeyTTL time.Duration `yaml:"virtual_key_ttl"`
	TariffTTL     time.Duration `yaml:"tariff_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RealtimeConfig bounds realtime audio sessions.
type RealtimeConfig struct {
	MaxSessions      int           `yaml:"max_sessions"` // concurrent sessions, 0 = unlimited
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxDuration      time.Duration `yaml:"max_duration"` // per session, 0 = unlimited
}

// RouterSection configures the fallback router. Deployments and fallback
// chains listed here are seeded into storage at bootstrap; the live router
// reads them back from storage.
type RouterSection struct {
	DefaultStrategy  string              `yaml:"default_strategy"` // simple | roundrobin | leastcost | leastlatency | priority
	FallbacksEnabled bool                `yaml:"fallbacks_enabled"`
	MaxRetries       int                 `yaml:"max_retries"`
	RetryBaseDelay   time.Duration       `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration       `yaml:"retry_max_delay"`
	Deployments      []DeploymentEntry   `yaml:"deployments"`
	Fallbacks        map[string][]string `yaml:"fallbacks"` // alias -> ordered alternate aliases
}

// DeploymentEntry is a routing deployment in the config file. Costs are
// decimal strings.
type DeploymentEntry struct {
	ID                 string `yaml:"id"` // derived from model and provider when empty
	Model              string `yaml:"model"`
	Provider           string `yaml:"provider"`
	Weight             int    `yaml:"weight"`
	RPMLimit           int    `yaml:"rpm_limit"`
	TPMLimit           int    `yaml:"tpm_limit"`
	InputCostPer1K     string `yaml:"input_cost_per_1k"`
	OutputCostPer1K    string `yaml:"output_cost_per_1k"`
	Priority           int    `yaml:"priority"`
	Enabled            *bool  `yaml:"enabled"`
	SupportsEmbeddings bool   `yaml:"supports_embeddings"`
}

// IsEnabled reports whether the deployment is enabled (defaults to true).
func (d DeploymentEntry) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// DeploymentID returns the explicit id, or model@provider when unset.
func (d DeploymentEntry) DeploymentID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Model + "@" + d.Provider
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"` // defaults to Name
	BaseURL     string            `yaml:"base_url"`
	Enabled     *bool             `yaml:"enabled"`
	APIKey      string            `yaml:"api_key"` // shorthand for a single primary credential
	Credentials []CredentialEntry `yaml:"credentials"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedCredentials returns the credential list, promoting a top-level
// api_key into a single primary credential when the list is empty.
func (p ProviderEntry) ResolvedCredentials() []CredentialEntry {
	if len(p.Credentials) > 0 {
		return p.Credentials
	}
	if p.APIKey == "" {
		return nil
	}
	return []CredentialEntry{{APIKey: p.APIKey, Primary: true}}
}

// CredentialEntry is one provider credential in the config file.
type CredentialEntry struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`  // AWS secret access key
	APIVersion string `yaml:"api_version"` // Azure api-version
	Region     string `yaml:"region"`      // AWS or GCP region
	Account    string `yaml:"account"`     // GCP project or AWS account
	Primary    bool   `yaml:"primary"`
	Enabled    *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the credential is enabled (defaults to true).
func (c CredentialEntry) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MappingEntry maps a public model alias onto a provider model.
type MappingEntry struct {
	Alias           string `yaml:"alias"`
	Provider        string `yaml:"provider"` // provider name
	ProviderModelID string `yaml:"provider_model_id"`
	Enabled         *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the mapping is enabled (defaults to true).
func (m MappingEntry) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TariffEntry prices one model alias. Rates are decimal strings; absent
// rates default to zero.
type TariffEntry struct {
	Model                      string            `yaml:"model"`
	InputPerMillion            string            `yaml:"input_per_million"`
	OutputPerMillion           string            `yaml:"output_per_million"`
	CachedInputPerMillion      string            `yaml:"cached_input_per_million"`
	CachedInputWritePerMillion string            `yaml:"cached_input_write_per_million"`
	EmbeddingPerMillion        string            `yaml:"embedding_per_million"`
	ImagePerImage              string            `yaml:"image_per_image"`
	ImageQualityMultipliers    map[string]string `yaml:"image_quality_multipliers"`
	ImageResolutionMultipliers map[string]string `yaml:"image_resolution_multipliers"`
	VideoPerSecond             string            `yaml:"video_per_second"`
	CostPerSearchUnit          string            `yaml:"cost_per_search_unit"`
	CostPerInferenceStep       string            `yaml:"cost_per_inference_step"`
	DefaultInferenceSteps      int               `yaml:"default_inference_steps"`
}

// KeyEntry is a virtual key seed in the config file.
type KeyEntry struct {
	Name          string   `yaml:"name"`
	Key           string   `yaml:"key"` // plaintext, hashed at bootstrap
	AllowedModels []string `yaml:"allowed_models"`
	RPMLimit      int      `yaml:"rpm_limit"`
	Enabled       *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the key is enabled (defaults to true).
func (k KeyEntry) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "conduit.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Limits: LimitsConfig{
			RequestTimeout: 90 * time.Second,
			MaxBodyBytes:   32 << 20,
		},
		Cache: CacheConfig{
			MaxSize:       4096,
			CredentialTTL: 2 * time.Minute,
			VirtualKeyTTL: time.Minute,
			TariffTTL:     5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		Realtime: RealtimeConfig{
			MaxSessions:      64,
			HandshakeTimeout: 10 * time.Second,
		},
		Router: RouterSection{
			DefaultStrategy:  "simple",
			FallbacksEnabled: true,
			MaxRetries:       2,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    10 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
