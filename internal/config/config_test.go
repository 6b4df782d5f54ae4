package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
logging:
  level: debug
  format: text
cache:
  virtual_key_ttl: 30s
providers:
  - name: openai
    base_url: https://api.openai.com/v1
    api_key: sk-test
  - name: bedrock-us
    type: bedrock
    credentials:
      - api_key: AKIA123
        secret_key: shh
        region: us-east-1
        primary: true
mappings:
  - alias: my-gpt
    provider: openai
    provider_model_id: gpt-4o
  - alias: old-gpt
    provider: openai
    provider_model_id: gpt-3.5-turbo
    enabled: false
tariffs:
  - model: my-gpt
    input_per_million: "2.50"
    output_per_million: "10"
    image_quality_multipliers:
      hd: "2"
router:
  default_strategy: leastcost
  max_retries: 0
  deployments:
    - model: my-gpt
      provider: openai
      rpm_limit: 100
      input_cost_per_1k: "0.0025"
  fallbacks:
    my-gpt: [backup-gpt]
keys:
  - name: ci
    key: condt_citestkey
    rpm_limit: 30
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 120*time.Second {
		t.Errorf("write timeout = %v, want default 120s", cfg.Server.WriteTimeout)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Cache.VirtualKeyTTL != 30*time.Second {
		t.Errorf("virtual key ttl = %v, want 30s", cfg.Cache.VirtualKeyTTL)
	}
	if cfg.Cache.CredentialTTL != 2*time.Minute {
		t.Errorf("credential ttl = %v, want default 2m", cfg.Cache.CredentialTTL)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].ResolvedType() != "openai" {
		t.Errorf("provider type = %q, want openai", cfg.Providers[0].ResolvedType())
	}
	br := cfg.Providers[1]
	if br.ResolvedType() != "bedrock" {
		t.Errorf("bedrock type = %q", br.ResolvedType())
	}
	if len(br.Credentials) != 1 || br.Credentials[0].Region != "us-east-1" {
		t.Errorf("bedrock credentials = %+v", br.Credentials)
	}

	if len(cfg.Mappings) != 2 {
		t.Fatalf("mappings = %d, want 2", len(cfg.Mappings))
	}
	if !cfg.Mappings[0].IsEnabled() {
		t.Error("mapping without enabled flag should default to enabled")
	}
	if cfg.Mappings[1].IsEnabled() {
		t.Error("explicitly disabled mapping should stay disabled")
	}

	if len(cfg.Tariffs) != 1 {
		t.Fatalf("tariffs = %d, want 1", len(cfg.Tariffs))
	}
	if cfg.Tariffs[0].InputPerMillion != "2.50" {
		t.Errorf("tariff input = %q", cfg.Tariffs[0].InputPerMillion)
	}
	if cfg.Tariffs[0].ImageQualityMultipliers["hd"] != "2" {
		t.Errorf("hd multiplier = %q", cfg.Tariffs[0].ImageQualityMultipliers["hd"])
	}

	if cfg.Router.DefaultStrategy != "leastcost" {
		t.Errorf("strategy = %q", cfg.Router.DefaultStrategy)
	}
	if cfg.Router.MaxRetries != 0 {
		t.Errorf("max retries = %d, want explicit 0", cfg.Router.MaxRetries)
	}
	if !cfg.Router.FallbacksEnabled {
		t.Error("fallbacks should default to enabled")
	}
	if len(cfg.Router.Deployments) != 1 || cfg.Router.Deployments[0].RPMLimit != 100 {
		t.Errorf("deployments = %+v", cfg.Router.Deployments)
	}
	if got := cfg.Router.Fallbacks["my-gpt"]; len(got) != 1 || got[0] != "backup-gpt" {
		t.Errorf("fallbacks = %v", cfg.Router.Fallbacks)
	}

	if len(cfg.Keys) != 1 || cfg.Keys[0].RPMLimit != 30 {
		t.Errorf("keys = %+v", cfg.Keys)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	yaml := `
providers:
  - name: openai
    api_key: ${TEST_API_KEY}
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[0].APIKey != "sk-secret-123" {
		t.Errorf("api key = %q, want expanded value", cfg.Providers[0].APIKey)
	}

	// Unset variables stay as-is so the parse error points at them.
	got := expandEnv([]byte("key: ${DEFINITELY_UNSET_VAR}"))
	if string(got) != "key: ${DEFINITELY_UNSET_VAR}" {
		t.Errorf("expandEnv = %q, want unset var preserved", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "conduit.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "conduit.db")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging = %+v", cfg.Logging)
	}
	if cfg.Limits.RequestTimeout != 90*time.Second {
		t.Errorf("default request timeout = %v", cfg.Limits.RequestTimeout)
	}
	if cfg.Limits.MaxBodyBytes != 32<<20 {
		t.Errorf("default max body = %d", cfg.Limits.MaxBodyBytes)
	}
	if cfg.Cache.MaxSize != 4096 {
		t.Errorf("default cache size = %d", cfg.Cache.MaxSize)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics should default to enabled")
	}
	if cfg.Realtime.MaxSessions != 64 {
		t.Errorf("default realtime sessions = %d", cfg.Realtime.MaxSessions)
	}
	if cfg.Router.DefaultStrategy != "simple" {
		t.Errorf("default strategy = %q", cfg.Router.DefaultStrategy)
	}
	if cfg.Router.MaxRetries != 2 {
		t.Errorf("default max retries = %d", cfg.Router.MaxRetries)
	}
	if cfg.Router.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("default retry base = %v", cfg.Router.RetryBaseDelay)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := (LoggingConfig{Level: tt.level}).SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestProviderEntryResolvedCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry ProviderEntry
		want  int
	}{
		{"explicit list", ProviderEntry{Credentials: []CredentialEntry{{APIKey: "a"}, {APIKey: "b"}}}, 2},
		{"api_key shorthand", ProviderEntry{APIKey: "sk-top"}, 1},
		{"list wins over shorthand", ProviderEntry{APIKey: "sk-top", Credentials: []CredentialEntry{{APIKey: "a"}}}, 1},
		{"neither", ProviderEntry{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.entry.ResolvedCredentials()
			if len(got) != tt.want {
				t.Fatalf("credentials = %d, want %d", len(got), tt.want)
			}
			if tt.entry.APIKey != "" && len(tt.entry.Credentials) == 0 {
				if !got[0].Primary || got[0].APIKey != tt.entry.APIKey {
					t.Errorf("shorthand credential = %+v, want primary with top-level key", got[0])
				}
			}
		})
	}
}

func TestDeploymentID(t *testing.T) {
	t.Parallel()

	explicit := DeploymentEntry{ID: "custom", Model: "m", Provider: "p"}
	if explicit.DeploymentID() != "custom" {
		t.Errorf("explicit id = %q", explicit.DeploymentID())
	}
	derived := DeploymentEntry{Model: "gpt-4o", Provider: "openai"}
	if derived.DeploymentID() != "gpt-4o@openai" {
		t.Errorf("derived id = %q", derived.DeploymentID())
	}
}
