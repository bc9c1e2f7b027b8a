// Package config loads runtime configuration from environment variables
// with an optional YAML override file, following the layered approach the
// teacher gateway config package uses (typed struct, env layer, and a
// minimal JSON schema document).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration surface.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Auth         AuthConfig         `yaml:"auth"`
	Ops          OpsConfig          `yaml:"ops"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Retry        RetryConfig        `yaml:"retry"`
	Redact       RedactConfig       `yaml:"redact"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	DaemonKey     string        `yaml:"-"`
	JWTSecret     string        `yaml:"-"`
	JWTAlgorithm  string        `yaml:"jwt_algorithm"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	WebhookSecret string        `yaml:"-"`
}

type OpsConfig struct {
	OIDCIssuer      string `yaml:"oidc_issuer"`
	OIDCAudience    string `yaml:"oidc_audience"`
	JWKSURL         string `yaml:"jwks_url"`
	RBACClaim       string `yaml:"rbac_claim"`
	TenantClaim     string `yaml:"tenant_claim"`
	WorkspaceClaim  string `yaml:"workspace_claim"`
	AllowedTenants  string `yaml:"allowed_tenants_claim"`
}

type ControlPlaneConfig struct {
	BaseURL        string        `yaml:"base_url"`
	InternalToken  string        `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type ProvidersConfig struct {
	Default  string            `yaml:"default"`
	Cheap    string            `yaml:"cheap"`
	Best     string            `yaml:"best"`
	Fallback string            `yaml:"fallback"`
	APIKeys  map[string]string `yaml:"-"`
}

type WorkspaceConfig struct {
	Path              string `yaml:"path"`
	DefaultTaskTitle  string `yaml:"default_task_title"`
	DefaultTimezone   string `yaml:"default_timezone"`
	TimeContextEnabled bool  `yaml:"time_context_enabled"`
	TruncateChars     int   `yaml:"truncate_chars"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

type RedactConfig struct {
	Salt string `yaml:"-"`
}

// Default returns a configuration with sane defaults, the way the teacher's
// config package seeds zero values before applying overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Store:  StoreConfig{Path: "./data/runtime.db"},
		Auth:   AuthConfig{JWTAlgorithm: "HS256", TokenTTL: 2 * time.Hour},
		ControlPlane: ControlPlaneConfig{WriteTimeout: 10 * time.Second},
		Providers: ProvidersConfig{Default: "openai/gpt-4o-mini", Cheap: "openai/gpt-4o-mini", APIKeys: map[string]string{}},
		Workspace: WorkspaceConfig{Path: "./workspace", DefaultTaskTitle: "Chat", DefaultTimezone: "UTC", TimeContextEnabled: true, TruncateChars: 20000},
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RUNTIME_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("RUNTIME_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	cfg.Auth.DaemonKey = os.Getenv("RUNTIME_DAEMON_KEY")
	cfg.Auth.JWTSecret = os.Getenv("RUNTIME_JWT_SECRET")
	cfg.Auth.WebhookSecret = os.Getenv("RUNTIME_WEBHOOK_SECRET")
	if v := os.Getenv("RUNTIME_CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlane.BaseURL = v
	}
	cfg.ControlPlane.InternalToken = os.Getenv("RUNTIME_INTERNAL_TOKEN")
	cfg.Ops.OIDCIssuer = os.Getenv("RUNTIME_OIDC_ISSUER")
	cfg.Ops.OIDCAudience = os.Getenv("RUNTIME_OIDC_AUDIENCE")
	cfg.Ops.JWKSURL = os.Getenv("RUNTIME_JWKS_URL")
	if v := os.Getenv("RUNTIME_OIDC_RBAC_CLAIM"); v != "" {
		cfg.Ops.RBACClaim = v
	}
	if v := os.Getenv("RUNTIME_OIDC_TENANT_CLAIM"); v != "" {
		cfg.Ops.TenantClaim = v
	}
	cfg.Redact.Salt = os.Getenv("RUNTIME_REDACT_SALT")
	for _, provider := range []string{"anthropic", "openai", "bedrock"} {
		if v := os.Getenv("RUNTIME_" + provider + "_API_KEY"); v != "" {
			cfg.Providers.APIKeys[provider] = v
		}
	}
}

// JSONSchema returns a minimal JSON schema document for Config: the
// top-level type and a description only, with no per-field properties.
// No HTTP endpoint serves it.
func JSONSchema() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "object",
		"description": "governed agent execution runtime configuration",
	})
}
