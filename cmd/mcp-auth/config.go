package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is read from the environment, after an optional .env file.
type Config struct {
	Addr     string `env:"MCP_AUTH_ADDR,default=:8080"`
	BaseURL  string `env:"MCP_AUTH_BASE_URL,default=http://localhost:8080"`
	BasePath string `env:"MCP_AUTH_BASE_PATH,default=/api/auth"`
	Secret   string `env:"MCP_AUTH_SECRET"`

	// TrustedOrigins is a comma-separated list
	TrustedOrigins string `env:"MCP_AUTH_TRUSTED_ORIGINS"`

	LogLevel  string `env:"MCP_AUTH_LOG_LEVEL,default=info"`
	LogFormat string `env:"MCP_AUTH_LOG_FORMAT,default=text"`

	// DatabaseDriver is "memory", "sqlite" or "postgres"
	DatabaseDriver string `env:"MCP_AUTH_DATABASE_DRIVER,default=memory"`
	DatabaseDSN    string `env:"MCP_AUTH_DATABASE_DSN"`
	AutoMigrate    bool   `env:"MCP_AUTH_AUTO_MIGRATE,default=true"`

	// StateStore is "memory", "valkey" or "redis". Redis reads REDIS_ADDR,
	// REDIS_PASSWORD and REDIS_DB.
	StateStore     string `env:"MCP_AUTH_STATE_STORE,default=memory"`
	ValkeyAddr     string `env:"VALKEY_ADDR,default=localhost:6379"`
	ValkeyPassword string `env:"VALKEY_PASSWORD"`

	// ProvidersFile is a YAML file of social sign-in providers
	ProvidersFile   string `env:"MCP_AUTH_PROVIDERS_FILE"`
	EnablePasswords bool   `env:"MCP_AUTH_ENABLE_PASSWORDS,default=true"`

	// ElectronRedirectURL enables the desktop handoff when set
	ElectronRedirectURL string `env:"MCP_AUTH_ELECTRON_REDIRECT_URL"`

	// Scopes is a space-separated list offered to MCP clients
	Scopes            string        `env:"MCP_AUTH_SCOPES"`
	RegistrationToken string        `env:"MCP_AUTH_REGISTRATION_TOKEN"`
	AccessTokenTTL    time.Duration `env:"MCP_AUTH_ACCESS_TOKEN_TTL,default=1h"`

	// UpstreamIssuer also accepts access tokens of another OIDC issuer
	UpstreamIssuer   string `env:"MCP_AUTH_UPSTREAM_ISSUER"`
	UpstreamAudience string `env:"MCP_AUTH_UPSTREAM_AUDIENCE"`

	RateLimit      bool `env:"MCP_AUTH_RATE_LIMIT,default=true"`
	AuditLogging   bool `env:"MCP_AUTH_AUDIT_LOGGING,default=true"`
	TrustProxy     bool `env:"MCP_AUTH_TRUST_PROXY,default=false"`
	Metrics        bool `env:"MCP_AUTH_METRICS,default=true"`
	TraceClientIPs bool `env:"MCP_AUTH_TRACE_CLIENT_IPS,default=false"`

	ShutdownTimeout time.Duration `env:"MCP_AUTH_SHUTDOWN_TIMEOUT,default=30s"`
}

// loadConfig loads envFile when it exists and decodes the environment.
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) trustedOrigins() []string { return splitList(c.TrustedOrigins, ",") }

func (c *Config) scopes() []string { return splitList(c.Scopes, " ") }

func splitList(s, sep string) []string {
	var out []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *Config) newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ProviderSpec is one entry of the providers file. String values may
// reference environment variables as ${NAME}.
type ProviderSpec struct {
	// Type is "google", "github", "dex" or "oidc"
	Type         string   `yaml:"type"`
	ID           string   `yaml:"id,omitempty"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// Issuer of dex and oidc providers
	Issuer string `yaml:"issuer,omitempty"`

	// ConnectorID selects a Dex connector
	ConnectorID string `yaml:"connectorId,omitempty"`

	HostedDomain         string   `yaml:"hostedDomain,omitempty"`
	AllowedOrganizations []string `yaml:"allowedOrganizations,omitempty"`
	DisableSignUp        bool     `yaml:"disableSignUp,omitempty"`
}

type providersFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

func loadProviders(path string) ([]ProviderSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return parseProviders(data)
}

func parseProviders(data []byte) ([]ProviderSpec, error) {
	var f providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	for i, p := range f.Providers {
		switch p.Type {
		case "google", "github":
		case "dex", "oidc":
			if p.Issuer == "" {
				return nil, fmt.Errorf("provider %d (%s): issuer is required", i, p.Type)
			}
		default:
			return nil, fmt.Errorf("provider %d: unknown type %q", i, p.Type)
		}
		if p.ClientID == "" {
			return nil, fmt.Errorf("provider %d (%s): clientId is required", i, p.Type)
		}
	}
	return f.Providers, nil
}
