// Package common provides shared utilities for mcpnotes
package common

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for mcpnotes
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Auth        AuthConfig    `toml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	BaseURL string `toml:"base_url"` // public URL the server is reachable at, no trailing slash
}

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageSurrealDB = "surrealdb"
)

// StorageConfig selects where clients, codes, users and notes are kept.
// Address, credentials, namespace and database apply to surrealdb only.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	Address   string `toml:"address"` // e.g. ws://localhost:8001/rpc
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// AuthConfig holds the Authorization Server and Resource Server settings.
//
// Resource must equal the JWT audience and the OAuth resource parameter
// bit-for-bit.
type AuthConfig struct {
	Issuer               string         `toml:"issuer"`
	Resource             string         `toml:"resource"`
	JWTSecret            string         `toml:"jwt_secret"`
	AccessTokenExpiry    string         `toml:"access_token_expiry"`
	CodeExpiry           string         `toml:"code_expiry"`
	AllowedRedirectURIs  []string       `toml:"allowed_redirect_uris"`
	MetadataAllowedHosts []string       `toml:"metadata_allowed_hosts"`
	MetadataFetchTimeout string         `toml:"metadata_fetch_timeout"`
	MetadataCacheTTL     string         `toml:"metadata_cache_ttl"`
	DocumentationURL     string         `toml:"documentation_url"`
	Users                []UserConfig   `toml:"users"`
	Clients              []ClientConfig `toml:"clients"`
}

// UserConfig is a demo account accepted on the consent page.
type UserConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
}

// ClientConfig is a statically pre-registered public client.
type ClientConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientName   string   `toml:"client_name"`
	RedirectURIs []string `toml:"redirect_uris"`
}

// GetAccessTokenExpiry parses and returns the access token lifetime.
func (c *AuthConfig) GetAccessTokenExpiry() time.Duration {
	return parseDurationOr(c.AccessTokenExpiry, time.Hour)
}

// GetCodeExpiry parses and returns the authorization code lifetime.
func (c *AuthConfig) GetCodeExpiry() time.Duration {
	return parseDurationOr(c.CodeExpiry, 5*time.Minute)
}

// GetMetadataFetchTimeout parses and returns the client metadata document fetch timeout.
func (c *AuthConfig) GetMetadataFetchTimeout() time.Duration {
	return parseDurationOr(c.MetadataFetchTimeout, 5*time.Second)
}

// GetMetadataCacheTTL returns the freshness lifetime used when a metadata
// document response carries no caching headers.
func (c *AuthConfig) GetMetadataCacheTTL() time.Duration {
	return parseDurationOr(c.MetadataCacheTTL, 5*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8000,
			BaseURL: "http://localhost:8000",
		},
		Storage: StorageConfig{
			Backend:   StorageMemory,
			Address:   "ws://localhost:8001/rpc",
			Username:  "root",
			Password:  "root",
			Namespace: "mcpnotes",
			Database:  "mcpnotes",
		},
		Auth: AuthConfig{
			Issuer:               "http://localhost:8000",
			Resource:             "http://localhost:8000/mcp",
			JWTSecret:            "dev-jwt-secret-change-in-production",
			AccessTokenExpiry:    "1h",
			CodeExpiry:           "5m",
			MetadataFetchTimeout: "5s",
			MetadataCacheTTL:     "5m",
			AllowedRedirectURIs: []string{
				"http://localhost:6274/oauth/callback",
				"https://chatgpt.com/connector_platform_oauth_redirect",
			},
			Users: []UserConfig{
				{Username: "demo", Password: "demo", Name: "Demo User"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Later files override earlier ones
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	config.Auth.Issuer = strings.TrimRight(config.Auth.Issuer, "/")
	config.Server.BaseURL = strings.TrimRight(config.Server.BaseURL, "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MCPNOTES_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("MCPNOTES_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("MCPNOTES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if v := os.Getenv("MCPNOTES_BASE_URL"); v != "" {
		config.Server.BaseURL = strings.TrimRight(v, "/")
	}

	// Storage overrides
	if v := os.Getenv("MCPNOTES_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("MCPNOTES_STORAGE_ADDRESS"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("MCPNOTES_STORAGE_USERNAME"); v != "" {
		config.Storage.Username = v
	}
	if v := os.Getenv("MCPNOTES_STORAGE_PASSWORD"); v != "" {
		config.Storage.Password = v
	}

	if level := os.Getenv("MCPNOTES_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Auth overrides
	if v := os.Getenv("MCPNOTES_AUTH_ISSUER"); v != "" {
		config.Auth.Issuer = v
	}
	if v := os.Getenv("MCPNOTES_AUTH_RESOURCE"); v != "" {
		config.Auth.Resource = v
	}
	if v := os.Getenv("MCPNOTES_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("MCPNOTES_AUTH_ACCESS_TOKEN_EXPIRY"); v != "" {
		config.Auth.AccessTokenExpiry = v
	}
	if v := os.Getenv("MCPNOTES_AUTH_CODE_EXPIRY"); v != "" {
		config.Auth.CodeExpiry = v
	}
	if v := os.Getenv("MCPNOTES_AUTH_ALLOWED_REDIRECT_URIS"); v != "" {
		config.Auth.AllowedRedirectURIs = splitList(v)
	}
	if v := os.Getenv("MCPNOTES_AUTH_METADATA_ALLOWED_HOSTS"); v != "" {
		config.Auth.MetadataAllowedHosts = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the settings the OAuth flow cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Auth.Issuer == "" {
		missing = append(missing, "auth.issuer")
	}
	if c.Auth.Resource == "" {
		missing = append(missing, "auth.resource")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.Auth.Resource)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("auth.resource must be an absolute URL: %q", c.Auth.Resource)
	}
	if u.Fragment != "" {
		return fmt.Errorf("auth.resource must not contain a fragment: %q", c.Auth.Resource)
	}
	switch c.Storage.Backend {
	case "", StorageMemory:
	case StorageSurrealDB:
		if c.Storage.Address == "" {
			return fmt.Errorf("storage.address is required for the surrealdb backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (supported: memory, surrealdb)", c.Storage.Backend)
	}
	if c.IsProduction() && c.Auth.JWTSecret == NewDefaultConfig().Auth.JWTSecret {
		return fmt.Errorf("auth.jwt_secret must be changed in production")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResourceMetadataURL is the protected-resource discovery URL advertised in
// WWW-Authenticate challenges.
func (c *Config) ResourceMetadataURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/.well-known/oauth-protected-resource"
}
