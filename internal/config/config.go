// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Bridge    BridgeConfig    `json:"bridge,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max HTTP request body; default 1MB
}

// AuthConfig defines how client identities are verified.
type AuthConfig struct {
	Provider    string       `json:"provider,omitempty"`    // "builtin" (default) or "jwks"
	JWTSecret   string       `json:"jwt_secret,omitempty"`  // builtin only
	JWTExpiry   Duration     `json:"jwt_expiry,omitempty"`  // builtin only; default 24h
	JWKSIssuer  string       `json:"jwks_issuer,omitempty"` // jwks only: issuer base URL
	InitialUser *InitialUser `json:"initial_user,omitempty"`
}

// InitialUser is used to bootstrap the first account for the builtin provider.
type InitialUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "wirechat.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // chat history retention; 0 keeps forever
}

// Backlog modes: what gets pushed to a freshly connected client.
const (
	BacklogSummary  = "summary"  // unread counts grouped by partner
	BacklogMessages = "messages" // the undelivered messages themselves
)

// SessionConfig defines per-connection behavior.
type SessionConfig struct {
	MaxConnsPerUser int    `json:"max_conns_per_user,omitempty"` // default 10
	MaxMessageBytes int64  `json:"max_message_bytes,omitempty"`  // max WS frame from client; default 64KB
	BacklogMode     string `json:"backlog_mode,omitempty"`       // "summary" (default) or "messages"
	BacklogLimit    int    `json:"backlog_limit,omitempty"`      // max messages pushed on connect; default 100
	AckDelivery     bool   `json:"ack_delivery,omitempty"`       // send DELIVERY_STATUS back to the sender
}

// BridgeConfig defines the optional Redis delivery bridge between gateway
// instances. Disabled when Addr is empty.
type BridgeConfig struct {
	Addr     string `json:"addr,omitempty"` // e.g. "localhost:6379"
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings for the HTTP API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if m := c.Session.BacklogMode; m != "" && m != BacklogSummary && m != BacklogMessages {
		return fmt.Errorf("session.backlog_mode must be %q or %q", BacklogSummary, BacklogMessages)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "wirechat.db"
	}
	if c.Session.MaxConnsPerUser == 0 {
		c.Session.MaxConnsPerUser = 10
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.BacklogMode == "" {
		c.Session.BacklogMode = BacklogSummary
	}
	if c.Session.BacklogLimit == 0 {
		c.Session.BacklogLimit = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
