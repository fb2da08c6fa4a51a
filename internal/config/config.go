// Package config handles dialbridge configuration loading and validation.
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

// Config is the top-level dialbridge configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Call       CallConfig       `json:"call,omitempty"`
	Recordings RecordingsConfig `json:"recordings,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider         string        `json:"provider,omitempty"`            // "builtin" (default) or "jwks"
	JWKSIssuer       string        `json:"jwks_issuer,omitempty"`         // e.g. "https://login.example.com"
	JWTSecret        string        `json:"jwt_secret"`
	AccessTokenTTL   Duration      `json:"access_token_ttl,omitempty"`    // default 24h
	DeviceSessionTTL Duration      `json:"device_session_ttl,omitempty"`  // default 7 days
	InitialAdmin     *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver           string   `json:"driver"`                       // "sqlite" (default) or "postgres"
	DSN              string   `json:"dsn"`                          // e.g. "dialbridge.db" or ":memory:"
	CallLogRetention Duration `json:"call_log_retention,omitempty"` // default 90 days
}

// CallConfig tunes the signaling relay.
type CallConfig struct {
	ConfirmTimeout    Duration `json:"confirm_timeout,omitempty"`      // dialing to failed bound; default 2m
	MaxDuration       Duration `json:"max_duration,omitempty"`         // active to ended ceiling; default 10m
	PingInterval      Duration `json:"ping_interval,omitempty"`        // liveness sweep interval; default 30s
	MaxPhonesPerOwner int      `json:"max_phones_per_owner,omitempty"` // default 5
	SendBuffer        int      `json:"send_buffer,omitempty"`          // outbound frames buffered per conn; default 32
}

// RecordingsConfig defines where call recordings uploaded by phones land.
type RecordingsConfig struct {
	StoragePath       string `json:"storage_path,omitempty"`        // default "./dialbridge-recordings"
	MaxRecordingBytes int64  `json:"max_recording_bytes,omitempty"` // default 50MB
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
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
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.AccessTokenTTL.Duration == 0 {
		c.Auth.AccessTokenTTL.Duration = 24 * time.Hour
	}
	if c.Auth.DeviceSessionTTL.Duration == 0 {
		c.Auth.DeviceSessionTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "dialbridge.db"
	}
	if c.Storage.CallLogRetention.Duration == 0 {
		c.Storage.CallLogRetention.Duration = 90 * 24 * time.Hour
	}
	if c.Call.ConfirmTimeout.Duration == 0 {
		c.Call.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if c.Call.MaxDuration.Duration == 0 {
		c.Call.MaxDuration.Duration = 10 * time.Minute
	}
	if c.Call.PingInterval.Duration == 0 {
		c.Call.PingInterval.Duration = 30 * time.Second
	}
	if c.Call.MaxPhonesPerOwner == 0 {
		c.Call.MaxPhonesPerOwner = 5
	}
	if c.Call.SendBuffer == 0 {
		c.Call.SendBuffer = 32
	}
	if c.Recordings.StoragePath == "" {
		c.Recordings.StoragePath = "./dialbridge-recordings"
	}
	if c.Recordings.MaxRecordingBytes == 0 {
		c.Recordings.MaxRecordingBytes = 50 * 1024 * 1024 // 50MB
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
