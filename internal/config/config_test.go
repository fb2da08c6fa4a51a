package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"access_token_ttl": "2h",
			"device_session_ttl": "48h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"call_log_retention": "72h"
		},
		"call": {
			"confirm_timeout": "45s",
			"max_duration": "5m",
			"ping_interval": "10s",
			"max_phones_per_owner": 3,
			"send_buffer": 16
		},
		"recordings": {
			"storage_path": "/var/lib/dialbridge/recordings",
			"max_recording_bytes": 1048576
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}

	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.AccessTokenTTL.Duration != 2*time.Hour {
		t.Errorf("Auth.AccessTokenTTL: got %v, want 2h", cfg.Auth.AccessTokenTTL.Duration)
	}
	if cfg.Auth.DeviceSessionTTL.Duration != 48*time.Hour {
		t.Errorf("Auth.DeviceSessionTTL: got %v, want 48h", cfg.Auth.DeviceSessionTTL.Duration)
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("Auth.InitialAdmin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("InitialAdmin.Username: got %q", cfg.Auth.InitialAdmin.Username)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.CallLogRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.CallLogRetention: got %v, want 72h", cfg.Storage.CallLogRetention.Duration)
	}

	if cfg.Call.ConfirmTimeout.Duration != 45*time.Second {
		t.Errorf("Call.ConfirmTimeout: got %v, want 45s", cfg.Call.ConfirmTimeout.Duration)
	}
	if cfg.Call.MaxDuration.Duration != 5*time.Minute {
		t.Errorf("Call.MaxDuration: got %v, want 5m", cfg.Call.MaxDuration.Duration)
	}
	if cfg.Call.PingInterval.Duration != 10*time.Second {
		t.Errorf("Call.PingInterval: got %v, want 10s", cfg.Call.PingInterval.Duration)
	}
	if cfg.Call.MaxPhonesPerOwner != 3 {
		t.Errorf("Call.MaxPhonesPerOwner: got %d, want 3", cfg.Call.MaxPhonesPerOwner)
	}
	if cfg.Call.SendBuffer != 16 {
		t.Errorf("Call.SendBuffer: got %d, want 16", cfg.Call.SendBuffer)
	}

	if cfg.Recordings.StoragePath != "/var/lib/dialbridge/recordings" {
		t.Errorf("Recordings.StoragePath: got %q", cfg.Recordings.StoragePath)
	}
	if cfg.Recordings.MaxRecordingBytes != 1048576 {
		t.Errorf("Recordings.MaxRecordingBytes: got %d, want 1048576", cfg.Recordings.MaxRecordingBytes)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-here"}
	}`
	path := writeTempConfig(t, noAddr)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.jwt_secret
	noSecret := `{
		"server": {"addr": ":8080"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	// Short secret
	shortSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "too-short"}
	}`
	path = writeTempConfig(t, shortSecret)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for short auth.jwt_secret, got nil")
	}

	// jwks provider without issuer
	noIssuer := `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "jwks"}
	}`
	path = writeTempConfig(t, noIssuer)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for jwks provider without issuer, got nil")
	}

	// TLS cert without key
	certOnly := `{
		"server": {"addr": ":8080", "tls_cert": "/etc/ssl/cert.pem"},
		"auth": {"jwt_secret": "some-secret-value-long-enough-here"}
	}`
	path = writeTempConfig(t, certOnly)
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for tls_cert without tls_key, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	// Minimal valid config -- only required fields
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.AccessTokenTTL.Duration != 24*time.Hour {
		t.Errorf("default AccessTokenTTL: got %v, want 24h", cfg.Auth.AccessTokenTTL.Duration)
	}
	if cfg.Auth.DeviceSessionTTL.Duration != 7*24*time.Hour {
		t.Errorf("default DeviceSessionTTL: got %v, want 168h", cfg.Auth.DeviceSessionTTL.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "dialbridge.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "dialbridge.db")
	}
	if cfg.Storage.CallLogRetention.Duration != 90*24*time.Hour {
		t.Errorf("default CallLogRetention: got %v, want 2160h", cfg.Storage.CallLogRetention.Duration)
	}
	if cfg.Call.ConfirmTimeout.Duration != 2*time.Minute {
		t.Errorf("default ConfirmTimeout: got %v, want 2m", cfg.Call.ConfirmTimeout.Duration)
	}
	if cfg.Call.MaxDuration.Duration != 10*time.Minute {
		t.Errorf("default MaxDuration: got %v, want 10m", cfg.Call.MaxDuration.Duration)
	}
	if cfg.Call.PingInterval.Duration != 30*time.Second {
		t.Errorf("default PingInterval: got %v, want 30s", cfg.Call.PingInterval.Duration)
	}
	if cfg.Call.MaxPhonesPerOwner != 5 {
		t.Errorf("default MaxPhonesPerOwner: got %d, want 5", cfg.Call.MaxPhonesPerOwner)
	}
	if cfg.Call.SendBuffer != 32 {
		t.Errorf("default SendBuffer: got %d, want 32", cfg.Call.SendBuffer)
	}
	if cfg.Recordings.StoragePath != "./dialbridge-recordings" {
		t.Errorf("default Recordings.StoragePath: got %q", cfg.Recordings.StoragePath)
	}
	if cfg.Recordings.MaxRecordingBytes != 50*1024*1024 {
		t.Errorf("default MaxRecordingBytes: got %d, want %d", cfg.Recordings.MaxRecordingBytes, 50*1024*1024)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"call": {"confirm_timeout": 90}
	}`
	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.ConfirmTimeout.Duration != 90*time.Second {
		t.Errorf("numeric duration: got %v, want 90s", cfg.Call.ConfirmTimeout.Duration)
	}
}

func TestWeakSecretRejected(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`
	path := writeTempConfig(t, configJSON)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for weak secret, got nil")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
