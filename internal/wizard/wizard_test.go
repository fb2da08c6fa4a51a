package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",              // listen address
		"myadmin",            // admin username
		"secretpass",         // admin password
		"1",                  // storage: sqlite (first option)
		"./data/dial.db",     // sqlite path
		"./data/recordings",  // recordings dir
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "dialbridge.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("auth.jwt_secret is empty")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/dial.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/dial.db")
	}
	if cfg.Recordings.StoragePath != "./data/recordings" {
		t.Errorf("recordings.storage_path = %q, want %q", cfg.Recordings.StoragePath, "./data/recordings")
	}
}

func TestWizard_Postgres(t *testing.T) {
	input := strings.Join([]string{
		":8080",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://dial:pass@db:5432/dialbridge", // DSN
		"", // recordings dir (default)
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "dialbridge.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://dial:pass@db:5432/dialbridge" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "postgres://dial:pass@db:5432/dialbridge")
	}
	if cfg.Recordings.StoragePath != "./dialbridge-recordings" {
		t.Errorf("recordings.storage_path = %q, want default", cfg.Recordings.StoragePath)
	}
}

func TestWizardDefaults(t *testing.T) {
	t.Setenv("DIALBRIDGE_ADDR", ":7070")
	t.Setenv("DIALBRIDGE_ADMIN_USER", "ops")
	t.Setenv("DIALBRIDGE_ADMIN_PASSWORD", "ops-password-1")
	t.Setenv("DIALBRIDGE_STORAGE_DRIVER", "sqlite")
	t.Setenv("DIALBRIDGE_STORAGE_DSN", "/tmp/dial.db")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "dialbridge.json")
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "ops" {
		t.Fatalf("initial_admin = %+v, want ops", cfg.Auth.InitialAdmin)
	}
	if cfg.Auth.InitialAdmin.Password != "ops-password-1" {
		t.Errorf("admin password = %q, want env value", cfg.Auth.InitialAdmin.Password)
	}
	if cfg.Storage.DSN != "/tmp/dial.db" {
		t.Errorf("storage.dsn = %q, want /tmp/dial.db", cfg.Storage.DSN)
	}
}
