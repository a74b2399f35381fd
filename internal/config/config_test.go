package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.HTTP.Addr != ":8090" {
		t.Fatalf("unexpected default addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Trial.Days != 30 || cfg.Trial.Credits != 10 {
		t.Fatalf("unexpected trial defaults: days=%d credits=%d", cfg.Trial.Days, cfg.Trial.Credits)
	}
	if cfg.UPI.PaymentTimeout != 15*time.Minute {
		t.Fatalf("unexpected payment timeout: %s", cfg.UPI.PaymentTimeout)
	}
	if len(cfg.Renewal.WarnOffsets) != 3 || cfg.Renewal.WarnOffsets[0] != 7 {
		t.Fatalf("unexpected warn offsets: %v", cfg.Renewal.WarnOffsets)
	}
}

func TestLoadRequiresDSN(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  addr: ":9000"
database:
  dsn: "postgres://file/db"
trial:
  credits: 25
renewal:
  sweep_interval: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AO_DB_DSN", "postgres://env/db")
	t.Setenv("AO_RENEWAL_WARN_OFFSETS", "14, 7,1")
	t.Setenv("AO_PAYMENTS_POLL_INTERVAL", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("yaml addr not applied: %s", cfg.HTTP.Addr)
	}
	if cfg.Database.DSN != "postgres://env/db" {
		t.Fatalf("env must override yaml dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Trial.Credits != 25 {
		t.Fatalf("yaml trial credits not applied: %d", cfg.Trial.Credits)
	}
	if cfg.Renewal.SweepInterval != 5*time.Minute {
		t.Fatalf("yaml sweep interval not applied: %s", cfg.Renewal.SweepInterval)
	}
	if len(cfg.Renewal.WarnOffsets) != 3 || cfg.Renewal.WarnOffsets[0] != 14 || cfg.Renewal.WarnOffsets[2] != 1 {
		t.Fatalf("env warn offsets not applied: %v", cfg.Renewal.WarnOffsets)
	}
	if cfg.Payments.PollInterval != 45*time.Second {
		t.Fatalf("env poll interval not applied: %s", cfg.Payments.PollInterval)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("AO_DB_DSN", "postgres://env/db")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load with absent file: %v", err)
	}
	if cfg.HTTP.Addr != ":8090" {
		t.Fatalf("expected default addr, got %s", cfg.HTTP.Addr)
	}
}
