package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Polling.Interval != 60 {
		t.Fatalf("default interval = %d, want 60", cfg.Polling.Interval)
	}
	if cfg.Identity.Path == "" {
		t.Fatal("expected default identity path")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	body := []byte("server:\n  url: https://file.example\npolling:\n  interval_s: 45\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DROVER_SERVER_URL", "https://env.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.URL != "https://env.example" {
		t.Fatalf("env override lost: %s", cfg.Server.URL)
	}
	if cfg.Polling.Interval != 45 {
		t.Fatalf("file value lost: %d", cfg.Polling.Interval)
	}
}

func TestValidateRejectsShortInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "https://drover.example"
	cfg.Polling.Interval = 5
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
}

func TestValidateRejectsKeyRequiredWithoutSigning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "https://drover.example"
	cfg.Identity.KeyRequired = true
	cfg.Identity.UseSigning = false
	if err := cfg.Validate(); !errors.Is(err, ErrKeyRequiredWithoutSigning) {
		t.Fatalf("err = %v, want ErrKeyRequiredWithoutSigning", err)
	}

	cfg.Identity.UseSigning = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate with signing enabled: %v", err)
	}
}

func TestValidateDefaultsRetrySettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "https://drover.example"
	cfg.Server.RetryInitialMs = 0
	cfg.Server.RetryMaxMs = -1
	cfg.Updates.Variant = "bogus"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.RetryInitialMs != 500 || cfg.Server.RetryMaxMs != 10000 {
		t.Fatalf("retry defaults not applied: %+v", cfg.Server)
	}
	if cfg.Updates.Variant != "persistent" {
		t.Fatalf("variant not defaulted: %s", cfg.Updates.Variant)
	}
}
