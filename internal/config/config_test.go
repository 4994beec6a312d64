package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("KIS_PAPER_APP_KEY", "pk")
	t.Setenv("KIS_PAPER_APP_SECRET", "ps")
	t.Setenv("KIS_PAPER_ACCOUNT_NO", "12345678-01")
	t.Setenv("USE_PAPER", "true")
	t.Setenv("KIS_APP_KEY", "")
	t.Setenv("KRX_DRY_RUN", "")

	path := writeTempConfig(t, "logging:\n  level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.UsePaper {
		t.Error("USE_PAPER=true should select paper mode")
	}
	if cfg.Strategy.BaseFraction != 0.20 {
		t.Errorf("base_fraction default = %v, want 0.20", cfg.Strategy.BaseFraction)
	}
	if cfg.Broker.RatePerSec != 18 {
		t.Errorf("rate_per_sec default = %v, want 18", cfg.Broker.RatePerSec)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug (from file)", cfg.Logging.Level)
	}

	creds := cfg.Broker.Active(cfg.UsePaper)
	if creds.AppKey != "pk" || creds.AccountNo != "12345678-01" {
		t.Errorf("active credentials = %+v, want paper pair", creds)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	t.Setenv("KIS_PAPER_APP_KEY", "")
	t.Setenv("KIS_PAPER_APP_SECRET", "")
	t.Setenv("KIS_PAPER_ACCOUNT_NO", "")
	t.Setenv("USE_PAPER", "true")

	path := writeTempConfig(t, "use_paper: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate should fail without paper credentials")
	}

	// Dry-run does not need broker credentials.
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("dry-run Validate: %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	t.Setenv("KIS_PAPER_APP_KEY", "pk")
	t.Setenv("KIS_PAPER_APP_SECRET", "ps")
	t.Setenv("KIS_PAPER_ACCOUNT_NO", "12345678-01")
	t.Setenv("USE_PAPER", "true")

	path := writeTempConfig(t, "use_paper: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Strategy.BaseFraction = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("base_fraction > 1 should fail validation")
	}
	cfg.Strategy.BaseFraction = 0.20

	cfg.Executor.Stage2Ticks = cfg.Executor.Stage1Ticks
	if err := cfg.Validate(); err == nil {
		t.Error("stage2_ticks ≤ stage1_ticks should fail validation")
	}
}
