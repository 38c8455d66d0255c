package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
target_tps: 5000
max_concurrent_machines: 250000
history_batch_size: 1000
playback_enabled: true
debug_websocket_port: 9999
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TargetTPS != 5000 {
		t.Errorf("TargetTPS = %d, want 5000", cfg.TargetTPS)
	}
	if cfg.MaxConcurrentMachines != 250000 {
		t.Errorf("MaxConcurrentMachines = %d, want 250000", cfg.MaxConcurrentMachines)
	}
	if !cfg.PlaybackEnabled {
		t.Error("PlaybackEnabled should be true")
	}
	// Untouched fields keep their defaults.
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want default 30", cfg.RetentionDays)
	}
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	path := writeConfigFile(t, "history_batch_size: 50000\n")
	if _, err := Load(path); err == nil {
		t.Error("expected out-of-range history_batch_size to fail validation")
	}

	path = writeConfigFile(t, "max_concurrent_machines: 0\n")
	if _, err := Load(path); err == nil {
		t.Error("expected zero max_concurrent_machines to fail validation")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected missing file to fail")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfigFile(t, "target_tps: 100\n")

	t.Setenv("SM_TARGET_TPS", "7777")
	t.Setenv("SM_ENABLE_PERFORMANCE_METRICS", "true")

	cfg, err := LoadWithEnv(path, "SM")
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.TargetTPS != 7777 {
		t.Errorf("TargetTPS = %d, want env override 7777", cfg.TargetTPS)
	}
	if !cfg.EnablePerformanceMetrics {
		t.Error("EnablePerformanceMetrics should come from the environment")
	}
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("SM_TARGET_TPS", "not-a-number")
	if _, err := LoadWithEnv("", "SM"); err == nil {
		t.Error("expected unparsable env value to fail")
	}
}
