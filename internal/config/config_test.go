package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "redis" {
		t.Errorf("Expected storage type redis, got %s", cfg.Storage.Type)
	}
	if cfg.Server.APIPort != 8080 {
		t.Errorf("Expected API port 8080, got %d", cfg.Server.APIPort)
	}
	if Duration(cfg.Broadcaster.Interval) != time.Minute {
		t.Errorf("Expected broadcaster interval 1m, got %s", cfg.Broadcaster.Interval)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kcafe.yaml")
	yaml := "server:\n  api_port: 9000\nbroadcaster:\n  interval: 30s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("KCAFE_SERVER_API_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.APIPort != 9100 {
		t.Errorf("Expected env override 9100, got %d", cfg.Server.APIPort)
	}
	if cfg.Broadcaster.Interval != "30s" {
		t.Errorf("Expected interval from file, got %s", cfg.Broadcaster.Interval)
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kcafe.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KCAFE_AUDIT_RETENTION_DAYS=7\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("KCAFE_AUDIT_RETENTION_DAYS") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Audit.RetentionDays != 7 {
		t.Errorf("Expected retention from .env, got %d", cfg.Audit.RetentionDays)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage type", map[string]string{"KCAFE_STORAGE_TYPE": "bolt"}},
		{"postgres without dsn", map[string]string{"KCAFE_STORAGE_TYPE": "postgres"}},
		{"bad interval", map[string]string{"KCAFE_BROADCASTER_INTERVAL": "soon"}},
		{"zero retention", map[string]string{"KCAFE_AUDIT_RETENTION_DAYS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}
