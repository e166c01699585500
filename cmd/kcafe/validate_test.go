package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  api_port: 8081
storage:
  type: postgres
  postgres:
    dsn: postgres://localhost/kcafe
  redis:
    hots: typo
broadcaster:
  interval: 30s
legacy_setting: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}

	want := []string{"legacy_setting", "storage.redis.hots"}
	if len(unknown) != len(want) {
		t.Fatalf("expected %v, got %v", want, unknown)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("expected %v, got %v", want, unknown)
		}
	}
}

func TestValidKeysCoverNestedSections(t *testing.T) {
	keys := validKeys()

	for _, key := range []string{
		"server.api_port",
		"storage.redis.host",
		"storage.postgres.auto_migrate",
		"audit.purge_schedule",
		"pricing.group_cache_ttl",
	} {
		if !keys[key] {
			t.Errorf("expected %s to be a valid key", key)
		}
	}

	if keys["storage.redis"] {
		t.Error("section names should not be leaf keys")
	}
}
