package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/store"
)

func TestLoadDefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("IMPORT_SETTINGS_FILE", "")
	t.Setenv("IMPORT_HASH_ALGORITHM", "")
	t.Setenv("OPENAPI_SPEC_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HashAlgorithm != importhash.AlgorithmRolling {
		t.Fatalf("expected rolling default, got %s", cfg.HashAlgorithm)
	}
	if cfg.StoreLimits != store.DefaultLimits() {
		t.Fatalf("expected default limits, got %+v", cfg.StoreLimits)
	}
	if cfg.ReportCacheTTL.Minutes() != 15 {
		t.Fatalf("expected 15 minute report TTL, got %s", cfg.ReportCacheTTL)
	}
	if cfg.StoreDriver != StoreMemory || cfg.OpenAPISpecPath != "openapi.yaml" {
		t.Fatalf("unexpected driver or spec path %q %q", cfg.StoreDriver, cfg.OpenAPISpecPath)
	}
}

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("API_ADDR", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("IMPORT_SETTINGS_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Env != "dev" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected server defaults addr=%q env=%q level=%q", cfg.Addr, cfg.Env, cfg.LogLevel)
	}
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("IMPORT_SETTINGS_FILE", "")
	t.Setenv("IMPORT_HASH_ALGORITHM", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected missing DATABASE_URL to fail")
	}
}

func TestLoadRejectsUnknownDriverAndAlgorithm(t *testing.T) {
	t.Setenv("IMPORT_SETTINGS_FILE", "")
	t.Setenv("IMPORT_HASH_ALGORITHM", "")
	t.Setenv("STORE_DRIVER", "dynamo")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown store driver to fail")
	}

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("IMPORT_HASH_ALGORITHM", "crc32")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown hash algorithm to fail")
	}
}

func TestLoadAppliesImportSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	content := "hashAlgorithm: sha256\nmaxRows: 250\nlimits:\n  lookupValues: 10\n  writeBatch: 100\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("IMPORT_HASH_ALGORITHM", "")
	t.Setenv("IMPORT_SETTINGS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HashAlgorithm != importhash.AlgorithmSHA256 || cfg.ImportMaxRows != 250 {
		t.Fatalf("unexpected settings %+v", cfg)
	}
	want := store.Limits{LookupValues: 10, InsertBatch: store.MaxInsertBatch, WriteBatch: 100}
	if cfg.StoreLimits != want {
		t.Fatalf("expected limits %+v, got %+v", want, cfg.StoreLimits)
	}
}

func TestGetEnvCSVFallsBackOnBlankParts(t *testing.T) {
	t.Setenv("TEST_CSV", " , ")
	got := getEnvCSV("TEST_CSV", []string{"x"})
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for raw, want := range cases {
		if got := (Config{LogLevel: raw}).SlogLevel(); got != want {
			t.Fatalf("SlogLevel(%q): expected %s, got %s", raw, want, got)
		}
	}
}
