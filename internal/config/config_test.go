package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_IsInternallyConsistentButNeedsAnAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HTTP.Port <= 0 {
		t.Fatal("default HTTP port should be positive")
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("expected sqlite as the default store backend, got %q", cfg.Store.Backend)
	}
	if cfg.CommandBus.Backend != "local" {
		t.Fatalf("expected local as the default command bus backend, got %q", cfg.CommandBus.Backend)
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail without an admin API key")
	}
	cfg.Admin.APIKey = "test-key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a valid config once an API key is set, got %v", err)
	}
}

func TestValidate_RejectsUnknownStoreBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admin.APIKey = "k"
	cfg.Store.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject an unsupported store backend")
	}
}

func TestValidate_RequiresRedisAddrForRedisBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admin.APIKey = "k"
	cfg.CommandBus.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to require a redis address")
	}
	cfg.CommandBus.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid once redisAddr is set, got %v", err)
	}
}

func TestLoadFromEnv_OverridesDefaults(t *testing.T) {
	t.Setenv("SHIFTD_HTTP_PORT", "9090")
	t.Setenv("SHIFTD_STORE_BACKEND", "mysql")
	t.Setenv("SHIFTD_STORE_MYSQL_DSN", "user:pass@tcp(127.0.0.1:3306)/shiftd")
	t.Setenv("SHIFTD_ADMIN_API_KEY", "from-env")

	cfg := LoadFromEnv()
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Store.Backend != "mysql" {
		t.Fatalf("expected mysql backend, got %q", cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected env-loaded config to validate, got %v", err)
	}
}

func TestLoadFromFile_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiftd.json")
	body := `{
		"http": {"port": 9999},
		"admin": {"apiKey": "from-file", "rateLimitPerMinute": 50}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.HTTP.Port)
	}
	if cfg.Admin.RateLimitPerMinute != 50 {
		t.Fatalf("expected rateLimitPerMinute 50, got %d", cfg.Admin.RateLimitPerMinute)
	}
	// Defaults not present in the file should survive the merge.
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("expected untouched default store backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadFromFile_RejectsInvalidMergedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiftd.json")
	// No admin.apiKey supplied anywhere — validation should fail.
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected LoadFromFile to reject a config with no admin API key")
	}
}

func TestLoadConfigWithPrecedence_FileOverridesEnv(t *testing.T) {
	t.Setenv("SHIFTD_ADMIN_API_KEY", "from-env")
	t.Setenv("SHIFTD_HTTP_PORT", "1111")

	dir := t.TempDir()
	path := filepath.Join(dir, "shiftd.json")
	body := `{"admin": {"apiKey": "from-file"}, "http": {"port": 2222}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg := LoadConfigWithPrecedence(path)
	if cfg.HTTP.Port != 2222 {
		t.Fatalf("expected file to override env port, got %d", cfg.HTTP.Port)
	}
	if cfg.Admin.APIKey != "from-file" {
		t.Fatalf("expected file to override env API key, got %q", cfg.Admin.APIKey)
	}
}

func TestLoadConfigWithPrecedence_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("SHIFTD_ADMIN_API_KEY", "from-env")
	cfg := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if cfg.Admin.APIKey != "from-env" {
		t.Fatalf("expected env config to survive a missing file, got %q", cfg.Admin.APIKey)
	}
}
