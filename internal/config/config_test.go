package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("unexpected address %s", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database settings %#v", cfg)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		testContext.Fatalf("unexpected storage driver %s", cfg.StorageDriver)
	}
	if !cfg.LockEditsAfterSubmit {
		testContext.Fatalf("expected edits to lock after submit by default")
	}
	if cfg.MaxPageSize != defaultMaxPageSize {
		testContext.Fatalf("unexpected max page size %d", cfg.MaxPageSize)
	}
	if cfg.EventHeartbeat != 20*time.Second {
		testContext.Fatalf("unexpected heartbeat %s", cfg.EventHeartbeat)
	}
	if cfg.RateLimitEnabled() {
		testContext.Fatalf("rate limiting must be off without a redis address")
	}
	if len(cfg.AllowedOrigins) != 0 {
		testContext.Fatalf("expected no allowed origins by default, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("BOARDREADY_AUTH_SIGNING_SECRET", "env-secret")
	testContext.Setenv("BOARDREADY_DEVICES_LOCK_EDITS_AFTER_SUBMIT", "false")
	testContext.Setenv("BOARDREADY_RATELIMIT_REDIS_ADDR", "localhost:6379")
	testContext.Setenv("BOARDREADY_HTTP_ALLOWED_ORIGINS", "https://boards.example.com, https://admin.example.com/")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthSigningKey != "env-secret" {
		testContext.Fatalf("expected signing secret from environment")
	}
	if cfg.LockEditsAfterSubmit {
		testContext.Fatalf("expected lock policy to be disabled from environment")
	}
	if !cfg.RateLimitEnabled() {
		testContext.Fatalf("expected rate limiting to be enabled")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://boards.example.com" || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		testContext.Fatalf("unexpected allowed origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(testContext *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		message  string
	}{
		{name: "missing secret", settings: map[string]any{}, message: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"database.driver": "mysql"}, message: "database.driver"},
		{name: "postgres without dsn", settings: map[string]any{"database.driver": "postgres"}, message: "database.dsn"},
		{name: "minio without endpoint", settings: map[string]any{"storage.driver": "minio"}, message: "minio.endpoint"},
		{name: "unknown storage", settings: map[string]any{"storage.driver": "disk"}, message: "storage.driver"},
		{name: "bad origin", settings: map[string]any{"http.allowed_origins": []string{"boards.example.com"}}, message: "http.allowed_origins"},
		{name: "page size", settings: map[string]any{"devices.max_page_size": 0}, message: "devices.max_page_size"},
		{name: "upload quota", settings: map[string]any{"ratelimit.redis_addr": "localhost:6379", "ratelimit.uploads_per_minute": 0}, message: "uploads_per_minute"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.message, err)
			}
		})
	}
}
