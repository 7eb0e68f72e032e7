package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterlabs/dispatch/internal/types"
)

func setTestKeys(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")
}

func TestLoadDefaults(t *testing.T) {
	setTestKeys(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if len(cfg.Catalog.Providers) == 0 {
		t.Fatal("Default catalog must not be empty")
	}
	if cfg.Catalog.UltimateDefault == "" {
		t.Error("Default catalog must name an ultimate default provider")
	}
	for _, plan := range types.KnownPlanTiers {
		if _, ok := cfg.Pressure[plan]; !ok {
			t.Errorf("Missing pressure thresholds for plan %s", plan)
		}
		if _, ok := cfg.Quota[plan]; !ok {
			t.Errorf("Missing quota allocations for plan %s", plan)
		}
		if _, ok := cfg.Catalog.SafeDefaults[plan]; !ok {
			t.Errorf("Missing safe default for plan %s", plan)
		}
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	setTestKeys(t)
	t.Setenv("DISPATCH_PORT", "9090")
	t.Setenv("DISPATCH_LOG_LEVEL", "debug")
	t.Setenv("DISPATCH_LOG_FORMAT", "text")
	t.Setenv("DISPATCH_JWT_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected log format text, got %s", cfg.Logging.Format)
	}
	if cfg.Security.Auth.JWTSecret != "env-secret" {
		t.Error("JWT secret env override not applied")
	}
	if cfg.Providers.OpenAI.APIKey != "test-openai-key" {
		t.Error("OpenAI API key env override not applied")
	}
}

func TestLoadFromFile(t *testing.T) {
	setTestKeys(t)

	content := `
server:
  port: "7070"
  read_timeout: 10s
logging:
  level: warn
breaker:
  failure_threshold: 3
  cooldown: 30s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("Expected port 7070 from file, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("Expected read timeout 10s from file, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn from file, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Expected breaker threshold 3 from file, got %d", cfg.Breaker.FailureThreshold)
	}
	// Sections absent from the file keep their defaults.
	if len(cfg.Catalog.Providers) == 0 {
		t.Error("Catalog defaults should survive a partial file")
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	setTestKeys(t)
	t.Setenv("DISPATCH_LOG_LEVEL", "verbose")

	if _, err := Load(""); err == nil {
		t.Fatal("Expected error for invalid log level")
	}
}

func TestLoadRejectsMissingProviderKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := Load(""); err == nil {
		t.Fatal("Expected error when catalog families have no API keys")
	}
}

func TestLoadRejectsBrokenCatalog(t *testing.T) {
	setTestKeys(t)

	content := `
catalog:
  providers:
    - id: solo
      family: openai
      model: gpt-4o
      cost_per_unit: 1.0
      quality: 0.5
      latency: 0.5
      reliability: 0.5
  ultimate_default: nonexistent
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for ultimate default missing from catalog")
	}
}

func TestLoadRejectsNonAscendingThresholds(t *testing.T) {
	setTestKeys(t)

	content := `
pressure:
  free:
    low: 0.9
    medium: 0.5
    high: 0.95
    critical: 0.99
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for non-ascending pressure thresholds")
	}
}
