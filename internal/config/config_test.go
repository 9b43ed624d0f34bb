package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("REPORT_BACKEND", "")
	t.Setenv("STAGE_MAX_ATTEMPTS", "")
	t.Setenv("STAGE_RETRY_INITIAL_DELAY", "")
	t.Setenv("DEFAULT_LANGUAGE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreBackend != StorePostgres || cfg.QueueBackend != QueueNATS {
		t.Fatalf("unexpected backends store=%q queue=%q", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.ReportBackend != ReportOpenAI {
		t.Fatalf("expected default report backend openai, got %q", cfg.ReportBackend)
	}
	if cfg.StageMaxAttempts != 3 {
		t.Fatalf("expected default stage attempts 3, got %d", cfg.StageMaxAttempts)
	}
	if cfg.StageRetryInitialDelay != 10*time.Second {
		t.Fatalf("expected default initial delay 10s, got %s", cfg.StageRetryInitialDelay)
	}
	if cfg.DefaultLanguage != "ar" {
		t.Fatalf("expected default language ar, got %q", cfg.DefaultLanguage)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("STAGE_MAX_ATTEMPTS", "5")
	t.Setenv("STAGE_RETRY_MAX_DELAY", "90s")
	t.Setenv("PROVIDER_RATE_PER_SECOND", "0.5")
	t.Setenv("USE_MOCK_AI", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreBackend != StoreMemory || cfg.QueueBackend != QueueMemory {
		t.Fatalf("unexpected backends store=%q queue=%q", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.StageMaxAttempts != 5 || cfg.StageRetryMaxDelay != 90*time.Second {
		t.Fatalf("unexpected stage settings %d %s", cfg.StageMaxAttempts, cfg.StageRetryMaxDelay)
	}
	if cfg.ProviderRatePerSecond != 0.5 || !cfg.UseMockAI {
		t.Fatalf("unexpected provider settings rate=%v mock=%v", cfg.ProviderRatePerSecond, cfg.UseMockAI)
	}
}

func TestLoadReadsYAMLFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := "STAGE_MAX_ATTEMPTS: 7\nNATS_STREAM: FILE_STREAM\nDEFAULT_LANGUAGE: en\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STAGE_MAX_ATTEMPTS", "")
	t.Setenv("NATS_STREAM", "")
	t.Setenv("DEFAULT_LANGUAGE", "fr")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StageMaxAttempts != 7 || cfg.NATSStream != "FILE_STREAM" {
		t.Fatalf("expected file values, got attempts=%d stream=%q", cfg.StageMaxAttempts, cfg.NATSStream)
	}
	if cfg.DefaultLanguage != "fr" {
		t.Fatalf("environment must win over file, got %q", cfg.DefaultLanguage)
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("REPORT_BACKEND", "anthropic")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "STORE_BACKEND") || !strings.Contains(err.Error(), "REPORT_BACKEND") {
		t.Fatalf("expected both backend errors, got %v", err)
	}
}

func TestLoadFailsOnMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
