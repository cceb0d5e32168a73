package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.LLMProvider != "auto" {
		t.Fatalf("LLMProvider = %q, want %q", cfg.LLMProvider, "auto")
	}
	if cfg.MaxContextTokens != 2000 {
		t.Fatalf("MaxContextTokens = %d, want 2000", cfg.MaxContextTokens)
	}
	if cfg.SummaryReservedTokens != 400 {
		t.Fatalf("SummaryReservedTokens = %d, want 400", cfg.SummaryReservedTokens)
	}
	if cfg.PurgeFoldedTurns {
		t.Fatalf("PurgeFoldedTurns defaults to false: folded turns are kept")
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout)
	}
}

func TestLoadExplicitBudget(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_MAX_TOKENS", "1200")
	t.Setenv("MEMORY_SUMMARY_RESERVED_TOKENS", "300")
	t.Setenv("MEMORY_PURGE_FOLDED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextTokens != 1200 || cfg.SummaryReservedTokens != 300 {
		t.Fatalf("budget = %d/%d, want 1200/300", cfg.MaxContextTokens, cfg.SummaryReservedTokens)
	}
	if !cfg.PurgeFoldedTurns {
		t.Fatalf("PurgeFoldedTurns = false, want true")
	}
}

func TestLoadRejectsReservedAtOrAboveMax(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_MAX_TOKENS", "500")
	t.Setenv("MEMORY_SUMMARY_RESERVED_TOKENS", "500")

	if _, err := Load(); err == nil {
		t.Fatalf("reserved tokens equal to the budget must fail validation")
	}
}

func TestLoadRejectsMalformedBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_PURGE_FOLDED", "maybe")

	if _, err := Load(); err == nil {
		t.Fatalf("malformed bool must fail validation")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"LLM_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"CHAT_MODEL",
		"SUMMARY_MODEL",
		"MEMORY_MAX_TOKENS",
		"MEMORY_SUMMARY_RESERVED_TOKENS",
		"MEMORY_PURGE_FOLDED",
		"REPLY_RETRY_ATTEMPTS",
		"REPLY_RETRY_BASE",
		"REPLY_RETRY_CAP",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
