package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the consulting chatbot service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	LLMProvider   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string
	SummaryModel  string

	// Token budget for the conversation memory manager.
	MaxContextTokens      int
	SummaryReservedTokens int
	// PurgeFoldedTurns deletes raw turns from the store once they have been
	// folded into the running summary. Off by default: the turn log is the
	// source of truth and summaries must stay rebuildable from it.
	PurgeFoldedTurns bool

	ReplyRetryAttempts int
	ReplyRetryBase     time.Duration
	ReplyRetryCap      time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "fridday"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		LLMProvider:      envOrDefault("LLM_PROVIDER", "auto"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		ChatModel:        envOrDefault("CHAT_MODEL", "gpt-4o-mini"),
		SummaryModel:     envOrDefault("SUMMARY_MODEL", ""),

		MaxContextTokens:      2000,
		SummaryReservedTokens: 400,
		PurgeFoldedTurns:      false,

		ReplyRetryAttempts: 2,
		ReplyRetryBase:     200 * time.Millisecond,
		ReplyRetryCap:      2 * time.Second,

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxContextTokens, err = intFromEnv("MEMORY_MAX_TOKENS", cfg.MaxContextTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryReservedTokens, err = intFromEnv("MEMORY_SUMMARY_RESERVED_TOKENS", cfg.SummaryReservedTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.PurgeFoldedTurns, err = boolFromEnv("MEMORY_PURGE_FOLDED", cfg.PurgeFoldedTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyRetryAttempts, err = intFromEnv("REPLY_RETRY_ATTEMPTS", cfg.ReplyRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyRetryBase, err = durationFromEnv("REPLY_RETRY_BASE", cfg.ReplyRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyRetryCap, err = durationFromEnv("REPLY_RETRY_CAP", cfg.ReplyRetryCap)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxContextTokens <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_TOKENS must be positive")
	}
	if cfg.SummaryReservedTokens < 0 {
		return Config{}, fmt.Errorf("MEMORY_SUMMARY_RESERVED_TOKENS must be >= 0")
	}
	if cfg.SummaryReservedTokens >= cfg.MaxContextTokens {
		return Config{}, fmt.Errorf("MEMORY_SUMMARY_RESERVED_TOKENS must be smaller than MEMORY_MAX_TOKENS")
	}
	if cfg.ReplyRetryAttempts < 0 {
		return Config{}, fmt.Errorf("REPLY_RETRY_ATTEMPTS must be >= 0")
	}
	if cfg.ReplyRetryBase <= 0 || cfg.ReplyRetryCap < cfg.ReplyRetryBase {
		return Config{}, fmt.Errorf("REPLY_RETRY_BASE/REPLY_RETRY_CAP must satisfy 0 < base <= cap")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
