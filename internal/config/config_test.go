package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("RANK_CONCURRENCY", "")
	t.Setenv("STALE_RUN_AFTER", "")
	t.Setenv("CEIPAL_BASE_URL", "https://ats.example.com/v1/")

	cfg := LoadConfig()
	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %q, want openai", cfg.LLMProvider)
	}
	if cfg.RankConcurrency != 5 {
		t.Errorf("RankConcurrency = %d, want 5", cfg.RankConcurrency)
	}
	if cfg.StaleRunAfter != 30*time.Minute {
		t.Errorf("StaleRunAfter = %v, want 30m", cfg.StaleRunAfter)
	}
	if cfg.CeipalBaseURL != "https://ats.example.com/v1" {
		t.Errorf("CeipalBaseURL = %q, trailing slash not trimmed", cfg.CeipalBaseURL)
	}
	if cfg.FallbackModel != "gpt-4o-mini" {
		t.Errorf("FallbackModel = %q", cfg.FallbackModel)
	}
}

func TestGetDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 7 * time.Second},
		{"90s", 90 * time.Second},
		{"45", 45 * time.Second},
		{"garbage", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.raw)
		if got := getDuration("TEST_DURATION", 7*time.Second); got != tt.want {
			t.Errorf("getDuration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestGroqProviderPicksGroqKey(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "groq")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := LoadConfig()
	if cfg.LLMAPIKey != "gsk-test" {
		t.Errorf("LLMAPIKey = %q, want groq key", cfg.LLMAPIKey)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Errorf("OpenAIAPIKey = %q, embeddings still need the OpenAI key", cfg.OpenAIAPIKey)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	if got := NewLogger("debug").GetLevel(); got != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", got)
	}
	if got := NewLogger("nope").GetLevel(); got != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", got)
	}
}
