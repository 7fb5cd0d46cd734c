package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	Store       string // "postgres" or "memory"
	Port        string
	LogLevel    string

	// ATS
	CeipalBaseURL      string
	CeipalEmail        string
	CeipalPassword     string
	CeipalAPIKey       string
	CeipalAccessToken  string
	CeipalRefreshToken string

	// Document parsing
	Parser            string // "llamaparse" or "local"
	LlamaParseAPIKey  string
	LlamaParseBaseURL string
	ParseCostPerPage  float64

	// LLM Configuration
	LLMProvider     string // "openai", "groq", "ollama", "vertex" or "none"
	LLMAPIKey       string
	DefaultModel    string
	RankingModel    string
	FallbackModel   string
	OpenAIAPIKey    string
	EmbeddingModel  string
	VertexProject   string
	VertexLocation  string
	OllamaURL       string
	LLMTimeout      time.Duration
	RankConcurrency int
	HTTPTimeout     time.Duration
	ParsePollEvery  time.Duration
	ParsePollMaxTry int

	// Object storage
	AWSRegion string
	S3Bucket  string
	S3KMSKey  string

	// Runs
	RedisURL      string
	StaleRunAfter time.Duration
	RunTTL        time.Duration
}

// LoadConfig reads .env (current dir, then ../../.env) and the process
// environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}

	provider := getEnv("LLM_PROVIDER", "openai")

	apiKey := ""
	switch provider {
	case "openai":
		apiKey = os.Getenv("OPENAI_API_KEY")
	case "groq":
		apiKey = os.Getenv("GROQ_API_KEY")
	}

	defaultModel := getEnv("OPENAI_DEFAULT_MODEL", getEnv("LLM_MODEL", "gpt-4o"))

	return &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Store:       getEnv("STORE", "postgres"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		CeipalBaseURL:      strings.TrimRight(getEnv("CEIPAL_BASE_URL", "https://api.ceipal.com/v1"), "/"),
		CeipalEmail:        getEnv("CEIPAL_EMAIL", os.Getenv("CEIPAL_USERNAME")),
		CeipalPassword:     os.Getenv("CEIPAL_PASSWORD"),
		CeipalAPIKey:       os.Getenv("CEIPAL_API_KEY"),
		CeipalAccessToken:  os.Getenv("CEIPAL_ACCESS_TOKEN"),
		CeipalRefreshToken: os.Getenv("CEIPAL_REFRESH_TOKEN"),

		Parser:            getEnv("PARSER", "llamaparse"),
		LlamaParseAPIKey:  getEnv("LLAMAPARSE_API_KEY", os.Getenv("LLAMAINDEX_API_KEY")),
		LlamaParseBaseURL: getEnv("LLAMAPARSE_BASE_URL", "https://api.cloud.llamaindex.ai/api/parsing"),
		ParseCostPerPage:  getFloat("PARSE_COST_PER_PAGE", 0),

		LLMProvider:     provider,
		LLMAPIKey:       apiKey,
		DefaultModel:    defaultModel,
		RankingModel:    getEnv("OPENAI_RANKING_MODEL", defaultModel),
		FallbackModel:   getEnv("LLM_FALLBACK_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		VertexProject:   os.Getenv("GOOGLE_CLOUD_PROJECT"),
		VertexLocation:  getEnv("GOOGLE_CLOUD_LOCATION", "us-central1"),
		OllamaURL:       getEnv("OLLAMA_URL", "http://localhost:11434"),
		LLMTimeout:      getDuration("LLM_TIMEOUT", 2*time.Minute),
		RankConcurrency: getInt("RANK_CONCURRENCY", 5),
		HTTPTimeout:     getDuration("HTTP_TIMEOUT", 60*time.Second),
		ParsePollEvery:  getDuration("PARSE_POLL_INTERVAL", 5*time.Second),
		ParsePollMaxTry: getInt("PARSE_POLL_ATTEMPTS", 60),

		AWSRegion: getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:  os.Getenv("S3_BUCKET"),
		S3KMSKey:  os.Getenv("S3_KMS_KEY_ID"),

		RedisURL:      os.Getenv("REDIS_URL"),
		StaleRunAfter: getDuration("STALE_RUN_AFTER", 30*time.Minute),
		RunTTL:        getDuration("RUN_TTL", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
