// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMissing marks a required setting that is not present.
var ErrMissing = errors.New("missing required configuration")

// Config holds runtime settings.
type Config struct {
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	ChatModel   string
	Temperature float64
	MaxTokens   int

	SummaryTemperature float64
	SummaryMaxTokens   int
	SummaryInterval    int

	MemoryTopK         int
	RelevanceThreshold float64

	GoogleAPIKey   string
	EmbeddingModel string
	EmbeddingRPS   float64

	DatabaseURL      string
	DataDir          string
	CharactersDir    string
	DefaultCharacter string
	LogLevel         slog.Level
}

// SQLitePath is the local database file used when no DATABASE_URL is set.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "chat_history.db")
}

// SemanticIndexEnabled reports whether embeddings can be computed.
func (c Config) SemanticIndexEnabled() bool {
	return c.GoogleAPIKey != ""
}

// Load reads env vars, applies defaults, and exits when required fields are missing.
func Load() Config {
	cfg, err := FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

// FromEnv reads env vars, applies defaults and validates the result.
func FromEnv() (Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read reads env vars and applies defaults without validating.
// Tools that only need paths use it.
func Read() Config {
	cfg := Config{
		LLMProvider:      strings.ToLower(os.Getenv("LLM_PROVIDER")),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		LLMBaseURL:       os.Getenv("LLM_BASE_URL"),
		ChatModel:        os.Getenv("CHAT_MODEL"),
		GoogleAPIKey:     os.Getenv("GOOGLE_API_KEY"),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DataDir:          os.Getenv("DATA_DIR"),
		CharactersDir:    os.Getenv("CHARACTERS_DIR"),
		DefaultCharacter: os.Getenv("DEFAULT_CHARACTER"),
	}

	cfg.Temperature = getEnvFloat("TEMPERATURE", 0.7)
	cfg.MaxTokens = getEnvInt("MAX_TOKENS", 2000)
	cfg.SummaryTemperature = getEnvFloat("SUMMARY_TEMPERATURE", 0.3)
	cfg.SummaryMaxTokens = getEnvInt("SUMMARY_MAX_TOKENS", 500)
	cfg.SummaryInterval = getEnvInt("SUMMARY_INTERVAL", 10)
	cfg.MemoryTopK = getEnvInt("MEMORY_TOP_K", 3)
	cfg.RelevanceThreshold = getEnvFloat("RELEVANCE_THRESHOLD", 0.5)
	cfg.EmbeddingRPS = getEnvFloat("EMBEDDING_RPS", 5)
	cfg.LogLevel = parseLevel(os.Getenv("LOG_LEVEL"))

	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "openai"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultModel(cfg.LLMProvider)
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.CharactersDir == "" {
		cfg.CharactersDir = "characters"
	}
	if cfg.DefaultCharacter == "" {
		cfg.DefaultCharacter = "li_ming"
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = 10
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 3
	}
	return cfg
}

// Validate checks the provider and the required credentials.
func (c Config) Validate() error {
	switch c.LLMProvider {
	case "openai", "grok", "openrouter", "gemini":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("%w: LLM_API_KEY environment variable is required", ErrMissing)
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case "grok":
		return "grok-4-fast"
	case "openrouter":
		return "deepseek/deepseek-chat"
	case "gemini":
		return "gemini-2.5-flash"
	default:
		return "gpt-4o-mini"
	}
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}
