package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pocketai/pocketai-gateway/internal/shared/models"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Redis (account records + prices)
	RedisURL string

	// Postgres request log sink (optional, disabled when empty)
	DatabaseURL string

	// Upstreams
	Protocol       string // used when BaseURL carries no scheme
	BaseURL        string // OpenAI-compatible upstream host or URL
	ChatGLMBaseURL string // ChatGLM upstream, same conventions as BaseURL

	// Credentials injected on behalf of access-code callers
	OpenAIAPIKey string
	OpenAIOrgID  string

	// Policy
	DisableGPT4 bool
	CostMode    models.CostMode
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/1"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		Protocol:       getEnv("PROTOCOL", "https"),
		BaseURL:        getEnv("BASE_URL", "api.openai.com"),
		ChatGLMBaseURL: getEnv("CHATGLM_BASE_URL", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIOrgID:    getEnv("OPENAI_ORG_ID", ""),
		DisableGPT4:    getEnvBool("DISABLE_GPT4", false),
	}

	mode, err := parseCostMode(getEnv("COST_WAY", "tokens"))
	if err != nil {
		return nil, err
	}
	cfg.CostMode = mode

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func parseCostMode(s string) (models.CostMode, error) {
	switch strings.ToLower(s) {
	case "tokens", "balance":
		return models.CostModeTokens, nil
	case "count":
		return models.CostModeCount, nil
	default:
		return 0, fmt.Errorf("invalid COST_WAY %q (want count or tokens)", s)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
