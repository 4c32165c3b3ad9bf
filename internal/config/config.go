// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Tool catalog; empty uses the embedded seed
	CatalogFile   string
	MinConfidence float64

	// Execution
	StepTimeout              time.Duration
	RunTimeout               time.Duration
	MaxParallelism           int
	CheckpointEvery          int
	CheckpointOnExternalCall bool
	DefaultAutonomyLevel     string
	CostPer1KTokens          float64

	// LLM settings for the ai-agent integration
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Mode is MOCK for local runs with mock toolkit adapters
	Mode string

	// Logging
	LogLevel string
}

// Load reads .env when present and then loads configuration from environment variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:                 getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:              getEnv("DATABASE_URL", "file:flowrun.db?cache=shared&mode=rwc"),
		CatalogFile:              getEnv("CATALOG_FILE", ""),
		MinConfidence:            getEnvFloat("MIN_CONFIDENCE", 0.3),
		StepTimeout:              time.Duration(getEnvInt("STEP_TIMEOUT_MS", 30000)) * time.Millisecond,
		RunTimeout:               time.Duration(getEnvInt("RUN_TIMEOUT_MS", 0)) * time.Millisecond,
		MaxParallelism:           getEnvInt("MAX_PARALLELISM", 4),
		CheckpointEvery:          getEnvInt("CHECKPOINT_EVERY", 0),
		CheckpointOnExternalCall: getEnvBool("CHECKPOINT_ON_EXTERNAL_CALL", true),
		DefaultAutonomyLevel:     getEnv("DEFAULT_AUTONOMY_LEVEL", "supervised"),
		CostPer1KTokens:          getEnvFloat("COST_PER_1K_TOKENS", 0.002),
		LLMBaseURL:               getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:                getEnv("LLM_API_KEY", ""),
		LLMModel:                 getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:               time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		Mode:                     strings.ToUpper(getEnv("FLOWRUN_MODE", "")),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
