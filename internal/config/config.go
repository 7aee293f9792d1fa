package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config gathers every environment-sourced setting for the engine and the
// worker. Credentials have no fallback defaults; use a .env file for local
// development (loaded by main via godotenv).
type Config struct {
	DatabaseURL string
	Port        string

	ChainalysisAPIKey string
	ChainalysisURL    string

	BlockchairAPIKey  string
	BlockchairBaseURL string

	GeminiAPIKey string
	GeminiModel  string

	LarkWebhookURL string

	RuleCacheTTL    time.Duration
	SanctionsTTL    time.Duration
	DestAgeTTL      time.Duration
	RecheckInterval time.Duration

	FeatureFetchRetries int
	FeatureFetchDelay   time.Duration
}

// Load reads the configuration from the environment. Only DATABASE_URL is
// hard-required; missing API keys degrade the corresponding subsystem
// (enrichment fails open, AI falls back to HOLD).
func Load() Config {
	return Config{
		DatabaseURL: RequireEnv("DATABASE_URL"),
		Port:        GetEnvOrDefault("PORT", "8080"),

		ChainalysisAPIKey: os.Getenv("CHAINALYSIS_API_KEY"),
		ChainalysisURL:    GetEnvOrDefault("CHAINALYSIS_URL", "https://public.chainalysis.com/api/v1/address"),

		BlockchairAPIKey:  os.Getenv("BLOCKCHAIR_API_KEY"),
		BlockchairBaseURL: GetEnvOrDefault("BLOCKCHAIR_BASE_URL", "https://api.blockchair.com"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  GetEnvOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),

		LarkWebhookURL: os.Getenv("LARK_WEBHOOK_URL"),

		RuleCacheTTL:    envSeconds("RULE_CACHE_TTL", 300),
		SanctionsTTL:    envSeconds("SANCTIONS_CACHE_TTL", 3600),
		DestAgeTTL:      envSeconds("DEST_AGE_CACHE_TTL", 21600),
		RecheckInterval: time.Duration(envInt("RECHECK_INTERVAL_HOURS", 24)) * time.Hour,

		FeatureFetchRetries: envInt("FEATURE_FETCH_RETRIES", 5),
		FeatureFetchDelay:   envSeconds("FEATURE_FETCH_DELAY", 1),
	}
}

// RequireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// GetEnvOrDefault returns the env var value or a safe default for non-secret settings.
func GetEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("[Config] Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func envSeconds(key string, fallbackSecs int) time.Duration {
	return time.Duration(envInt(key, fallbackSecs)) * time.Second
}
