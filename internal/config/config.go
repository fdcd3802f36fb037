package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabasePath  string
	HTTPPort      string
	LogLevel      string
	LogMode       string
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookies bool

	OpenAIBaseURL string

	// Upper bound on the silence between two upstream chunks.
	UpstreamIdleTimeout time.Duration
	// Upper bound on one API key check against the upstream.
	APIKeyCheckTimeout  time.Duration

	GenerationsPerMinute int
	GenerationBurst      int
}

func Load() (Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Config{
		DatabasePath:         getEnv("DATABASE_PATH", "gptchat.db"),
		HTTPPort:             getEnv("HTTP_PORT", "3000"),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		LogMode:              getEnv("LOG_MODE", "development"),
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		SessionTTL:           getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
		SecureCookies:        getEnvAsBool("SECURE_COOKIES", false),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		UpstreamIdleTimeout:  getEnvAsDuration("UPSTREAM_IDLE_TIMEOUT", 60*time.Second),
		APIKeyCheckTimeout:   getEnvAsDuration("API_KEY_CHECK_TIMEOUT", 10*time.Second),
		GenerationsPerMinute: getEnvAsInt("GENERATIONS_PER_MINUTE", 20),
		GenerationBurst:      getEnvAsInt("GENERATION_BURST", 5),
	}

	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
