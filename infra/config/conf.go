package config

import (
	"os"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Config holds process-wide singletons
type Config struct {
	Validator *validator.Validate
}

// AppConfig represents the application configuration
type AppConfig struct {
	Port            string
	BaseURL         string
	APIKey          string
	DefaultProvider string
	DBPath          string
	OpenSearchURL   string
	OpenSearchUser  string
	OpenSearchPass  string
	EnableLogging   bool
	LoggingLevel    string
}

var (
	instance          *Config
	appConfigInstance *AppConfig
	once              sync.Once
	appOnce           sync.Once
)

func App() *Config {
	once.Do(func() {
		instance = &Config{
			Validator: validator.New(),
		}
	})
	return instance
}

// GetAppConfig returns the application configuration
func GetAppConfig() *AppConfig {
	appOnce.Do(func() {
		appConfigInstance = &AppConfig{
			Port:            GetEnv("APP_PORT", "9999"),
			BaseURL:         GetEnv("APP_URL", "http://localhost:9999"),
			APIKey:          GetEnv("API_KEY", ""),
			DefaultProvider: GetEnv("DEFAULT_PROVIDER", ""),
			DBPath:          GetEnv("DB_PATH", "vpos.db"),
			OpenSearchURL:   GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
			OpenSearchUser:  GetEnv("OPENSEARCH_USER", ""),
			OpenSearchPass:  GetEnv("OPENSEARCH_PASSWORD", ""),
			EnableLogging:   GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
			LoggingLevel:    GetEnv("LOGGING_LEVEL", "info"),
		}
	})
	return appConfigInstance
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
