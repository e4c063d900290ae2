// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. It is loaded once in main and
// passed to constructors; nothing else reads the process environment.
type Config struct {
	// Target candle store (PostgreSQL)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Authoritative historical source (Breeze)
	BreezeAPIKey       string
	BreezeAPISecret    string
	BreezeSessionToken string
	BreezeBaseURL      string

	// Remediation settings
	StrikeWindow       int           // ±N strikes around ATM when no admin range exists
	RateLimitDelay     time.Duration // minimum delay between vendor requests
	MaxRetries         int           // retry cap for transient vendor errors
	DailyRequestBudget int           // vendor requests allowed per day (0 = unlimited)
	PriceTolerance     float64       // relative OHLC tolerance for discrepancy detection

	// Local progress ledger (SQLite)
	LedgerPath string

	// Symbol registry override (optional YAML file)
	SymbolsPath string

	// Status server
	Port int

	// Scheduled validation ("" disables the cron entry)
	ValidateSchedule string

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("REMEDIATION_DB_HOST", "localhost"),
		DBPort:     getEnvAsInt("REMEDIATION_DB_PORT", 5432),
		DBUser:     getEnv("REMEDIATION_DB_USER", "iceberg"),
		DBPassword: getEnv("REMEDIATION_DB_PASSWORD", ""),
		DBName:     getEnv("REMEDIATION_DB_NAME", "iceberg"),

		BreezeAPIKey:       getEnv("REMEDIATION_BREEZE_API_KEY", ""),
		BreezeAPISecret:    getEnv("REMEDIATION_BREEZE_API_SECRET", ""),
		BreezeSessionToken: getEnv("REMEDIATION_BREEZE_SESSION_TOKEN", ""),
		BreezeBaseURL:      getEnv("REMEDIATION_BREEZE_BASE_URL", ""),

		StrikeWindow:       getEnvAsInt("REMEDIATION_STRIKE_WINDOW", 5),
		RateLimitDelay:     getEnvAsDuration("REMEDIATION_RATE_LIMIT_DELAY", 300*time.Millisecond),
		MaxRetries:         getEnvAsInt("REMEDIATION_MAX_RETRIES", 5),
		DailyRequestBudget: getEnvAsInt("REMEDIATION_DAILY_REQUEST_BUDGET", 5000),
		PriceTolerance:     getEnvAsFloat("REMEDIATION_PRICE_TOLERANCE", 0.01),

		LedgerPath:  getEnv("REMEDIATION_LEDGER_PATH", "./data/progress.db"),
		SymbolsPath: getEnv("REMEDIATION_SYMBOLS_PATH", ""),

		Port:             getEnvAsInt("REMEDIATION_PORT", 8090),
		ValidateSchedule: getEnv("REMEDIATION_VALIDATE_SCHEDULE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.LedgerPath == "" {
		return fmt.Errorf("REMEDIATION_LEDGER_PATH is required")
	}
	if c.StrikeWindow <= 0 {
		return fmt.Errorf("REMEDIATION_STRIKE_WINDOW must be positive, got %d", c.StrikeWindow)
	}
	if c.PriceTolerance < 0 {
		return fmt.Errorf("REMEDIATION_PRICE_TOLERANCE must not be negative, got %f", c.PriceTolerance)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("REMEDIATION_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// PostgresDSN returns the connection string for the target candle store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUser, url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
