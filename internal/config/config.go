// Package config manages application configuration
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Environment string // "development" or "production"
	LogLevel    string

	// Database
	DatabaseURL string

	// Security
	SecretKey string // For JWT signing
	TokenTTL  time.Duration

	// Client registered at startup when both are set
	BootstrapClient       string
	BootstrapClientSecret string

	// Rate limiting (requests per second, burst)
	RateLimitRPS   float64
	RateLimitBurst int

	// Wash-sale aggregation scope: "household" or "account"
	WashSaleScope string

	// Default lifetime of an identified opportunity
	OpportunityTTL time.Duration

	// Position snapshots and reference data
	PositionsDir     string
	ReplacementsFile string

	// Pricing
	PriceProvider string // "snapshot", "mock" or "alphavantage"
	PriceAPIKey   string
	PriceCacheTTL time.Duration

	// Redis (empty address disables the event stream and transaction feed)
	RedisAddr         string
	RedisPassword     string
	EventStream       string
	TransactionStream string
	ConsumerGroup     string

	// Notifications (empty domain disables e-mail)
	MailgunDomain string
	MailgunAPIKey string
	MailSender    string

	// Scheduled sweep interval, 0 disables
	ScanInterval time.Duration
}

// Load reads configuration from an optional .env file and environment
// variables, with sensible defaults
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded, using environment and defaults")
	}

	return &Config{
		Port:                  getEnv("HARVEST_PORT", "8080"),
		Environment:           getEnv("HARVEST_ENV", "development"),
		LogLevel:              getEnv("HARVEST_LOG_LEVEL", "info"),
		DatabaseURL:           getEnv("HARVEST_DATABASE_URL", "harvest.db"),
		SecretKey:             getEnv("HARVEST_SECRET_KEY", "dev-secret-key-change-in-production"),
		TokenTTL:              getDurationEnv("HARVEST_TOKEN_TTL", 12*time.Hour),
		BootstrapClient:       getEnv("HARVEST_BOOTSTRAP_CLIENT", ""),
		BootstrapClientSecret: getEnv("HARVEST_BOOTSTRAP_CLIENT_SECRET", ""),
		RateLimitRPS:          getFloatEnv("HARVEST_RATE_LIMIT_RPS", 20),
		RateLimitBurst:        getIntEnv("HARVEST_RATE_LIMIT_BURST", 40),
		WashSaleScope:         strings.ToLower(getEnv("HARVEST_WASH_SALE_SCOPE", "household")),
		OpportunityTTL:        getDurationEnv("HARVEST_OPPORTUNITY_TTL", 48*time.Hour),
		PositionsDir:          getEnv("HARVEST_POSITIONS_DIR", "data/positions"),
		ReplacementsFile:      getEnv("HARVEST_REPLACEMENTS_FILE", ""),
		PriceProvider:         getEnv("HARVEST_PRICE_PROVIDER", "snapshot"),
		PriceAPIKey:           getEnv("HARVEST_PRICE_API_KEY", ""),
		PriceCacheTTL:         getDurationEnv("HARVEST_PRICE_CACHE_TTL", 5*time.Minute),
		RedisAddr:             getEnv("HARVEST_REDIS_ADDR", ""),
		RedisPassword:         getEnv("HARVEST_REDIS_PASSWORD", ""),
		EventStream:           getEnv("HARVEST_EVENT_STREAM", "harvest:events"),
		TransactionStream:     getEnv("HARVEST_TRANSACTION_STREAM", "harvest:transactions"),
		ConsumerGroup:         getEnv("HARVEST_CONSUMER_GROUP", "harvest-engine"),
		MailgunDomain:         getEnv("HARVEST_MAILGUN_DOMAIN", ""),
		MailgunAPIKey:         getEnv("HARVEST_MAILGUN_API_KEY", ""),
		MailSender:            getEnv("HARVEST_MAIL_SENDER", "Harvest <harvest@localhost>"),
		ScanInterval:          getDurationEnv("HARVEST_SCAN_INTERVAL", 0),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
