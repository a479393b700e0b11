package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the relay service.
type Config struct {
	Port string

	// Public base URL used when handing webhook URLs back to users.
	BaseURL string

	// Database
	DBPath string

	// Auth
	JWTSecret            string
	RequireVerifiedEmail bool

	// Credential store. EncryptionSecret is a passphrase the key is
	// derived from when no base64 master key is configured.
	EncryptionSecret string

	// Broker endpoints override file (optional).
	BrokersFile string

	// SMTP (OTP / password-reset mail). Empty host disables mail.
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// Outbound broker HTTP timeout (ms).
	BrokerTimeoutMs int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/relay.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		BaseURL:              strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		DBPath:               dbPath,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		RequireVerifiedEmail: getEnv("REQUIRE_VERIFIED_EMAIL", "false") == "true",
		EncryptionSecret:     getEnv("ENCRYPTION_SECRET", "dev-encryption-secret"),
		BrokersFile:          getEnv("BROKERS_FILE", "brokers.yaml"),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             getEnvInt("SMTP_PORT", 587),
		SMTPUser:             os.Getenv("SMTP_USER"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:             getEnv("SMTP_FROM", "no-reply@trade-relay.local"),
		BrokerTimeoutMs:      getEnvInt("BROKER_TIMEOUT_MS", 10000),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
