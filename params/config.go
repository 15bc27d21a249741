package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Storage struct {
	// Backend selects the store implementation: "postgres" or "pebble".
	Backend     string
	DatabaseURL string
	PebblePath  string
}

type Matching struct {
	QuoteAsset string
	// MaxAttempts bounds whole-transaction retries on serialization
	// conflicts. RetryBaseDelay seeds the exponential backoff.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	BookDepthLimit int
}

type API struct {
	Addr           string
	AllowedOrigins []string
	// AdminKey, when set, seeds an admin user at startup so the admin
	// endpoints are reachable on a fresh database.
	AdminKey string
}

type Config struct {
	Storage  Storage
	Matching Matching
	API      API
	LogFile  string
}

func Default() Config {
	return Config{
		Storage: Storage{
			Backend:    "pebble", // devnet default: no external database needed
			PebblePath: "./data/venue",
		},
		Matching: Matching{
			QuoteAsset:     "RUB",
			MaxAttempts:    5,
			RetryBaseDelay: 20 * time.Millisecond,
			BookDepthLimit: 25,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Storage.Backend = getEnv("VENUE_STORE", cfg.Storage.Backend)
	cfg.Storage.DatabaseURL = getEnv("DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.Storage.PebblePath = getEnv("PEBBLE_PATH", cfg.Storage.PebblePath)

	cfg.Matching.QuoteAsset = getEnv("QUOTE_ASSET", cfg.Matching.QuoteAsset)
	if v := os.Getenv("MATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Matching.MaxAttempts = n
		}
	}
	if v := os.Getenv("MATCH_RETRY_BASE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Matching.RetryBaseDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("BOOK_DEPTH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Matching.BookDepthLimit = n
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AdminKey = getEnv("ADMIN_API_KEY", cfg.API.AdminKey)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		// Example: "https://app.example.com,https://staging.example.com"
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
