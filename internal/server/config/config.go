package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string

	// Object storage
	BlobDir   string
	PublicURL string

	// Rate limiting
	MaxConnectionsPerIP int
	AuthAttemptsPerMin  int

	SessionTTL    time.Duration
	TypingTimeout time.Duration
}

// Load reads configuration from environment variables, loading a .env
// file first when one is present. In production it panics on missing
// DATABASE_URL or REDIS_URL.
func Load() *Config {
	_ = godotenv.Load()

	port := getEnv("PORT", "3567")
	cfg := &Config{
		Port:                port,
		Env:                 getEnv("ENV", "development"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		BlobDir:             getEnv("BLOB_DIR", "data/blobs"),
		PublicURL:           getEnv("PUBLIC_URL", "http://localhost:"+port),
		MaxConnectionsPerIP: getInt("MAX_CONNECTIONS_PER_IP", 10),
		AuthAttemptsPerMin:  getInt("AUTH_ATTEMPTS_PER_MIN", 5),
		SessionTTL:          getDuration("SESSION_TTL", 30*24*time.Hour),
		TypingTimeout:       getDuration("TYPING_TIMEOUT", 2*time.Second),
	}

	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
