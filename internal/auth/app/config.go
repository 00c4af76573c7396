package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingEncryptionKey is returned when neither the key nor a key file is configured.
var ErrMissingEncryptionKey = errors.New("app: CREDCORE_ENCRYPTION_KEY or CREDCORE_ENCRYPTION_KEY_FILE is required")

type Config struct {
	DBDriver string // sqlite or postgres (default: sqlite)
	DBDSN    string // Driver DSN (default: credcore.db)

	EncryptionKey     string // Key material for field encryption
	EncryptionKeyFile string // Alternative to EncryptionKey
	PepperFile        string // Created on first start (default: ./pepper)
	SigningKeyFile    string // Ed25519 PEM, created on first start; empty means ephemeral

	Issuer    string // iss claim of access tokens (default: credcore)
	AppURL    string // Base for links in mail (default: http://localhost:8080)
	RedisAddr string // Enables Redis job locks when set

	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	EmailVerificationTTL time.Duration
	PasswordResetTTL     time.Duration

	HousekeepingInterval  time.Duration
	OAuthRefreshInterval  time.Duration
	OAuthRefreshLookahead time.Duration
	OAuthHTTPTimeout      time.Duration
	OAuthRefreshRPS       float64 // 0 means unpaced

	HashConcurrency int

	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string

	Env       string // dev, staging, prod (default: dev)
	LogLevel  string // debug, info, warn, error (default: info)
	LogFormat string // json, text (default: json)

	ShutdownGracePeriod time.Duration
}

func LoadConfig() Config {
	return Config{
		DBDriver: getEnvOrDefault("CREDCORE_DB_DRIVER", "sqlite"),
		DBDSN:    getEnvOrDefault("CREDCORE_DB_DSN", "credcore.db"),

		EncryptionKey:     os.Getenv("CREDCORE_ENCRYPTION_KEY"),
		EncryptionKeyFile: os.Getenv("CREDCORE_ENCRYPTION_KEY_FILE"),
		PepperFile:        getEnvOrDefault("CREDCORE_PEPPER_FILE", "pepper"),
		SigningKeyFile:    os.Getenv("CREDCORE_SIGNING_KEY_FILE"),

		Issuer:    getEnvOrDefault("CREDCORE_ISSUER", "credcore"),
		AppURL:    getEnvOrDefault("CREDCORE_APP_URL", "http://localhost:8080"),
		RedisAddr: os.Getenv("CREDCORE_REDIS_ADDR"),

		AccessTokenTTL:       getEnvDurationOrDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:      getEnvDurationOrDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		EmailVerificationTTL: getEnvDurationOrDefault("EMAIL_VERIFICATION_TTL", 24*time.Hour),
		PasswordResetTTL:     getEnvDurationOrDefault("PASSWORD_RESET_TTL", time.Hour),

		HousekeepingInterval:  getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", time.Hour),
		OAuthRefreshInterval:  getEnvDurationOrDefault("OAUTH_REFRESH_INTERVAL", 5*time.Minute),
		OAuthRefreshLookahead: getEnvDurationOrDefault("OAUTH_REFRESH_LOOKAHEAD", 10*time.Minute),
		OAuthHTTPTimeout:      getEnvDurationOrDefault("OAUTH_HTTP_TIMEOUT", 10*time.Second),
		OAuthRefreshRPS:       getEnvFloatOrDefault("OAUTH_REFRESH_RPS", 10),

		HashConcurrency: getEnvIntOrDefault("HASH_CONCURRENCY", 0),

		GoogleClientID:     os.Getenv("OAUTH_GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET"),
		GitHubClientID:     os.Getenv("OAUTH_GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("OAUTH_GITHUB_CLIENT_SECRET"),

		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),

		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
}

// encryptionKey returns the configured key material, reading the key file
// when no inline key is set.
func (c Config) encryptionKey() ([]byte, error) {
	if c.EncryptionKey != "" {
		return []byte(c.EncryptionKey), nil
	}
	if c.EncryptionKeyFile == "" {
		return nil, ErrMissingEncryptionKey
	}
	data, err := os.ReadFile(c.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingEncryptionKey, c.EncryptionKeyFile)
	}
	return []byte(key), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
