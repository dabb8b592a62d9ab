// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// minJWTSecretLen is the shortest HS256 secret accepted (256 bits).
const minJWTSecretLen = 32

// Config holds all env configuration vars for tollgate.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// ConnectTimeout bounds each Postgres/Redis dial. Default 5s.
	ConnectTimeout time.Duration

	// JWTSecret signs session tokens (HS256). Required, at least 32 bytes.
	JWTSecret []byte
	// SessionTTL is the lifetime of issued session tokens. Default 24h.
	SessionTTL time.Duration

	// APIKeyCacheTTL is how long a resolved API key identity stays in Redis. Default 5m.
	APIKeyCacheTTL time.Duration

	// DefaultHourlyQuota applies to identities without a quota and to new accounts. Default 100.
	DefaultHourlyQuota int
	// QuotaRetryAfter is reported on every quota rejection. Default 1h.
	QuotaRetryAfter time.Duration

	// AuditQueueSize caps buffered audit entries; overflow is dropped. Default 1000.
	AuditQueueSize int

	// Rate limit policy for login attempts per email.
	// Defaults: max=10, window=10m, lockout=15m.
	RateLoginEmailMax     int
	RateLoginEmailWindow  time.Duration
	RateLoginEmailLockout time.Duration

	// Per-IP token bucket on /login and /register. Defaults: 5 rps, burst 10.
	ThrottleRPS   float64
	ThrottleBurst int

	// TurnstileSecret enables CAPTCHA on /register when non-empty.
	TurnstileSecret string

	// Google sign-in via /oauth/google. All three set, or none.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
}

// DefaultEnvFile is read by LoadConfig when TOLLGATE_ENV_FILE is unset.
const DefaultEnvFile = ".env"

// LoadEnvFile copies KEY=VALUE pairs from path into the process environment.
// Variables already set are left alone; a missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads environment variables (after merging the optional env file) and
// returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL, JWT_SECRET) are missing.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("TOLLGATE_ENV_FILE")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if len(secret) < minJWTSecretLen {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}
	cfg.JWTSecret = []byte(secret)

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.ConnectTimeout = envDuration("CONNECT_TIMEOUT", 5*time.Second)
	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.APIKeyCacheTTL = envDuration("API_KEY_CACHE_TTL", 5*time.Minute)

	cfg.DefaultHourlyQuota = envInt("DEFAULT_HOURLY_QUOTA", 100)
	cfg.QuotaRetryAfter = envDuration("QUOTA_RETRY_AFTER", time.Hour)

	cfg.AuditQueueSize = envInt("AUDIT_QUEUE_SIZE", 1000)

	// All three fields required -- if any are missing or invalid, fall back to the
	// default so a misconfigured env doesn't silently disable rate limiting.
	cfg.RateLoginEmailMax = envInt("RATE_LOGIN_EMAIL_MAX", 10)
	cfg.RateLoginEmailWindow = envDuration("RATE_LOGIN_EMAIL_WINDOW", 10*time.Minute)
	cfg.RateLoginEmailLockout = envDuration("RATE_LOGIN_EMAIL_LOCKOUT", 15*time.Minute)

	cfg.ThrottleRPS = envFloat("THROTTLE_RPS", 5)
	cfg.ThrottleBurst = envInt("THROTTLE_BURST", 10)

	cfg.TurnstileSecret = os.Getenv("TURNSTILE_SECRET")

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	set := 0
	for _, v := range []string{cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL must be set together")
	}

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envFloat reads an env var as float64, returning def if missing, unparseable or non-positive.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
