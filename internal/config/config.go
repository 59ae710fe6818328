package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort string
	AppEnv  string

	// External verification provider.
	ProviderBaseURL      string
	ProviderAPIKey       string
	ProviderAccountEmail string
	ProviderTimeout      time.Duration
	RetryBaseDelay       time.Duration // first backoff delay, doubled per attempt
	RetryMaxDelay        time.Duration // backoff cap
	RetryMaxAttempts     int
	BalanceCacheTTL      time.Duration

	// Verification session lifecycle.
	PollInterval time.Duration
	SessionTTL   time.Duration // purchase-to-expiry window

	// Websocket liveness.
	PongTimeout  time.Duration
	PingInterval time.Duration

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables

	JWTPublicKeyPath string

	AllowedOrigins []string // CORS allowed origins
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	VerificationSessions string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort: getEnv("APP_PORT", "3000"),
		AppEnv:  getEnv("APP_ENV", "development"),

		ProviderBaseURL:      getEnv("PROVIDER_BASE_URL", "https://api.sms-provider.example/handler_api"),
		ProviderAPIKey:       getEnv("PROVIDER_API_KEY", ""),
		ProviderAccountEmail: getEnv("PROVIDER_ACCOUNT_EMAIL", ""),
		ProviderTimeout:      getEnvDur("PROVIDER_TIMEOUT", 10*time.Second),
		RetryBaseDelay:       getEnvDur("PROVIDER_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:        getEnvDur("PROVIDER_RETRY_MAX_DELAY", 4*time.Second),
		RetryMaxAttempts:     getEnvInt("PROVIDER_RETRY_MAX_ATTEMPTS", 3),
		BalanceCacheTTL:      getEnvDur("BALANCE_CACHE_TTL", 5*time.Minute),

		PollInterval: getEnvDur("POLL_INTERVAL", 3*time.Second),
		SessionTTL:   getEnvDur("SESSION_TTL", 20*time.Minute),

		PongTimeout:  getEnvDur("WS_PONG_TIMEOUT", 60*time.Second),
		PingInterval: getEnvDur("WS_PING_INTERVAL", 25*time.Second),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			VerificationSessions: getEnv("DYNAMO_TABLE_VERIFICATION_SESSIONS", "verification_sessions"),
		},

		JWTPublicKeyPath: getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),

		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
