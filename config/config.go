package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	PostgresURL string
	RedisURL    string
	MongoDBURL  string

	ServerPort     string
	AllowedOrigins string
	CookieDomain   string
	Environment    string

	MinioAccessKey string
	MinioSecretKey string
	MinioEndpoint  string

	WorkOSApiKey        string
	WorkOSClientId      string
	WorkOSWebhookSecret string
	WorkOSRedirectURI   string
	WorkOSJWKSURL       string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	JwtSecret            string
	SessionDurationHours int

	SyncMaxAttempts int
}

// getEnvWithDefault gets an environment variable with a default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, value)
	}
	return n, nil
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load() // Ignore error since file might not exist in production

	env := getEnvWithDefault("ENVIRONMENT", "development")
	env = strings.ToLower(env)

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[env] {
		return nil, fmt.Errorf("invalid environment value: %s", env)
	}

	sessionHours, err := getEnvInt("SESSION_DURATION", 12)
	if err != nil {
		return nil, err
	}

	syncAttempts, err := getEnvInt("SYNC_MAX_ATTEMPTS", 8)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment: env,

		PostgresURL: os.Getenv("POSTGRES_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MongoDBURL:  os.Getenv("MONGODB_URL"),

		ServerPort:     getEnvWithDefault("SERVER_PORT", "8080"),
		AllowedOrigins: getEnvWithDefault("ALLOWED_ORIGINS", "http://localhost:3000"),
		CookieDomain:   getEnvWithDefault("COOKIE_DOMAIN", ""),

		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),

		WorkOSApiKey:        os.Getenv("WORKOS_API_KEY"),
		WorkOSClientId:      os.Getenv("WORKOS_CLIENT_ID"),
		WorkOSWebhookSecret: os.Getenv("WORKOS_WEBHOOK_SECRET"),
		WorkOSRedirectURI:   os.Getenv("WORKOS_REDIRECT_URI"),
		WorkOSJWKSURL:       os.Getenv("WORKOS_JWKS_URL"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnvWithDefault("VAPID_SUBJECT", "mailto:support@clinicdesk.app"),

		JwtSecret:            os.Getenv("JWT_SECRET"),
		SessionDurationHours: sessionHours,
		SyncMaxAttempts:      syncAttempts,
	}

	if config.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL environment variable is required")
	}
	if config.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL environment variable is required")
	}

	return config, nil
}

// IsDevelopment returns whether the current environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns whether the current environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsStaging returns whether the current environment is staging
func (c *Config) IsStaging() bool {
	return c.Environment == "staging"
}
