package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vdavid/mailsync/internal/crypto"
)

type Config struct {
	Environment string

	EncryptionKeys      string
	PrimaryKeyVersion   int
	LegacySessionSecret string
	StateSecret         string
	AuthSecret          string
	TestMode            bool
	BaseURL             string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	Port string

	SyncInterval       time.Duration
	SyncMaxResults     int
	SyncConcurrency    int
	ProviderTimeout    time.Duration
	ProviderMaxRetries int

	RedisAddr     string
	RedisPassword string
	MQURL         string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:           env,
		EncryptionKeys:        os.Getenv("MAILSYNC_ENCRYPTION_KEYS"),
		LegacySessionSecret:   os.Getenv("MAILSYNC_SESSION_SECRET"),
		StateSecret:           os.Getenv("MAILSYNC_STATE_SECRET"),
		AuthSecret:            os.Getenv("MAILSYNC_AUTH_SECRET"),
		TestMode:              os.Getenv("MAILSYNC_TEST_MODE") == "true",
		BaseURL:               strings.TrimRight(getEnvOrDefault("MAILSYNC_BASE_URL", "http://localhost:8080"), "/"),
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		MicrosoftTenant:       getEnvOrDefault("MICROSOFT_TENANT", "common"),
		DBHost:                getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:                getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:            getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:            os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:                getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:             getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                  getEnvOrDefault("PORT", "8080"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		MQURL:                 os.Getenv("MQ_URL"),
	}

	var err error
	if config.PrimaryKeyVersion, err = getIntOrDefault("MAILSYNC_PRIMARY_KEY_VERSION", 1); err != nil {
		return nil, err
	}
	if config.SyncInterval, err = getDurationOrDefault("SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.SyncMaxResults, err = getIntOrDefault("SYNC_MAX_RESULTS", 50); err != nil {
		return nil, err
	}
	if config.SyncConcurrency, err = getIntOrDefault("SYNC_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if config.ProviderTimeout, err = getDurationOrDefault("PROVIDER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.ProviderMaxRetries, err = getIntOrDefault("PROVIDER_MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeys == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEYS is required")
	}

	if _, err := crypto.ParseKeyring(c.EncryptionKeys); err != nil {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEYS is invalid: %w", err)
	}

	if c.StateSecret == "" {
		return fmt.Errorf("MAILSYNC_STATE_SECRET is required")
	}

	if c.AuthSecret == "" && !c.TestMode {
		return fmt.Errorf("MAILSYNC_AUTH_SECRET is required unless MAILSYNC_TEST_MODE is set")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("MAILSYNC_BASE_URL must use http:// or https:// scheme")
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}

	if (c.MicrosoftClientID == "") != (c.MicrosoftClientSecret == "") {
		return fmt.Errorf("MICROSOFT_CLIENT_ID and MICROSOFT_CLIENT_SECRET must be set together")
	}

	if c.SyncMaxResults <= 0 {
		return fmt.Errorf("SYNC_MAX_RESULTS must be positive")
	}

	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// GoogleEnabled reports whether Google OAuth credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// MicrosoftEnabled reports whether Microsoft OAuth credentials are configured.
func (c *Config) MicrosoftEnabled() bool {
	return c.MicrosoftClientID != ""
}

// CallbackURL returns the OAuth redirect URL registered for provider.
func (c *Config) CallbackURL(provider string) string {
	return c.BaseURL + "/api/v1/oauth/" + provider + "/callback"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return parsed, nil
}
