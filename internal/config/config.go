// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage driver names accepted in DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Key provider names accepted in KEY_PROVIDER.
const (
	KeyProviderStatic = "static"
	KeyProviderHKDF   = "hkdf"
)

// defaultPresharedKey is the base64 of the development pre-shared key that
// matches what reference clients generate. Override in any real deployment.
const defaultPresharedKey = "cGxhY2Vob2xkZXJfa2V5XzMyX2J5dGVzX2xvbmdfZm8="

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string // sqlite only
	DatabaseURL string // postgres only

	RAGBaseURL   string
	RAGTimeout   time.Duration
	RAGMaxTokens int

	KeyProvider  string // "static" or "hkdf"
	KnownKeyID   string
	PresharedKey string // base64, static provider
	MasterKey    string // base64, hkdf provider
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBDriver:     getEnv("DB_DRIVER", DriverSQLite),
		DBPath:       getEnv("DB_PATH", "./data/cipherchat.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RAGBaseURL:   getEnv("RAG_BASE_URL", ""),
		RAGTimeout:   getEnvDuration("RAG_TIMEOUT", 30*time.Second),
		RAGMaxTokens: getEnvInt("RAG_MAX_TOKENS", 512),
		KeyProvider:  getEnv("KEY_PROVIDER", KeyProviderStatic),
		KnownKeyID:   getEnv("KNOWN_KEY_ID", "client_app_key"),
		PresharedKey: getEnv("PRESHARED_KEY", defaultPresharedKey),
		MasterKey:    getEnv("MASTER_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty with DB_DRIVER=sqlite")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL cannot be empty with DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	switch c.KeyProvider {
	case KeyProviderStatic:
		if c.PresharedKey == "" {
			return fmt.Errorf("PRESHARED_KEY cannot be empty with KEY_PROVIDER=static")
		}
	case KeyProviderHKDF:
		if c.MasterKey == "" {
			return fmt.Errorf("MASTER_KEY cannot be empty with KEY_PROVIDER=hkdf")
		}
	default:
		return fmt.Errorf("KEY_PROVIDER must be %q or %q, got %q", KeyProviderStatic, KeyProviderHKDF, c.KeyProvider)
	}
	if c.RAGBaseURL == "" {
		return fmt.Errorf("RAG_BASE_URL cannot be empty")
	}
	if c.RAGTimeout <= 0 {
		return fmt.Errorf("RAG_TIMEOUT must be > 0")
	}
	if c.RAGMaxTokens <= 0 {
		return fmt.Errorf("RAG_MAX_TOKENS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
