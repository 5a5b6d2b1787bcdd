package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds migration tool configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable tracks applied migrations.
	MigrationTable string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("SCANFORGE_DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("SCANFORGE_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("SCANFORGE_DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("SCANFORGE_MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a logging-safe representation.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL hides the password portion of a connection URL.
func maskDatabaseURL(url string) string {
	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	atPos := strings.LastIndex(afterScheme, "@")
	if atPos == -1 {
		return url
	}

	userInfo := afterScheme[:atPos]

	colonPos := strings.Index(userInfo, ":")
	if colonPos == -1 || userInfo[colonPos+1:] == "" {
		return url
	}

	return url[:schemeEnd] + "://" + userInfo[:colonPos] + ":***" + afterScheme[atPos:]
}
