// Package middleware provides HTTP middleware components for the ScanForge API.
package middleware

import (
	"time"

	"github.com/scanforge-io/scanforge/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: applied to all requests
//   - Per-client: applied per remote address
//
// Burst capacity allows temporary bursts above the sustained rate.
// If burst fields are 0, they are computed automatically as 2 x rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 20

	// Optional burst capacity overrides (0 = 2 x rate)
	GlobalBurst int
	ClientBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads middleware config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("SCANFORGE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("SCANFORGE_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("SCANFORGE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("SCANFORGE_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"SCANFORGE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("SCANFORGE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("SCANFORGE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
