package scan

import (
	"time"

	"github.com/scanforge-io/scanforge/internal/config"
)

// Scheduler tuning defaults. Each is overridable through the environment.
const (
	DefaultModuleTimeout        = 60 * time.Second
	DefaultAbortTimeout         = 30 * time.Second
	DefaultQuiescenceGrace      = 2 * time.Second
	DefaultPollInterval         = 200 * time.Millisecond
	DefaultModuleErrorThreshold = 10
	DefaultPanicTolerance       = 5
)

// Config tunes the scan scheduler.
type Config struct {
	// Workers is the size of the shared module worker pool. Zero means
	// DefaultPoolSize.
	Workers int

	// ModuleTimeout bounds a single HandleEvent call. A call that overruns
	// is abandoned and counted as a module error.
	ModuleTimeout time.Duration

	// AbortTimeout bounds the drain after an abort request before in-flight
	// module calls are abandoned.
	AbortTimeout time.Duration

	// QuiescenceGrace is how long the bus must stay empty before the scan
	// is declared finished, absorbing publish/dispatch races.
	QuiescenceGrace time.Duration

	// PollInterval is the cadence of the quiescence check and of progress
	// snapshots.
	PollInterval time.Duration

	// BusHighWater bounds the delivery queue.
	BusHighWater int

	// ModuleErrorThreshold is the number of handler errors after which a
	// module is excluded from further deliveries.
	ModuleErrorThreshold int

	// PanicTolerance is the number of recovered module panics across the
	// whole scan after which the scan fails.
	PanicTolerance int

	// AutoCorrelate runs the correlation engine automatically when a scan
	// finishes.
	AutoCorrelate bool
}

// LoadConfig reads scheduler configuration from the environment, falling
// back to the defaults above.
func LoadConfig() Config {
	return Config{
		Workers:              config.GetEnvInt("SCANFORGE_SCAN_WORKERS", 0),
		ModuleTimeout:        config.GetEnvDuration("SCANFORGE_SCAN_MODULE_TIMEOUT", DefaultModuleTimeout),
		AbortTimeout:         config.GetEnvDuration("SCANFORGE_SCAN_ABORT_TIMEOUT", DefaultAbortTimeout),
		QuiescenceGrace:      config.GetEnvDuration("SCANFORGE_SCAN_QUIESCENCE_GRACE", DefaultQuiescenceGrace),
		PollInterval:         config.GetEnvDuration("SCANFORGE_SCAN_POLL_INTERVAL", DefaultPollInterval),
		BusHighWater:         config.GetEnvInt("SCANFORGE_SCAN_BUS_HIGH_WATER", DefaultBusHighWater),
		ModuleErrorThreshold: config.GetEnvInt("SCANFORGE_SCAN_MODULE_ERROR_THRESHOLD", DefaultModuleErrorThreshold),
		PanicTolerance:       config.GetEnvInt("SCANFORGE_SCAN_PANIC_TOLERANCE", DefaultPanicTolerance),
		AutoCorrelate:        config.GetEnvBool("SCANFORGE_SCAN_AUTO_CORRELATE", true),
	}
}

// withDefaults normalizes zero values so the scheduler never divides by or
// waits on a zero.
func (c Config) withDefaults() Config {
	if c.ModuleTimeout <= 0 {
		c.ModuleTimeout = DefaultModuleTimeout
	}

	if c.AbortTimeout <= 0 {
		c.AbortTimeout = DefaultAbortTimeout
	}

	if c.QuiescenceGrace <= 0 {
		c.QuiescenceGrace = DefaultQuiescenceGrace
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.ModuleErrorThreshold <= 0 {
		c.ModuleErrorThreshold = DefaultModuleErrorThreshold
	}

	if c.PanicTolerance <= 0 {
		c.PanicTolerance = DefaultPanicTolerance
	}

	return c
}
