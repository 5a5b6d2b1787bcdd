// Package plugin defines the contract every scan module satisfies and the
// registry the scheduler resolves module selections against.
//
// Modules never touch the store or the bus directly. All interaction with
// the rest of the engine flows through the Framework handle injected at
// Setup: publishing discoveries, reading options, checking cancellation,
// and logging.
package plugin

import (
	"context"
	"errors"

	"github.com/scanforge-io/scanforge/internal/event"
)

// Use-case tags used to expand group selections into module lists.
const (
	UseCaseAll         = "All"
	UseCasePassive     = "Passive"
	UseCaseInvestigate = "Investigate"
	UseCaseFootprint   = "Footprint"
)

// Module flags describing behavioral traits the scheduler and UI care about.
const (
	FlagPassive     = "passive"
	FlagActive      = "active"
	FlagNeedsAPIKey = "apikey"
	FlagInvasive    = "invasive"
)

// WatchAll is the wildcard watched-event type: a module declaring it
// receives every event on the bus.
const WatchAll = "*"

// ErrSetupFailed is the sentinel wrapped by module setup errors. A module
// failing setup is excluded from the scan without aborting it.
var ErrSetupFailed = errors.New("module setup failed")

// Module is the interface every scan module implements.
//
// Lifecycle per scan: Setup is called exactly once before any event
// delivery; HandleEvent is called at most once per (event hash, module)
// pair. HandleEvent publishes new discoveries through the framework's
// NotifyListeners and must return promptly once the context is cancelled.
//
// A module reporting ThreadSafe()==false has its HandleEvent calls
// serialized by the scheduler; a thread-safe module may see concurrent
// calls from the worker pool.
type Module interface {
	// Name returns the stable module id, e.g. "sfp_dnsresolve".
	Name() string

	// Meta returns descriptive metadata (human name, summary, use cases, flags).
	Meta() Meta

	// WatchedEvents returns the event types this module consumes. The
	// wildcard "*" subscribes to everything.
	WatchedEvents() []string

	// ProducedEvents returns the advertised output types. Publishing an
	// undeclared type is allowed but logged as a schema warning.
	ProducedEvents() []string

	// ThreadSafe reports whether HandleEvent may be invoked concurrently.
	ThreadSafe() bool

	// Setup is called once per scan before any event delivery. Errors wrap
	// ErrSetupFailed; the module is then marked errored and excluded.
	Setup(fw *Framework, opts map[string]string) error

	// HandleEvent processes one delivered event. The context carries the
	// per-call timeout and the scan-wide cancellation.
	HandleEvent(ctx context.Context, evt *event.Event) error
}

// Meta describes a module for registries, group expansion and the API.
type Meta struct {
	HumanName  string            `json:"humanName"`
	Summary    string            `json:"summary"`
	Categories []string          `json:"categories"`
	UseCases   []string          `json:"useCases"`
	Flags      []string          `json:"flags"`
	Opts       map[string]string `json:"opts"`     // option key -> default value
	OptDescs   map[string]string `json:"optDescs"` // option key -> description
}

// HasUseCase reports whether the module is tagged with the given use case.
// Every module implicitly matches "All".
func (m Meta) HasUseCase(useCase string) bool {
	if useCase == UseCaseAll {
		return true
	}

	for _, uc := range m.UseCases {
		if uc == useCase || uc == UseCaseAll {
			return true
		}
	}

	return false
}

// HasFlag reports whether the module carries the given flag.
func (m Meta) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}

	return false
}

// Descriptor is the read-only view of a registered module served by the
// registry and the /api/modules endpoint.
type Descriptor struct {
	Name           string   `json:"name"`
	Meta           Meta     `json:"meta"`
	WatchedEvents  []string `json:"watchedEvents"`
	ProducedEvents []string `json:"producedEvents"`
	ThreadSafe     bool     `json:"threadSafe"`
}

// Factory creates a fresh module instance. The scheduler instantiates one
// per scan so modules can hold per-scan state without cross-scan leakage.
type Factory func() Module
