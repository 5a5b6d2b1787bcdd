package scan

import (
	"context"
	"errors"

	"github.com/scanforge-io/scanforge/internal/event"
)

// Sentinel errors returned by scan orchestration and store operations.
var (
	// ErrScanNotFound is returned when a scan id resolves to nothing.
	ErrScanNotFound = errors.New("scan not found")

	// ErrScanRunning is returned when an operation requires a terminal scan
	// but the scan is still active.
	ErrScanRunning = errors.New("scan is running")

	// ErrScanTerminal is returned when a stop is requested for a scan that
	// already reached a terminal state.
	ErrScanTerminal = errors.New("scan already terminal")

	// ErrInvalidTransition is returned when a status write would violate the
	// scan state machine.
	ErrInvalidTransition = errors.New("invalid scan status transition")

	// ErrStoreUnavailable wraps persistence failures that exhausted their
	// retries and forced the scan into ERROR-FAILED.
	ErrStoreUnavailable = errors.New("scan store unavailable")
)

// Store is the persistence interface the scheduler depends on. Implemented
// by internal/storage for PostgreSQL and SQLite, and by the in-memory store
// for tests.
type Store interface {
	// CreateScan persists a new scan instance with status CREATED, together
	// with its frozen configuration snapshot.
	CreateScan(ctx context.Context, inst *Instance, config map[string]string) error

	// ScanInstance loads one scan. Returns ErrScanNotFound when absent.
	ScanInstance(ctx context.Context, scanID string) (*Instance, error)

	// ListScans returns all scans, newest first.
	ListScans(ctx context.Context) ([]Instance, error)

	// SetScanStatus moves a scan to the given status, stamping started/ended
	// times as the state machine dictates. Returns ErrInvalidTransition when
	// the step is illegal.
	SetScanStatus(ctx context.Context, scanID string, status Status) error

	// StoreEvent persists one event for a scan. Duplicate (scan, hash) pairs
	// collapse onto the first stored row; inserted reports whether a new row
	// was written.
	StoreEvent(ctx context.Context, scanID string, evt *event.Event) (inserted bool, err error)

	// MarkEventSeen records the delivery witness for (scan, hash). first is
	// false when the hash was already witnessed, in which case the bus must
	// not dispatch it again.
	MarkEventSeen(ctx context.Context, scanID, hash string) (first bool, err error)

	// UpsertModuleState writes the per-(scan, module) state row.
	UpsertModuleState(ctx context.Context, scanID string, state ModuleState) error

	// ModuleStates returns the module rows for a scan sorted by module name.
	ModuleStates(ctx context.Context, scanID string) ([]ModuleState, error)

	// AppendScanLog appends one record to the scan's durable log.
	AppendScanLog(ctx context.Context, scanID string, entry LogEntry) error

	// SetFalsePositive flips the false-positive flag on the given event
	// hashes and on all their transitive descendants within the scan.
	SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error

	// DeleteScan removes a scan and all dependent rows (events, logs, module
	// states, correlations). Only legal for terminal scans.
	DeleteScan(ctx context.Context, scanID string) error
}
