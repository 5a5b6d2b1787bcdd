// Package scan implements the scan lifecycle: the scheduler that runs
// modules, the typed event bus that routes their discoveries, and the state
// model persisted through the store.
//
// The package defines the Store interface it needs for persistence; concrete
// implementations (PostgreSQL, SQLite, in-memory) live in internal/storage.
package scan

import (
	"time"
)

// Status is the lifecycle state of a scan. Transitions are monotonic with
// one exception (ABORT-REQUESTED -> ABORTED) and only the scheduler writes
// them.
type Status string

// Scan lifecycle states. ABORTED, FINISHED and ERROR-FAILED are terminal.
const (
	StatusCreated        Status = "CREATED"
	StatusStarting       Status = "STARTING"
	StatusRunning        Status = "RUNNING"
	StatusAbortRequested Status = "ABORT-REQUESTED"
	StatusAborted        Status = "ABORTED"
	StatusFinished       Status = "FINISHED"
	StatusErrorFailed    Status = "ERROR-FAILED"
)

// validTransitions is the scan state machine. A state absent from the map is
// terminal.
var validTransitions = map[Status][]Status{
	StatusCreated:        {StatusStarting, StatusErrorFailed},
	StatusStarting:       {StatusRunning, StatusAbortRequested, StatusErrorFailed},
	StatusRunning:        {StatusFinished, StatusAbortRequested, StatusErrorFailed},
	StatusAbortRequested: {StatusAborted, StatusErrorFailed},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	_, ok := validTransitions[s]

	return !ok
}

// CanTransition reports whether moving from s to next is a legal step of the
// state machine.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// ModuleStatus is the lifecycle state of one module within one scan.
type ModuleStatus string

// Module lifecycle states.
const (
	ModulePending  ModuleStatus = "pending"
	ModuleRunning  ModuleStatus = "running"
	ModuleFinished ModuleStatus = "finished"
	ModuleErrored  ModuleStatus = "errored"
	ModuleSkipped  ModuleStatus = "skipped"
)

// Terminal reports whether the module state admits no further transitions.
func (m ModuleStatus) Terminal() bool {
	return m == ModuleFinished || m == ModuleErrored || m == ModuleSkipped
}

type (
	// Instance is the persisted representation of a scan.
	Instance struct {
		ID          string   `json:"scanId"`
		Name        string   `json:"name"`
		TargetValue string   `json:"target"`
		TargetType  string   `json:"targetType"`
		Created     int64    `json:"created"`
		Started     int64    `json:"started,omitempty"`
		Ended       int64    `json:"ended,omitempty"`
		Status      Status   `json:"status"`
		Modules     []string `json:"modules"`
	}

	// ModuleState is the persisted per-(scan, module) row.
	ModuleState struct {
		Module         string       `json:"name"`
		Status         ModuleStatus `json:"status"`
		EventsProduced int64        `json:"eventsProduced"`
		Started        int64        `json:"startedAt,omitempty"`
		Ended          int64        `json:"finishedAt,omitempty"`
	}

	// LogEntry is one append-only scan log record.
	LogEntry struct {
		Generated float64 `json:"generated"`
		Component string  `json:"component"`
		Level     string  `json:"level"`
		Message   string  `json:"message"`
	}

	// ProgressSnapshot is a cheap point-in-time view of a scan served to
	// status queries and progress streams.
	ProgressSnapshot struct {
		ScanID          string        `json:"scan_id"`
		Status          Status        `json:"status"`
		OverallPercent  float64       `json:"overall_percent"`
		ModulesTotal    int           `json:"modules_total"`
		ModulesFinished int           `json:"modules_finished"`
		ModulesRunning  int           `json:"modules_running"`
		Modules         []ModuleState `json:"modules"`
		QueueDepth      int64         `json:"queue_depth"`
		Timestamp       time.Time     `json:"timestamp"`
	}
)

// overallPercent computes scan progress as the share of modules in a
// terminal state.
func overallPercent(finished, total int) float64 {
	if total == 0 {
		return 100
	}

	return 100 * float64(finished) / float64(total)
}
