// Package event defines the fundamental data element produced by scan modules.
//
// Every discovery a module makes is an Event: a typed payload linked to the
// event that led to it via SourceHash. Events are immutable after creation
// (the false-positive flag is the single out-of-band exception, flipped by
// users through the store) and content-addressed, so replaying the same scan
// produces identical hashes.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// SeedModule is the module name recorded on the synthetic seed event that
// starts every scan. No real module may register under this name.
const SeedModule = "seed"

// Default metadata values for newly created events.
const (
	DefaultConfidence = 100
	DefaultVisibility = 100
	DefaultRisk       = 0
)

var (
	// ErrNilEvent is returned when a nil event reaches a publish or store path.
	ErrNilEvent = errors.New("event cannot be nil")

	// ErrEmptyType is returned when an event is created or validated without a type.
	ErrEmptyType = errors.New("event type cannot be empty")

	// ErrEmptyData is returned when an event carries no payload.
	ErrEmptyData = errors.New("event data cannot be empty")

	// ErrEmptyModule is returned when an event has no origin module.
	ErrEmptyModule = errors.New("event module cannot be empty")
)

// Event is a single data element discovered during a scan.
//
// Hash is deterministic over (Type, Data, SourceHash): the same discovery
// reached through the same parent always maps to the same row, which is what
// makes InsertEvent idempotent and correlation re-runs stable.
type Event struct {
	Hash          string  `json:"hash"`
	Type          string  `json:"type"`
	Data          string  `json:"data"`
	Module        string  `json:"module"`
	Generated     float64 `json:"generated"`
	SourceHash    string  `json:"sourceHash,omitempty"` // empty for the seed event
	Confidence    int     `json:"confidence"`
	Visibility    int     `json:"visibility"`
	Risk          int     `json:"risk"`
	FalsePositive bool    `json:"falsePositive"`
}

// ComputeHash derives the content-addressed identity of an event.
// NUL separators keep (a, bc) and (ab, c) from colliding.
func ComputeHash(eventType, data, sourceHash string) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(data))
	h.Write([]byte{0})
	h.Write([]byte(sourceHash))

	return hex.EncodeToString(h.Sum(nil))
}

// New creates an event linked to its source. Pass nil source only for the
// seed event; every other event must name its parent.
func New(eventType, data, module string, source *Event) *Event {
	sourceHash := ""
	if source != nil {
		sourceHash = source.Hash
	}

	return &Event{
		Hash:       ComputeHash(eventType, data, sourceHash),
		Type:       eventType,
		Data:       data,
		Module:     module,
		Generated:  float64(time.Now().UnixNano()) / float64(time.Second),
		SourceHash: sourceHash,
		Confidence: DefaultConfidence,
		Visibility: DefaultVisibility,
		Risk:       DefaultRisk,
	}
}

// NewSeed creates the synthetic root event for a scan target. It has no
// source and is attributed to the scanner itself rather than a module.
func NewSeed(targetType, targetValue string) *Event {
	return New(targetType, targetValue, SeedModule, nil)
}

// IsSeed reports whether the event is the scan's synthetic root.
func (e *Event) IsSeed() bool {
	return e.SourceHash == ""
}

// Validate performs defensive validation before the event crosses the
// storage or bus boundary. It prevents malformed events produced by a
// misbehaving module from reaching the database.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}

	if e.Type == "" {
		return ErrEmptyType
	}

	if e.Data == "" {
		return ErrEmptyData
	}

	if e.Module == "" {
		return ErrEmptyModule
	}

	if want := ComputeHash(e.Type, e.Data, e.SourceHash); e.Hash != want {
		return fmt.Errorf("event hash %q does not match content (want %q)", e.Hash, want)
	}

	return nil
}
