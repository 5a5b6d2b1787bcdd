package scan

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/scanforge-io/scanforge/internal/event"
)

// DefaultBusHighWater is the bounded depth of the delivery queue. Publishing
// into a full queue blocks the producing module, which is the engine's
// backpressure mechanism.
const DefaultBusHighWater = 1024

// ErrBusClosed is returned when an event is published after the bus shut down.
var ErrBusClosed = errors.New("event bus closed")

// Delivery is one (event, module) pair waiting to be executed.
type Delivery struct {
	Event  *event.Event
	Module string
}

// Bus is the per-scan typed pub/sub fabric. Modules subscribe by event type
// at scan start; published events fan out as deliveries onto a single
// bounded queue drained by the scheduler's dispatcher.
//
// Each event hash is dispatched at most once per scan: a duplicate publish
// is absorbed silently. The witness for that guarantee is both the in-memory
// seen set (authoritative while the scan runs) and the persisted
// scan_event_seen row written through the persist hook.
type Bus struct {
	queue    chan Delivery
	subs     map[string][]string // event type -> subscriber modules
	wildcard []string            // modules watching "*"

	seenMu sync.Mutex
	seen   map[string]bool // event hash -> dispatched

	// pending counts deliveries that are queued or executing. Zero means
	// the scan has quiesced, provided no module call is still mid-flight.
	pending atomic.Int64

	// persist is invoked once per unique event hash, before fan-out.
	persist func(evt *event.Event)

	// deliverable filters subscribers at publish time; excluded modules
	// receive nothing.
	deliverable func(module string) bool

	logger    *slog.Logger
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// BusConfig bundles the dependencies of a Bus.
type BusConfig struct {
	HighWater   int
	Persist     func(evt *event.Event)
	Deliverable func(module string) bool
	Logger      *slog.Logger
}

// NewBus creates a bus with the given configuration.
func NewBus(cfg BusConfig) *Bus {
	highWater := cfg.HighWater
	if highWater <= 0 {
		highWater = DefaultBusHighWater
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deliverable := cfg.Deliverable
	if deliverable == nil {
		deliverable = func(string) bool { return true }
	}

	persist := cfg.Persist
	if persist == nil {
		persist = func(*event.Event) {}
	}

	return &Bus{
		queue:       make(chan Delivery, highWater),
		subs:        make(map[string][]string),
		seen:        make(map[string]bool),
		persist:     persist,
		deliverable: deliverable,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a module for the given event types. The wildcard "*"
// subscribes the module to every type. Called during scan setup, before any
// publish.
func (b *Bus) Subscribe(module string, types []string) {
	for _, t := range types {
		if t == "*" {
			b.wildcard = append(b.wildcard, module)

			continue
		}

		b.subs[t] = append(b.subs[t], module)
	}
}

// Publish validates, persists and fans out one event. The first publish of
// a hash wins; later publishes of the same hash return nil without effect.
// Blocks while the delivery queue is full, unblocking if the bus closes.
func (b *Bus) Publish(evt *event.Event) error {
	if evt == nil {
		return event.ErrNilEvent
	}

	if err := evt.Validate(); err != nil {
		return err
	}

	if b.closed.Load() {
		return ErrBusClosed
	}

	b.seenMu.Lock()
	if b.seen[evt.Hash] {
		b.seenMu.Unlock()

		return nil
	}

	b.seen[evt.Hash] = true
	b.seenMu.Unlock()

	b.persist(evt)

	for _, module := range b.subscribers(evt.Type) {
		// An event never loops back to its producer.
		if module == evt.Module || !b.deliverable(module) {
			continue
		}

		b.pending.Add(1)

		select {
		case b.queue <- Delivery{Event: evt, Module: module}:
		case <-b.done:
			b.pending.Add(-1)

			return ErrBusClosed
		}
	}

	return nil
}

// subscribers returns the modules receiving the given event type, wildcard
// watchers included.
func (b *Bus) subscribers(eventType string) []string {
	direct := b.subs[eventType]
	if len(b.wildcard) == 0 {
		return direct
	}

	out := make([]string, 0, len(direct)+len(b.wildcard))
	out = append(out, direct...)
	out = append(out, b.wildcard...)

	return out
}

// Deliveries exposes the queue for the dispatcher.
func (b *Bus) Deliveries() <-chan Delivery {
	return b.queue
}

// DeliveryDone marks one delivery as executed. Every Delivery taken from
// Deliveries must be balanced by exactly one DeliveryDone, including
// deliveries that are dropped rather than executed.
func (b *Bus) DeliveryDone() {
	b.pending.Add(-1)
}

// Pending returns the number of deliveries queued or executing.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// EventsSeen returns the number of distinct event hashes published so far.
func (b *Bus) EventsSeen() int {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	return len(b.seen)
}

// Close stops the bus. Blocked publishers unblock with ErrBusClosed; queued
// deliveries remain readable so the dispatcher can drain or discard them.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
}

// Closed reports whether the bus has been shut down.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}
