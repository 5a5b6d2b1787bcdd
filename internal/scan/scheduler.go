package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/target"
)

// statusWriteTimeout bounds the synchronous store writes that move a scan
// between lifecycle states.
const statusWriteTimeout = 10 * time.Second

// Correlator runs correlation rules over a finished scan. Implemented by
// internal/correlation; injected so the scheduler does not depend on the
// rule engine.
type Correlator interface {
	RunScan(ctx context.Context, scanID string) (int, error)
}

// StartRequest describes a scan to launch.
type StartRequest struct {
	// Name labels the scan; defaults to the target value.
	Name string

	// Target is the raw seed value; it is classified and normalized before
	// the scan is created.
	Target string

	// Modules selects modules explicitly. When empty, UseCase expands to a
	// module list instead.
	Modules []string

	// UseCase is the group selection used when Modules is empty: Passive,
	// Investigate, Footprint or All.
	UseCase string

	// Options are global option overrides applied to every module.
	Options map[string]string

	// ModuleOptions are per-module option overrides keyed by module name.
	ModuleOptions map[string]map[string]string
}

// Scheduler launches scans, drives their lifecycle and answers status
// queries. One scheduler serves the whole process; each running scan gets
// its own bus, worker pool and store writer.
type Scheduler struct {
	store      Store
	registry   *plugin.Registry
	correlator Correlator
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeScan
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCorrelator wires the correlation engine that runs automatically when
// scans finish.
func WithCorrelator(c Correlator) SchedulerOption {
	return func(s *Scheduler) { s.correlator = c }
}

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a scheduler over the given store and module registry.
func NewScheduler(store Store, registry *plugin.Registry, cfg Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		active:   make(map[string]*activeScan),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(slog.String("component", "scheduler"))

	return s
}

// NewScanID returns a fresh scan id: sixteen lowercase hex characters
// derived from a random UUID.
func NewScanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// activeScan is the in-memory runtime of one running scan.
type activeScan struct {
	inst       *Instance
	moduleOpts map[string]map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	bus    *Bus
	pool   *Pool
	writer *storeWriter

	mu      sync.Mutex
	status  Status
	panics  int
	modules map[string]*moduleRun

	fatalCh chan error
	done    chan struct{}
}

// moduleRun is the per-(scan, module) runtime.
type moduleRun struct {
	module   plugin.Module
	desc     plugin.Descriptor
	produced map[string]bool

	// serial guards HandleEvent for modules that are not thread-safe.
	serial sync.Mutex

	mu         sync.Mutex
	state      ModuleState
	errorCount int
	excluded   bool
	warnedType map[string]bool
}

func (mr *moduleRun) isExcluded() bool {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	return mr.excluded
}

func (mr *moduleRun) snapshot() ModuleState {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	return mr.state
}

// StartScan validates the request, persists the scan with status CREATED
// and launches its runtime. It returns the new scan id without waiting for
// the scan to progress.
func (s *Scheduler) StartScan(ctx context.Context, req StartRequest) (string, error) {
	targetType, normalized, err := target.Classify(req.Target)
	if err != nil {
		return "", fmt.Errorf("classifying target: %w", err)
	}

	modules, err := s.registry.ExpandSelection(req.Modules, req.UseCase)
	if err != nil {
		return "", fmt.Errorf("resolving module selection: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = normalized
	}

	inst := &Instance{
		ID:          NewScanID(),
		Name:        name,
		TargetValue: normalized,
		TargetType:  targetType,
		Created:     time.Now().Unix(),
		Status:      StatusCreated,
		Modules:     modules,
	}

	moduleOpts, snapshot := s.mergeOptions(modules, req)

	if err := s.store.CreateScan(ctx, inst, snapshot); err != nil {
		return "", fmt.Errorf("creating scan: %w", err)
	}

	scanCtx, cancel := context.WithCancel(context.Background())

	as := &activeScan{
		inst:       inst,
		moduleOpts: moduleOpts,
		ctx:        scanCtx,
		cancel:     cancel,
		status:     StatusCreated,
		modules:    make(map[string]*moduleRun, len(modules)),
		fatalCh:    make(chan error, 1),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.active[inst.ID] = as
	s.mu.Unlock()

	go s.run(as)

	s.logger.Info("scan created",
		slog.String("scan_id", inst.ID),
		slog.String("target", normalized),
		slog.String("target_type", targetType),
		slog.Int("modules", len(modules)))

	return inst.ID, nil
}

// mergeOptions builds the per-module option maps and the flattened
// configuration snapshot persisted alongside the scan. Precedence per key:
// module override > global override > module default.
func (s *Scheduler) mergeOptions(modules []string, req StartRequest) (map[string]map[string]string, map[string]string) {
	moduleOpts := make(map[string]map[string]string, len(modules))
	snapshot := make(map[string]string)

	for k, v := range req.Options {
		snapshot["_global."+k] = v
	}

	for _, name := range modules {
		desc, _ := s.registry.Descriptor(name)

		merged := make(map[string]string, len(desc.Meta.Opts))

		for k, v := range desc.Meta.Opts {
			merged[k] = v
		}

		for k, v := range req.Options {
			merged[k] = v
		}

		for k, v := range req.ModuleOptions[name] {
			if _, known := desc.Meta.Opts[k]; !known {
				s.logger.Warn("ignoring unknown module option",
					slog.String("module", name), slog.String("option", k))

				continue
			}

			merged[k] = v
		}

		for k, v := range merged {
			snapshot[name+"."+k] = v
		}

		moduleOpts[name] = merged
	}

	return moduleOpts, snapshot
}

// run drives one scan from STARTING to a terminal state.
func (s *Scheduler) run(as *activeScan) {
	defer func() {
		s.mu.Lock()
		delete(s.active, as.inst.ID)
		s.mu.Unlock()

		close(as.done)
	}()

	logger := s.logger.With(slog.String("scan_id", as.inst.ID))

	if err := s.setStatus(as, StatusStarting); err != nil {
		s.failScan(as, logger, err)

		return
	}

	// The writer outlives scan cancellation so terminal writes still land.
	writer := newStoreWriter(context.Background(), logger, func(err error) {
		select {
		case as.fatalCh <- fmt.Errorf("%w: %v", ErrStoreUnavailable, err):
		default:
		}
	})

	bus := NewBus(BusConfig{
		HighWater: s.cfg.BusHighWater,
		Logger:    logger,
		Persist:   s.persistEvent(as),
		Deliverable: func(module string) bool {
			mr := as.modules[module]

			return mr != nil && !mr.isExcluded()
		},
	})

	as.mu.Lock()
	as.writer = writer
	as.bus = bus
	as.pool = NewPool(s.cfg.Workers)
	as.mu.Unlock()

	s.setupModules(as, logger)

	stopDispatch := make(chan struct{})
	dispatchDone := make(chan struct{})

	go s.dispatch(as, stopDispatch, dispatchDone)

	if err := s.setStatus(as, StatusRunning); err != nil {
		close(stopDispatch)
		<-dispatchDone
		s.teardown(as)
		as.writer.Close()
		s.failScan(as, logger, err)

		return
	}

	s.scanLog(as, slog.LevelInfo, "scheduler", fmt.Sprintf("scan started with %d modules", len(as.modules)))

	seed := event.NewSeed(as.inst.TargetType, as.inst.TargetValue)
	if err := as.bus.Publish(seed); err != nil {
		logger.Error("publishing seed event", slog.String("error", err.Error()))
	}

	outcome := s.monitor(as, logger)

	close(stopDispatch)
	<-dispatchDone

	s.teardown(as)
	s.finishModules(as, outcome)
	as.writer.Close()

	if err := s.setStatus(as, outcome); err != nil {
		logger.Error("recording terminal scan status", slog.String("error", err.Error()))
	}

	logger.Info("scan ended",
		slog.String("status", string(outcome)),
		slog.Int("events", as.bus.EventsSeen()))

	if outcome == StatusFinished && s.cfg.AutoCorrelate && s.correlator != nil {
		n, err := s.correlator.RunScan(context.Background(), as.inst.ID)
		if err != nil {
			logger.Error("running correlations", slog.String("error", err.Error()))
		} else {
			logger.Info("correlations complete", slog.Int("results", n))
		}
	}
}

// setupModules instantiates and sets up every selected module. Setup
// failures exclude the module without failing the scan.
func (s *Scheduler) setupModules(as *activeScan, logger *slog.Logger) {
	for _, name := range as.inst.Modules {
		mod, err := s.registry.New(name)
		if err != nil {
			logger.Error("instantiating module", slog.String("module", name), slog.String("error", err.Error()))

			continue
		}

		desc, _ := s.registry.Descriptor(name)

		mr := &moduleRun{
			module:     mod,
			desc:       desc,
			produced:   make(map[string]bool, len(desc.ProducedEvents)),
			warnedType: make(map[string]bool),
			state:      ModuleState{Module: name, Status: ModulePending},
		}

		for _, t := range desc.ProducedEvents {
			mr.produced[t] = true
		}

		fw := plugin.NewFramework(plugin.FrameworkConfig{
			ScanID:      as.inst.ID,
			TargetValue: as.inst.TargetValue,
			TargetType:  as.inst.TargetType,
			ModuleName:  name,
			Opts:        as.moduleOpts[name],
			Notify:      s.notifyFunc(as, mr),
			ScanLog: func(level slog.Level, component, message string) {
				s.scanLog(as, level, component, message)
			},
			Logger: logger,
			Ctx:    as.ctx,
		})

		if err := mod.Setup(fw, as.moduleOpts[name]); err != nil {
			logger.Warn("module setup failed", slog.String("module", name), slog.String("error", err.Error()))
			s.scanLog(as, slog.LevelWarn, name, fmt.Sprintf("setup failed: %v", err))

			mr.mu.Lock()
			mr.excluded = true
			mr.state.Status = ModuleErrored
			mr.mu.Unlock()
			s.persistModuleState(as, mr)
		} else {
			as.bus.Subscribe(name, desc.WatchedEvents)
			s.persistModuleState(as, mr)
		}

		as.mu.Lock()
		as.modules[name] = mr
		as.mu.Unlock()
	}
}

// failScan records a failure that happened before or instead of a normal
// terminal transition.
func (s *Scheduler) failScan(as *activeScan, logger *slog.Logger, cause error) {
	logger.Error("scan failed", slog.String("error", cause.Error()))

	if err := s.setStatus(as, StatusErrorFailed); err != nil {
		logger.Error("recording scan failure", slog.String("error", err.Error()))
	}
}

// notifyFunc builds the publish hook handed to one module's framework.
func (s *Scheduler) notifyFunc(as *activeScan, mr *moduleRun) plugin.NotifyFunc {
	return func(evt *event.Event) error {
		if evt == nil {
			return event.ErrNilEvent
		}

		if !mr.produced[evt.Type] {
			mr.mu.Lock()
			warned := mr.warnedType[evt.Type]
			mr.warnedType[evt.Type] = true
			mr.mu.Unlock()

			if !warned {
				s.scanLog(as, slog.LevelWarn, mr.desc.Name,
					fmt.Sprintf("produced unadvertised event type %s", evt.Type))
			}
		}

		if err := as.bus.Publish(evt); err != nil {
			return err
		}

		mr.mu.Lock()
		mr.state.EventsProduced++
		mr.mu.Unlock()

		return nil
	}
}

// persistEvent is the bus hook that durably stores each unique event and
// its delivery witness, serialized through the scan's writer.
func (s *Scheduler) persistEvent(as *activeScan) func(evt *event.Event) {
	return func(evt *event.Event) {
		e := evt
		as.writer.Enqueue(func(ctx context.Context) error {
			if _, err := s.store.StoreEvent(ctx, as.inst.ID, e); err != nil {
				return err
			}

			_, err := s.store.MarkEventSeen(ctx, as.inst.ID, e.Hash)

			return err
		})
	}
}

// dispatch drains the bus queue into the worker pool until told to stop,
// then discards whatever is still queued.
func (s *Scheduler) dispatch(as *activeScan, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case d := <-as.bus.Deliveries():
			as.pool.Submit(func() { s.invoke(as, d) })
		case <-stop:
			for {
				select {
				case <-as.bus.Deliveries():
					as.bus.DeliveryDone()
				default:
					return
				}
			}
		}
	}
}

// invoke executes one delivery against its module, enforcing serialization,
// the per-call timeout and the error threshold.
func (s *Scheduler) invoke(as *activeScan, d Delivery) {
	defer as.bus.DeliveryDone()

	mr := as.modules[d.Module]
	if mr == nil || mr.isExcluded() || as.ctx.Err() != nil {
		return
	}

	if !mr.desc.ThreadSafe {
		mr.serial.Lock()
		defer mr.serial.Unlock()
	}

	s.markModuleRunning(as, mr)

	callCtx, cancel := context.WithTimeout(as.ctx, s.cfg.ModuleTimeout)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("module panic: %v", r)
				s.notePanic(as, mr, r)
			}
		}()

		result <- mr.module.HandleEvent(callCtx, d.Event)
	}()

	select {
	case err := <-result:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.noteModuleError(as, mr, err)
		}
	case <-callCtx.Done():
		// The handler goroutine is abandoned; it must notice the context
		// and return on its own.
		s.noteModuleError(as, mr, fmt.Errorf("handler exceeded %s processing %s", s.cfg.ModuleTimeout, d.Event.Type))
	}
}

func (s *Scheduler) markModuleRunning(as *activeScan, mr *moduleRun) {
	mr.mu.Lock()
	if mr.state.Status != ModulePending {
		mr.mu.Unlock()

		return
	}

	mr.state.Status = ModuleRunning
	mr.state.Started = time.Now().Unix()
	mr.mu.Unlock()

	s.persistModuleState(as, mr)
}

// noteModuleError counts one handler failure and excludes the module once
// the threshold is crossed.
func (s *Scheduler) noteModuleError(as *activeScan, mr *moduleRun, err error) {
	s.scanLog(as, slog.LevelError, mr.desc.Name, err.Error())

	mr.mu.Lock()
	mr.errorCount++
	exclude := mr.errorCount >= s.cfg.ModuleErrorThreshold && !mr.excluded

	if exclude {
		mr.excluded = true
		mr.state.Status = ModuleErrored
		mr.state.Ended = time.Now().Unix()
	}
	mr.mu.Unlock()

	if exclude {
		s.scanLog(as, slog.LevelWarn, "scheduler",
			fmt.Sprintf("module %s excluded after %d errors", mr.desc.Name, s.cfg.ModuleErrorThreshold))
		s.persistModuleState(as, mr)
	}
}

// notePanic tracks recovered module panics; crossing the scan-wide
// tolerance fails the scan.
func (s *Scheduler) notePanic(as *activeScan, mr *moduleRun, r any) {
	s.scanLog(as, slog.LevelError, mr.desc.Name, fmt.Sprintf("recovered panic: %v", r))

	as.mu.Lock()
	as.panics++
	exceeded := as.panics > s.cfg.PanicTolerance
	as.mu.Unlock()

	if exceeded {
		select {
		case as.fatalCh <- fmt.Errorf("panic tolerance exceeded (%d panics)", as.panics):
		default:
		}
	}
}

// monitor waits for quiescence, abort or fatal failure and returns the
// terminal status to record.
func (s *Scheduler) monitor(as *activeScan, logger *slog.Logger) Status {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var quietSince time.Time

	for {
		select {
		case <-as.ctx.Done():
			return s.abort(as, logger)
		case err := <-as.fatalCh:
			logger.Error("scan failed", slog.String("error", err.Error()))
			s.scanLog(as, slog.LevelError, "scheduler", err.Error())
			as.cancel()

			return StatusErrorFailed
		case <-ticker.C:
			if as.bus.Pending() != 0 {
				quietSince = time.Time{}

				continue
			}

			if quietSince.IsZero() {
				quietSince = time.Now()

				continue
			}

			if time.Since(quietSince) >= s.cfg.QuiescenceGrace {
				return StatusFinished
			}
		}
	}
}

// abort handles a stop request: acknowledge it, close the bus so blocked
// publishers unwind, and give in-flight module calls a bounded drain.
func (s *Scheduler) abort(as *activeScan, logger *slog.Logger) Status {
	if err := s.setStatus(as, StatusAbortRequested); err != nil {
		logger.Error("recording abort request", slog.String("error", err.Error()))
	}

	s.scanLog(as, slog.LevelInfo, "scheduler", "abort requested, draining in-flight work")

	as.bus.Close()

	deadline := time.Now().Add(s.cfg.AbortTimeout)

	for as.bus.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(s.cfg.PollInterval)
	}

	if remaining := as.bus.Pending(); remaining > 0 {
		logger.Warn("abandoning in-flight module calls", slog.Int64("remaining", remaining))
	}

	return StatusAborted
}

// teardown shuts the scan's bus and pool down in order. Safe to call once
// the dispatcher has stopped.
func (s *Scheduler) teardown(as *activeScan) {
	as.bus.Close()
	as.pool.Close()
}

// finishModules moves every non-terminal module to its final state.
func (s *Scheduler) finishModules(as *activeScan, outcome Status) {
	now := time.Now().Unix()

	for _, mr := range as.modules {
		mr.mu.Lock()
		switch {
		case mr.state.Status.Terminal():
			mr.mu.Unlock()

			continue
		case mr.state.Status == ModulePending && outcome != StatusFinished:
			mr.state.Status = ModuleSkipped
		default:
			mr.state.Status = ModuleFinished
		}

		mr.state.Ended = now
		mr.mu.Unlock()

		s.persistModuleState(as, mr)
	}
}

func (s *Scheduler) persistModuleState(as *activeScan, mr *moduleRun) {
	state := mr.snapshot()

	as.writer.Enqueue(func(ctx context.Context) error {
		return s.store.UpsertModuleState(ctx, as.inst.ID, state)
	})
}

// scanLog appends to the scan's durable log through the writer.
func (s *Scheduler) scanLog(as *activeScan, level slog.Level, component, message string) {
	entry := LogEntry{
		Generated: float64(time.Now().UnixMilli()) / 1000,
		Component: component,
		Level:     level.String(),
		Message:   message,
	}

	as.writer.Enqueue(func(ctx context.Context) error {
		return s.store.AppendScanLog(ctx, as.inst.ID, entry)
	})
}

// setStatus advances the scan state machine in memory and in the store.
func (s *Scheduler) setStatus(as *activeScan, next Status) error {
	as.mu.Lock()
	cur := as.status

	if !cur.CanTransition(next) {
		as.mu.Unlock()

		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	as.status = next
	as.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	if err := s.store.SetScanStatus(ctx, as.inst.ID, next); err != nil {
		return fmt.Errorf("persisting status %s: %w", next, err)
	}

	return nil
}

// StopScan aborts a scan and returns once it has reached a terminal state.
// For a scan running in this process the abort request is acknowledged with
// ABORT-REQUESTED and the call blocks until the drain completes, bounded by
// the abort timeout and ctx. A scan left non-terminal by a previous process
// is moved straight to ABORTED.
func (s *Scheduler) StopScan(ctx context.Context, scanID string) error {
	s.mu.Lock()
	as, running := s.active[scanID]
	s.mu.Unlock()

	if running {
		as.cancel()

		// The drain itself is bounded by AbortTimeout; allow the same
		// again for teardown and the final status write.
		waitCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.AbortTimeout)
		defer cancel()

		select {
		case <-as.done:
			return nil
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for scan %s to abort: %w", scanID, waitCtx.Err())
		}
	}

	inst, err := s.store.ScanInstance(ctx, scanID)
	if err != nil {
		return err
	}

	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrScanTerminal, inst.Status)
	}

	// Orphaned scan from a dead process: walk it to ABORTED directly.
	if err := s.store.SetScanStatus(ctx, scanID, StatusAbortRequested); err != nil {
		return err
	}

	return s.store.SetScanStatus(ctx, scanID, StatusAborted)
}

// GetStatus returns a progress snapshot, live for running scans and
// store-backed otherwise.
func (s *Scheduler) GetStatus(ctx context.Context, scanID string) (*ProgressSnapshot, error) {
	s.mu.Lock()
	as, running := s.active[scanID]
	s.mu.Unlock()

	if running {
		return as.progressSnapshot(), nil
	}

	inst, err := s.store.ScanInstance(ctx, scanID)
	if err != nil {
		return nil, err
	}

	states, err := s.store.ModuleStates(ctx, scanID)
	if err != nil {
		return nil, err
	}

	return buildSnapshot(inst.ID, inst.Status, states, 0), nil
}

// StreamProgress emits snapshots on the given interval until the scan
// reaches a terminal state or ctx is cancelled. The terminal snapshot is
// always the last element before the channel closes.
func (s *Scheduler) StreamProgress(ctx context.Context, scanID string, interval time.Duration) (<-chan ProgressSnapshot, error) {
	if _, err := s.GetStatus(ctx, scanID); err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = time.Second
	}

	out := make(chan ProgressSnapshot)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			snap, err := s.GetStatus(ctx, scanID)
			if err != nil {
				return
			}

			select {
			case out <- *snap:
			case <-ctx.Done():
				return
			}

			if snap.Status.Terminal() {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// DeleteScan removes a terminal scan and everything attached to it.
func (s *Scheduler) DeleteScan(ctx context.Context, scanID string) error {
	s.mu.Lock()
	_, running := s.active[scanID]
	s.mu.Unlock()

	if running {
		return ErrScanRunning
	}

	inst, err := s.store.ScanInstance(ctx, scanID)
	if err != nil {
		return err
	}

	if !inst.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrScanRunning, inst.Status)
	}

	return s.store.DeleteScan(ctx, scanID)
}

// SetFalsePositive flags events (and their descendants) of a terminal scan.
func (s *Scheduler) SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error {
	s.mu.Lock()
	_, running := s.active[scanID]
	s.mu.Unlock()

	if running {
		return ErrScanRunning
	}

	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return err
	}

	return s.store.SetFalsePositive(ctx, scanID, hashes, fp)
}

// Shutdown stops every running scan and waits for them to reach a terminal
// state, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*activeScan, 0, len(s.active))

	for _, as := range s.active {
		running = append(running, as)
	}
	s.mu.Unlock()

	for _, as := range running {
		as.cancel()
	}

	for _, as := range running {
		select {
		case <-as.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// progressSnapshot builds a live snapshot of a running scan.
func (as *activeScan) progressSnapshot() *ProgressSnapshot {
	as.mu.Lock()
	status := as.status
	bus := as.bus
	runs := make([]*moduleRun, 0, len(as.modules))

	for _, mr := range as.modules {
		runs = append(runs, mr)
	}
	as.mu.Unlock()

	var depth int64
	if bus != nil {
		depth = bus.Pending()
	}

	states := make([]ModuleState, 0, len(runs))
	for _, mr := range runs {
		states = append(states, mr.snapshot())
	}

	sortModuleStates(states)

	return buildSnapshot(as.inst.ID, status, states, depth)
}

func buildSnapshot(scanID string, status Status, states []ModuleState, queueDepth int64) *ProgressSnapshot {
	var finished, running int

	for _, st := range states {
		switch {
		case st.Status.Terminal():
			finished++
		case st.Status == ModuleRunning:
			running++
		}
	}

	percent := overallPercent(finished, len(states))
	if status.Terminal() {
		percent = 100
	}

	return &ProgressSnapshot{
		ScanID:          scanID,
		Status:          status,
		OverallPercent:  percent,
		ModulesTotal:    len(states),
		ModulesFinished: finished,
		ModulesRunning:  running,
		Modules:         states,
		QueueDepth:      queueDepth,
		Timestamp:       time.Now().UTC(),
	}
}

func sortModuleStates(states []ModuleState) {
	sort.Slice(states, func(i, j int) bool { return states[i].Module < states[j].Module })
}
