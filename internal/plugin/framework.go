package plugin

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/scanforge-io/scanforge/internal/event"
)

type (
	// NotifyFunc is the injection point through which a module publishes a
	// new event onto the scan's bus. It blocks when the bus is saturated
	// (backpressure) and returns an error only for invalid events.
	NotifyFunc func(evt *event.Event) error

	// ScanLogFunc appends a log record to the scan's durable log.
	ScanLogFunc func(level slog.Level, component, message string)

	// Framework is the handle a module receives at Setup. It is the
	// module's only window into the engine: no store access, no bus
	// access, no global state.
	Framework struct {
		scanID      string
		targetValue string
		targetType  string
		moduleName  string
		opts        map[string]string
		notify      NotifyFunc
		scanLog     ScanLogFunc
		logger      *slog.Logger
		ctx         context.Context
	}

	// FrameworkConfig bundles the dependencies injected into a Framework.
	FrameworkConfig struct {
		ScanID      string
		TargetValue string
		TargetType  string
		ModuleName  string
		Opts        map[string]string
		Notify      NotifyFunc
		ScanLog     ScanLogFunc
		Logger      *slog.Logger
		Ctx         context.Context
	}
)

// NewFramework creates a framework handle for one module within one scan.
func NewFramework(cfg FrameworkConfig) *Framework {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return &Framework{
		scanID:      cfg.ScanID,
		targetValue: cfg.TargetValue,
		targetType:  cfg.TargetType,
		moduleName:  cfg.ModuleName,
		opts:        cfg.Opts,
		notify:      cfg.Notify,
		scanLog:     cfg.ScanLog,
		logger:      logger.With(slog.String("scan_id", cfg.ScanID), slog.String("module", cfg.ModuleName)),
		ctx:         ctx,
	}
}

// ScanID returns the id of the scan this framework belongs to.
func (f *Framework) ScanID() string { return f.scanID }

// TargetValue returns the normalized scan target.
func (f *Framework) TargetValue() string { return f.targetValue }

// TargetType returns the classified target type.
func (f *Framework) TargetType() string { return f.targetType }

// NotifyListeners publishes a newly discovered event. The event must name a
// source; blocking here is the bus applying backpressure.
func (f *Framework) NotifyListeners(evt *event.Event) error {
	if evt != nil && evt.Module == "" {
		evt.Module = f.moduleName
	}

	return f.notify(evt)
}

// Option returns the value of a configuration option from the scan's frozen
// snapshot, or the empty string when unset.
func (f *Framework) Option(key string) string {
	return f.opts[key]
}

// OptionInt returns an integer option, falling back to def when unset or
// malformed.
func (f *Framework) OptionInt(key string, def int) int {
	v, ok := f.opts[key]
	if !ok {
		return def
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}

	return n
}

// OptionBool returns a boolean option, falling back to def when unset or
// malformed.
func (f *Framework) OptionBool(key string, def bool) bool {
	v, ok := f.opts[key]
	if !ok {
		return def
	}

	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}

	return def
}

// Context returns the scan-wide context. Modules must check it around any
// blocking call and return promptly once it is cancelled.
func (f *Framework) Context() context.Context { return f.ctx }

// Cancelled reports whether the scan has been asked to stop.
func (f *Framework) Cancelled() bool {
	return f.ctx.Err() != nil
}

// Debug logs at debug level to the process log and the scan log.
func (f *Framework) Debug(msg string) { f.log(slog.LevelDebug, msg) }

// Info logs at info level to the process log and the scan log.
func (f *Framework) Info(msg string) { f.log(slog.LevelInfo, msg) }

// Warn logs at warning level to the process log and the scan log.
func (f *Framework) Warn(msg string) { f.log(slog.LevelWarn, msg) }

// Error logs at error level to the process log and the scan log.
func (f *Framework) Error(msg string) { f.log(slog.LevelError, msg) }

func (f *Framework) log(level slog.Level, msg string) {
	f.logger.Log(f.ctx, level, msg)

	if f.scanLog != nil {
		f.scanLog(level, f.moduleName, msg)
	}
}
