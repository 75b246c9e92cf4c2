package monitoring

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Logf is the package-level diagnostic logger. It defaults to a no-op until
// SetLogger installs a zap logger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = func(string, ...interface{}) {}

var sugared atomic.Pointer[zap.SugaredLogger]

func init() {
	sugared.Store(zap.NewNop().Sugar())
}

// SetLogger installs l as the process logger. Passing nil mutes logging.
func SetLogger(l *zap.Logger) {
	if l == nil {
		sugared.Store(zap.NewNop().Sugar())
		Logf = func(string, ...interface{}) {}
		return
	}
	s := l.Sugar()
	sugared.Store(s)
	Logf = s.Infof
}

// Logger returns the sugared logger installed by SetLogger.
func Logger() *zap.SugaredLogger {
	return sugared.Load()
}

// Named returns a child of the installed logger scoped to a component.
func Named(component string) *zap.SugaredLogger {
	return sugared.Load().Named(component)
}

// Streams splits a package's logging into three streams: ops (actionable
// warnings, data loss), diag (day-to-day diagnostics) and trace
// (per-frame telemetry). They map to warn, info and debug on the installed
// logger and follow later SetLogger calls.
type Streams struct {
	component string
}

// NewStreams returns the log streams for component.
func NewStreams(component string) Streams {
	return Streams{component: component}
}

func (s Streams) Opsf(format string, args ...interface{}) {
	Named(s.component).Warnf(format, args...)
}

func (s Streams) Diagf(format string, args ...interface{}) {
	Named(s.component).Infof(format, args...)
}

func (s Streams) Tracef(format string, args ...interface{}) {
	Named(s.component).Debugf(format, args...)
}

// NewLogger builds a production JSON logger at the given level
// ("debug", "info", "warn", "error"; empty means info).
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return cfg.Build()
}
