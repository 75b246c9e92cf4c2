package orchestrator

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("orchestrator")

// opsf logs to the ops stream (panics, lost writes).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (run summaries, dropped deferred results).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-stage scheduling).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
