package admission

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("admission")

// diagf logs to the diag stream (policy changes).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-frame decisions).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
