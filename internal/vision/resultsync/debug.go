package resultsync

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("resultsync")

// opsf logs to the ops stream (entries lost to overflow).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// tracef logs to the trace stream (per-submission telemetry).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
