package stability

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("stability")

// diagf logs to the diag stream (verdict transitions, purges).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-observation telemetry).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
