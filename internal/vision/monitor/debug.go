package monitor

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("monitor")

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
