package synthetic

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("synthetic")

func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
