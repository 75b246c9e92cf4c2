package sqlite

import "github.com/banshee-data/safety.report/internal/monitoring"

var logs = monitoring.NewStreams("storage")

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
