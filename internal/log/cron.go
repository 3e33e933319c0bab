package log

import "github.com/robfig/cron/v3"

type cronLogger struct{}

// Cron returns a cron.Logger that writes through this package. Cron's own
// info chatter (schedule, wake, run) is demoted to DEBUG.
func Cron() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, kv ...any) {
	Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	Error("cron: "+msg, err, kv...)
}
