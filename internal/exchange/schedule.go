package exchange

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// interval fires at a fixed delay after each activation. Unlike
// cron.Every it keeps sub-second precision.
type interval struct {
	delay time.Duration
}

func every(d time.Duration) cron.Schedule {
	return interval{delay: d}
}

func (i interval) Next(t time.Time) time.Time {
	return t.Add(i.delay)
}

// cronLogger routes scheduler diagnostics to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("[EXCHANGE] cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("[EXCHANGE] cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

var _ cron.Logger = cronLogger{}
