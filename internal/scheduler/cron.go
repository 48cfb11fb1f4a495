// Package scheduler fires durable reminders and periodic proactive
// check-ins on an in-process cron.
package scheduler

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// NewCron returns a UTC cron whose jobs recover from panics.
func NewCron(logger *slog.Logger) *cron.Cron {
	if logger == nil {
		logger = slog.Default()
	}
	l := cronLogger{logger: logger}
	return cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// onceSchedule yields its time once and then never again. A time in the
// past makes cron run the job immediately.
type onceSchedule struct {
	at     time.Time
	issued atomic.Bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	if s.issued.Swap(true) {
		return time.Time{}
	}
	return s.at
}
