// Package libtracker provides activity tracking for service operations.
// A tracker observes the start, outcome, and duration of each operation;
// service decorators report through it so the services themselves stay
// free of logging concerns.
package libtracker

import (
	"context"
	"log/slog"
	"time"
)

type contextKey string

// ActivityTracker observes service operations. Start returns three
// functions: reportErr records a failure, reportChange records a state
// change with its subject id and payload, and end closes the span.
type ActivityTracker interface {
	Start(ctx context.Context, operation string, subject string, kvArgs ...any) (reportErr func(error), reportChange func(id string, data map[string]interface{}), end func())
}

// logActivityTracker writes activity to a structured logger.
type logActivityTracker struct {
	logger *slog.Logger
}

// NewLogActivityTracker creates an ActivityTracker that reports to the
// given slog logger.
func NewLogActivityTracker(logger *slog.Logger) ActivityTracker {
	return &logActivityTracker{logger: logger}
}

func (t *logActivityTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, map[string]interface{}), func()) {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	if !ok || requestID == "" {
		// Entry points are expected to stamp a request ID; flag the gap
		// loudly so it gets fixed rather than silently losing correlation.
		requestID = "SERVERBUG-missing-request-id"
	}
	attrs := []any{
		slog.String("operation", operation),
		slog.String("subject", subject),
		slog.String("request_id", requestID),
	}
	if traceID, ok := ctx.Value(ContextKeyTraceID).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	attrs = append(attrs, kvArgs...)

	start := time.Now()
	logger := t.logger.With(attrs...)
	logger.Debug("activity started")

	reportErr := func(err error) {
		logger.Error("activity failed", "error", err, "duration", time.Since(start).String())
	}
	reportChange := func(id string, data map[string]interface{}) {
		logger.Info("activity changed state", "id", id, "data", data)
	}
	end := func() {
		logger.Debug("activity finished", "duration", time.Since(start).String())
	}
	return reportErr, reportChange, end
}

// NoopTracker discards all activity.
type NoopTracker struct{}

func (NoopTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, map[string]interface{}), func()) {
	return func(error) {}, func(string, map[string]interface{}) {}, func() {}
}

// ChainedTracker fans activity out to multiple trackers in order.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, map[string]interface{}), func()) {
	reportErrs := make([]func(error), 0, len(c))
	reportChanges := make([]func(string, map[string]interface{}), 0, len(c))
	ends := make([]func(), 0, len(c))
	for _, tracker := range c {
		reportErr, reportChange, end := tracker.Start(ctx, operation, subject, kvArgs...)
		reportErrs = append(reportErrs, reportErr)
		reportChanges = append(reportChanges, reportChange)
		ends = append(ends, end)
	}
	return func(err error) {
			for _, f := range reportErrs {
				f(err)
			}
		}, func(id string, data map[string]interface{}) {
			for _, f := range reportChanges {
				f(id, data)
			}
		}, func() {
			for _, f := range ends {
				f()
			}
		}
}
