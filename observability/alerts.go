package observability

import (
	"context"
	"log/slog"
)

// Alerter receives critical conditions that warrant operator attention:
// internal errors and circuit-breaker transitions to open. Implementations
// must not block the caller for long; delivery is best effort.
type Alerter interface {
	Alert(ctx context.Context, severity, summary string, fields map[string]string)
}

// LogAlerter reports alerts through the structured logger. It is the default
// alert channel when no external integration is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(ctx context.Context, severity, summary string, fields map[string]string) {
	logger := slog.Default()
	if a != nil && a.Logger != nil {
		logger = a.Logger
	}
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "severity", severity)
	for key, value := range fields {
		attrs = append(attrs, key, value)
	}
	logger.ErrorContext(ctx, "ALERT: "+summary, attrs...)
}

// AlerterFunc adapts ordinary functions to Alerter.
type AlerterFunc func(ctx context.Context, severity, summary string, fields map[string]string)

// Alert implements Alerter.
func (f AlerterFunc) Alert(ctx context.Context, severity, summary string, fields map[string]string) {
	if f == nil {
		return
	}
	f(ctx, severity, summary, fields)
}
