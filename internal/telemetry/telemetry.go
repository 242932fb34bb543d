// Package telemetry defines the logging, metrics, and tracing ports shared by
// every gateway component. The interfaces are intentionally small so that
// callers can depend on them without pulling in a specific backend; concrete
// implementations live alongside this file (Noop, zap+otel).
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages. Implementations must be safe for
	// concurrent use. Every error that crosses a component boundary and is
	// converted to an HTTP response is logged exactly once through a Logger
	// (see internal/tzerr.LogAndRespond).
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for request handling, provider
	// calls, cache hits/misses, and batch progress.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
	}

	// Tracer creates spans around provider calls, cache lookups, and store
	// writes.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a single traced operation.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)
