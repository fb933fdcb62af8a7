// Package telemetry provides the logging and metrics facade shared by every
// Wooster subsystem. Logging delegates to goa.design/clue/log so output
// formatting, debug level and quiet mode are controlled once via the root
// context built in cmd/wooster. Metrics delegate to OpenTelemetry counters
// and histograms obtained from the global MeterProvider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// Logger emits structured, leveled log entries. Implementations must be
	// safe for concurrent use. Key-value pairs alternate keys (strings) and
	// values; non-string keys are dropped.
	Logger interface {
		// Debug emits a debug-level entry.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level entry.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level entry.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level entry. err may be nil.
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for subsystem instrumentation.
	Metrics interface {
		// IncCounter increments the named counter. Tags alternate keys and values.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram sample.
		RecordTimer(name string, d time.Duration, tags ...string)
	}

	// ClueLogger implements Logger on top of goa.design/clue/log.
	ClueLogger struct{}

	// OTelMetrics implements Metrics on top of OpenTelemetry metrics.
	OTelMetrics struct {
		meter metric.Meter
	}

	// NoopLogger discards all entries. Useful as a default in tests.
	NoopLogger struct{}

	// NoopMetrics discards all samples.
	NoopMetrics struct{}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// The logger reads formatting and debug settings from the context (set via
// log.Context, log.WithFormat and log.WithDebug).
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOTelMetrics constructs a Metrics recorder using the global OTel
// MeterProvider. Configure the provider before invoking runtime methods.
func NewOTelMetrics() Metrics {
	return &OTelMetrics{meter: otel.Meter("github.com/wooster-ai/wooster")}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Debug(ctx, fielders...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Info(ctx, fielders...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Warn(ctx, fielders...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, err error, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Error(ctx, err, fielders...)
}

// IncCounter increments a counter metric by the given value.
func (m *OTelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *OTelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, error, string, ...any) {}

// IncCounter implements Metrics.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// kvSliceToClue converts variadic key-value pairs (k1, v1, k2, v2, ...) into
// Clue's log.Fielder slice. If the slice has an odd length, the last key is
// paired with nil. Non-string keys are skipped.
func kvSliceToClue(keyvals []any) []log.Fielder {
	var fielders []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k := keyvals[i]
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		keyStr, ok := k.(string)
		if !ok {
			continue
		}
		fielders = append(fielders, log.KV{K: keyStr, V: v})
	}
	return fielders
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTel attributes
// for metric dimensions. If the slice has an odd length, the last key is
// paired with an empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
