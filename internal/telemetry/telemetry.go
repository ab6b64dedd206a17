// Package telemetry records sync metrics. Nothing is recorded unless the user
// has opted in by installing a Sink; every function is a no-op otherwise.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petlink/core/internal/logging"
)

// Sink receives recorded metrics.
type Sink interface {
	Count(name string, delta int, tags map[string]string)
	Timing(name string, d time.Duration, tags map[string]string)
	Error(err error, context map[string]interface{})
	Flush(ctx context.Context) error
}

var (
	mu   sync.RWMutex
	sink Sink
)

// ErrNilSink is returned by Enable when no sink is given.
var ErrNilSink = errors.New("telemetry: nil sink")

// IsEnabled reports whether the user has opted in.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return sink != nil
}

// Enable opts in, sending metrics to s.
func Enable(s Sink) error {
	if s == nil {
		return ErrNilSink
	}
	mu.Lock()
	defer mu.Unlock()
	sink = s
	return nil
}

// Disable opts out and flushes whatever the previous sink buffered.
func Disable(ctx context.Context) error {
	mu.Lock()
	s := sink
	sink = nil
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Flush(ctx)
}

// OptInStatus returns "enabled" or "disabled".
func OptInStatus() string {
	if IsEnabled() {
		return "enabled"
	}
	return "disabled"
}

func current() Sink {
	mu.RLock()
	defer mu.RUnlock()
	return sink
}

// RecordCount records a counter increment.
func RecordCount(name string, delta int, tags map[string]string) {
	if s := current(); s != nil {
		s.Count(name, delta, tags)
	}
}

// RecordTiming records a duration.
func RecordTiming(name string, d time.Duration, tags map[string]string) {
	if s := current(); s != nil {
		s.Timing(name, d, tags)
	}
}

// TrackError records an error.
func TrackError(err error, context map[string]interface{}) {
	if err == nil {
		return
	}
	if s := current(); s != nil {
		s.Error(err, context)
	}
}

// Flush flushes the sink, if any.
func Flush(ctx context.Context) error {
	if s := current(); s != nil {
		return s.Flush(ctx)
	}
	return nil
}

// LogSink writes metrics to the local structured log. It never transmits
// anything off the device.
type LogSink struct{}

// Count implements Sink.
func (LogSink) Count(name string, delta int, tags map[string]string) {
	logging.Debug("metric", map[string]interface{}{"name": name, "count": delta, "tags": tags})
}

// Timing implements Sink.
func (LogSink) Timing(name string, d time.Duration, tags map[string]string) {
	logging.Debug("metric", map[string]interface{}{"name": name, "duration_ms": d.Milliseconds(), "tags": tags})
}

// Error implements Sink.
func (LogSink) Error(err error, context map[string]interface{}) {
	logging.Error("telemetry error", err, context)
}

// Flush implements Sink.
func (LogSink) Flush(context.Context) error { return nil }
