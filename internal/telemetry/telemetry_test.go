// Package telemetry tests verify opt-in behavior.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	counts  map[string]int
	timings map[string]time.Duration
	errs    []error
	flushed int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: map[string]int{}, timings: map[string]time.Duration{}}
}

func (r *recordingSink) Count(name string, delta int, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += delta
}

func (r *recordingSink) Timing(name string, d time.Duration, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name] = d
}

func (r *recordingSink) Error(err error, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

// TestDisabledByDefault verifies nothing is recorded without opt-in.
func TestDisabledByDefault(t *testing.T) {
	if IsEnabled() {
		t.Fatal("IsEnabled() should be false by default")
	}
	if OptInStatus() != "disabled" {
		t.Errorf("OptInStatus() = %q", OptInStatus())
	}

	// Must not panic without a sink.
	RecordCount("actions", 1, nil)
	RecordTiming("cycle", time.Second, nil)
	TrackError(errors.New("boom"), nil)
	if err := Flush(context.Background()); err != nil {
		t.Errorf("Flush() = %v", err)
	}
}

// TestEnable verifies metrics reach the sink once opted in.
func TestEnable(t *testing.T) {
	s := newRecordingSink()
	if err := Enable(s); err != nil {
		t.Fatalf("Enable() = %v", err)
	}
	t.Cleanup(func() { Disable(context.Background()) })

	RecordCount("actions.completed", 2, map[string]string{"kind": "create_pet"})
	RecordCount("actions.completed", 1, nil)
	RecordTiming("cycle.duration", 250*time.Millisecond, nil)
	TrackError(errors.New("pull failed"), nil)
	TrackError(nil, nil)

	if s.counts["actions.completed"] != 3 {
		t.Errorf("count = %d, want 3", s.counts["actions.completed"])
	}
	if s.timings["cycle.duration"] != 250*time.Millisecond {
		t.Errorf("timing = %v", s.timings["cycle.duration"])
	}
	if len(s.errs) != 1 {
		t.Errorf("errors = %d, want 1", len(s.errs))
	}
	if OptInStatus() != "enabled" {
		t.Errorf("OptInStatus() = %q", OptInStatus())
	}
}

// TestDisable verifies opting out flushes and stops recording.
func TestDisable(t *testing.T) {
	s := newRecordingSink()
	Enable(s)

	if err := Disable(context.Background()); err != nil {
		t.Fatalf("Disable() = %v", err)
	}
	if s.flushed != 1 {
		t.Errorf("flushed = %d, want 1", s.flushed)
	}

	RecordCount("actions.completed", 1, nil)
	if s.counts["actions.completed"] != 0 {
		t.Error("recorded after Disable()")
	}
	if IsEnabled() {
		t.Error("IsEnabled() after Disable()")
	}
}

// TestEnable_nil verifies a nil sink is rejected.
func TestEnable_nil(t *testing.T) {
	if err := Enable(nil); !errors.Is(err, ErrNilSink) {
		t.Errorf("Enable(nil) = %v", err)
	}
}

// TestLogSink verifies the log sink accepts every metric type.
func TestLogSink(t *testing.T) {
	var s Sink = LogSink{}
	s.Count("actions", 1, nil)
	s.Timing("cycle", time.Millisecond, map[string]string{"phase": "pull"})
	s.Error(errors.New("x"), nil)
	if err := s.Flush(context.Background()); err != nil {
		t.Errorf("Flush() = %v", err)
	}
}
