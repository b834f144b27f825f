package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 100 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()

	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}

	if duration > 2*sleepDuration {
		t.Errorf("Timer.Duration() = %v, want < %v", duration, 2*sleepDuration)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	if err := histogram.Write(&m); err != nil {
		t.Fatalf("reading histogram: %v", err)
	}

	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 observation, got %d", m.Histogram.GetSampleCount())
	}

	if m.Histogram.GetSampleSum() < 0.05 {
		t.Errorf("expected sample sum >= 0.05s, got %f", m.Histogram.GetSampleSum())
	}
}
