package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// value returns the counter value of the series with the given labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
		}
	}
	return 0
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Admitted(false)
	m.Admitted(true)
	m.Denied("minute")
	m.Upstream("openai", true, 250*time.Millisecond, "upstream_transient")
	m.Metered("openai", 10, 5, 0.0003)
	m.UsageDropped("queue full")

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"gateway_admissions_total", map[string]string{"outcome": "admitted"}, 2},
		{"gateway_admissions_total", map[string]string{"outcome": "denied", "reason": "minute"}, 1},
		{"gateway_ratelimit_degraded_total", nil, 1},
		{"gateway_upstream_duration_seconds", map[string]string{"provider": "openai", "streamed": "true"}, 1},
		{"gateway_upstream_errors_total", map[string]string{"kind": "upstream_transient"}, 1},
		{"gateway_tokens_total", map[string]string{"direction": "prompt"}, 10},
		{"gateway_tokens_total", map[string]string{"direction": "completion"}, 5},
		{"gateway_usage_records_dropped_total", map[string]string{"reason": "queue full"}, 1},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Admitted(true)
	m.Denied("burst")
	m.Upstream("x", false, time.Second, "")
	m.Metered("x", 1, 1, 1)
	m.StreamChunkDropped()
	m.UsageDropped("x")
	m.TrialRecordFailed()
	m.CreditDeductFailed()
}

func TestInitTracer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := InitTracer("test", io.Discard, logger)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	_, span := Tracer().Start(t.Context(), "unit")
	span.End()
	if err := shutdown(t.Context()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
