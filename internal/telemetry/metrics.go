package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's domain counters. A nil *Metrics records nothing.
type Metrics struct {
	admissions      *prometheus.CounterVec
	degraded        prometheus.Counter
	upstreamLatency *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	credits         *prometheus.CounterVec
	streamDrops     prometheus.Counter
	usageDrops      *prometheus.CounterVec
	trialFailures   prometheus.Counter
	creditFailures  prometheus.Counter
}

// NewMetrics registers the gateway metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admissions_total",
			Help: "Admission decisions by outcome and denying stage.",
		}, []string{"outcome", "reason"}),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ratelimit_degraded_total",
			Help: "Admissions decided on local counters because the shared store was unavailable.",
		}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Provider call latency, to completion of the response or stream.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "streamed"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Provider failures by category.",
		}, []string{"provider", "kind"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens metered, by provider and direction.",
		}, []string{"provider", "direction"}),
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_credits_total",
			Help: "Credits charged, by provider.",
		}, []string{"provider"}),
		streamDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_chunks_dropped_total",
			Help: "Upstream stream chunks dropped as malformed.",
		}),
		usageDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_usage_records_dropped_total",
			Help: "Usage records that were not persisted.",
		}, []string{"reason"}),
		trialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_trial_record_failures_total",
			Help: "Trial usage increments that failed to persist.",
		}),
		creditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_credit_deduct_failures_total",
			Help: "Owner credit deductions that failed to persist.",
		}),
	}
}

// Admitted counts an admission.
func (m *Metrics) Admitted(degraded bool) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("admitted", "").Inc()
	if degraded {
		m.degraded.Inc()
	}
}

// Denied counts a denial; reason is the rate-limit tier, trial dimension or
// pipeline stage.
func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("denied", reason).Inc()
}

// Upstream records one provider call.
func (m *Metrics) Upstream(provider string, streamed bool, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	s := "false"
	if streamed {
		s = "true"
	}
	m.upstreamLatency.WithLabelValues(provider, s).Observe(d.Seconds())
	if errKind != "" {
		m.upstreamErrors.WithLabelValues(provider, errKind).Inc()
	}
}

// Metered records the tokens and credits of a completed call.
func (m *Metrics) Metered(provider string, prompt, completion int, credits float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
	m.credits.WithLabelValues(provider).Add(credits)
}

// StreamChunkDropped counts a malformed upstream chunk.
func (m *Metrics) StreamChunkDropped() {
	if m == nil {
		return
	}
	m.streamDrops.Inc()
}

// UsageDropped counts a usage record lost by the sink.
func (m *Metrics) UsageDropped(reason string) {
	if m == nil {
		return
	}
	m.usageDrops.WithLabelValues(reason).Inc()
}

// TrialRecordFailed counts a failed trial increment.
func (m *Metrics) TrialRecordFailed() {
	if m == nil {
		return
	}
	m.trialFailures.Inc()
}

// CreditDeductFailed counts a failed owner balance deduction.
func (m *Metrics) CreditDeductFailed() {
	if m == nil {
		return
	}
	m.creditFailures.Inc()
}
