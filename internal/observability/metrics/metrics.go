package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// WizardMetrics exposes counters/histograms for wizard and provider flows.
type WizardMetrics struct {
	stepSubmissions  *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	autosaveFlushes  *prometheus.CounterVec
}

func NewWizardMetrics(reg prometheus.Registerer) *WizardMetrics {
	m := &WizardMetrics{
		stepSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dr",
			Subsystem: "wizard",
			Name:      "step_submissions_total",
			Help:      "Total wizard step submissions by result",
		}, []string{"form_type", "step", "result"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dr",
			Subsystem: "wizard",
			Name:      "provider_requests_total",
			Help:      "Total scheduling provider calls",
		}, []string{"mode", "operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dr",
			Subsystem: "wizard",
			Name:      "provider_latency_seconds",
			Help:      "Latency of scheduling provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "operation"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dr",
			Subsystem: "wizard",
			Name:      "rate_limited_total",
			Help:      "Provider requests refused by the per-instance budget",
		}, []string{"instance"}),
		autosaveFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dr",
			Subsystem: "wizard",
			Name:      "autosave_flush_total",
			Help:      "Autosave snapshot writes by result",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.stepSubmissions, m.providerRequests, m.providerLatency, m.rateLimited, m.autosaveFlushes)
	return m
}

func (m *WizardMetrics) ObserveStepSubmission(formType string, step int, result string) {
	if m == nil {
		return
	}
	m.stepSubmissions.WithLabelValues(formType, strconv.Itoa(step), result).Inc()
}

func (m *WizardMetrics) ObserveProviderCall(mode, operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(mode, operation, outcome).Inc()
	m.providerLatency.WithLabelValues(mode, operation).Observe(seconds)
}

func (m *WizardMetrics) ObserveRateLimited(instanceID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(instanceID).Inc()
}

func (m *WizardMetrics) ObserveAutosaveFlush(result string) {
	if m == nil {
		return
	}
	m.autosaveFlushes.WithLabelValues(result).Inc()
}
