package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["registry_admissions_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_admissions_total",
			Help: "Calls admitted into the registry",
		},
		[]string{"provider"},
	)

	pm.counters["registry_admissions_rejected"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_admissions_rejected_total",
			Help: "Admissions rejected, by reason",
		},
		[]string{"reason"},
	)

	pm.counters["registry_transitions_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_call_transitions_total",
			Help: "Call state transitions applied",
		},
		[]string{"target"},
	)

	pm.counters["registry_calls_failed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_calls_failed_total",
			Help: "Calls that ended in failed state, by reason",
		},
		[]string{"reason"},
	)

	pm.counters["registry_calls_timeout"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_calls_timeout_total",
			Help: "Calls reaped after exceeding their state timeout",
		},
		[]string{"state"},
	)

	pm.counters["registry_warmups_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_warmups_total",
			Help: "Bot warmup attempts, by result",
		},
		[]string{"result"},
	)

	pm.counters["registry_webhook_events"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_webhook_events_total",
			Help: "Webhook events applied to the registry",
		},
		[]string{"event", "provider"},
	)

	pm.counters["webhooks_received"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_webhooks_received_total",
			Help: "Raw webhook deliveries received",
		},
		[]string{"provider", "event"},
	)

	pm.counters["runner_calls_placed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_runner_calls_placed_total",
			Help: "Campaign calls handed to a provider",
		},
		[]string{"provider"},
	)

	pm.counters["runner_autopause_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_runner_autopause_total",
			Help: "Campaigns auto-paused by the runner",
		},
		[]string{"reason"},
	)

	pm.counters["runner_campaigns_completed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_campaigns_completed_total",
			Help: "Campaigns driven to completion",
		},
		[]string{},
	)

	pm.counters["sweeper_adoptions_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sweeper_adoptions_total",
			Help: "Orphaned campaigns adopted by the sweeper",
		},
		[]string{},
	)

	pm.counters["api_campaigns_created"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_api_campaigns_created_total",
			Help: "Campaigns created through the API",
		},
		[]string{},
	)

	pm.counters["api_test_calls_placed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_api_test_calls_total",
			Help: "Ad-hoc test calls placed through the API",
		},
		[]string{"provider"},
	)

	// Histograms
	pm.histograms["registry_call_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_call_duration_seconds",
			Help:    "Billable call duration",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"provider"},
	)

	pm.histograms["api_request_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method"},
	)

	// Gauges
	pm.gauges["registry_active_calls"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_active_calls",
			Help: "Calls currently in a non-terminal state",
		},
		[]string{},
	)

	pm.gauges["sweeper_orphans_seen"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_sweeper_orphans_seen",
			Help: "Orphaned campaigns found on the last sweep",
		},
		[]string{},
	)

	for _, counter := range pm.counters {
		prometheus.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		prometheus.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		prometheus.MustRegister(gauge)
	}
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("Metrics server started")
	return http.ListenAndServe(addr, nil)
}
