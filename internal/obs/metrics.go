package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsConfig struct {
	PanelTopK int
}

type Metrics struct {
	registry        *prometheus.Registry
	panels          *LabelLimiter
	captures        *prometheus.CounterVec
	invocations     *prometheus.CounterVec
	pruned          *prometheus.CounterVec
	panelFailures   *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec
	bundleBytes     prometheus.Gauge
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()

	captures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debugbar_relay_captures_total",
		Help: "Total relay captures by request mode",
	}, []string{"mode"})

	invocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debugbar_relay_invocations_total",
		Help: "Total script invocations delivered",
	}, []string{"method"})

	pruned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debugbar_relay_pruned_entries_total",
		Help: "Total entries dropped by retention",
	}, []string{"queue"})

	panelFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debugbar_relay_panel_failures_total",
		Help: "Total panels replaced by an error panel",
	}, []string{"panel"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debugbar_relay_store_errors_total",
		Help: "Total session store errors swallowed by the relay",
	}, []string{"op"})

	captureDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debugbar_relay_capture_duration_seconds",
		Help:    "Time spent rendering and storing a capture",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	bundleBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "debugbar_relay_asset_bundle_bytes",
		Help: "Size of the current script bundle",
	})

	registry.MustRegister(captures, invocations, pruned, panelFailures, storeErrors, captureDuration, bundleBytes)

	return &Metrics{
		registry:        registry,
		panels:          NewLabelLimiter(cfg.PanelTopK),
		captures:        captures,
		invocations:     invocations,
		pruned:          pruned,
		panelFailures:   panelFailures,
		storeErrors:     storeErrors,
		captureDuration: captureDuration,
		bundleBytes:     bundleBytes,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCapture(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(mode).Inc()
	m.captureDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) RecordInvocations(method string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.invocations.WithLabelValues(method).Add(float64(count))
}

func (m *Metrics) RecordPruned(queue string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pruned.WithLabelValues(queue).Add(float64(count))
}

func (m *Metrics) RecordPanelFailure(panelID string) {
	if m == nil {
		return
	}
	m.panelFailures.WithLabelValues(m.panels.Canon(panelID)).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetBundleBytes(size int) {
	if m == nil {
		return
	}
	m.bundleBytes.Set(float64(size))
}
