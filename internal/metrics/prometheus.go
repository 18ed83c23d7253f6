// Package metrics registers and serves the agent's Prometheus metrics.
package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/dhamstack/meshmon/pkg/logger"
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
    
    // Register common metrics
    pm.registerMetrics()
    
    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["sip_requests_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "sip_requests_total",
            Help: "Total SIP requests received by method and response code",
        },
        []string{"method", "response"},
    )

    pm.counters["directory_sync_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "directory_sync_total",
            Help: "Total directory fetch-and-publish cycles by outcome",
        },
        []string{"outcome"},
    )

    pm.counters["probe_sent_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "probe_sent_total",
            Help: "Total echo probes sent",
        },
        []string{"dst_node"},
    )

    pm.counters["probe_lost_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "probe_lost_total",
            Help: "Total echo probes that never received a response",
        },
        []string{"dst_node"},
    )

    pm.counters["quality_test_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "quality_test_total",
            Help: "Total phone quality tests by classification",
        },
        []string{"classification"},
    )

    // Histograms
    pm.histograms["probe_rtt_ms"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "probe_rtt_milliseconds",
            Help:    "Round-trip time of echo probes in milliseconds",
            Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
        },
        []string{"dst_node"},
    )

    pm.histograms["probe_jitter_ms"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "probe_jitter_milliseconds",
            Help:    "RFC 3550 interarrival jitter of echo probes in milliseconds",
            Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250},
        },
        []string{"dst_node"},
    )

    pm.histograms["quality_test_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "quality_test_duration_seconds",
            Help:    "Wall-clock duration of a phone quality test",
            Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
        },
        []string{"classification"},
    )

    // Gauges
    pm.gauges["sip_active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "sip_active_calls",
            Help: "Current number of in-progress call sessions",
        },
        []string{},
    )

    pm.gauges["sip_registered_users"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "sip_registered_users",
            Help: "Current number of active registered or directory-known users",
        },
        []string{},
    )

    pm.gauges["probe_loss_pct"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "probe_loss_pct",
            Help: "Most recent measured packet loss percentage per destination",
        },
        []string{"dst_node"},
    )

    pm.gauges["mesh_neighbor_count"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "mesh_neighbor_count",
            Help: "Current number of routing-daemon-reported neighbors",
        },
        []string{},
    )

    // Register all metrics
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
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
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
