package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one server. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	downloads *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	sent      prometheus.Counter
	inflight  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagrab",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagrab",
			Name:      "downloads_total",
			Help:      "Finished download requests by platform and outcome.",
		}, []string{"platform", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediagrab",
			Name:      "download_duration_seconds",
			Help:      "Wall time of download requests, including streaming.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 90, 120, 180},
		}, []string{"platform"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediagrab",
			Name:      "download_bytes_total",
			Help:      "Artifact bytes streamed to clients.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediagrab",
			Name:      "downloads_in_flight",
			Help:      "Download requests currently running.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.downloads, m.duration, m.sent, m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// routeLabel keeps label cardinality bounded to the known routes.
func routeLabel(path string) string {
	switch path {
	case "/api/download", "/api/validate-url", "/api/status", "/api/ping", "/api/history", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/api/") {
		return "/api/other"
	}
	return "other"
}

func (m *Metrics) observeRequest(path string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(routeLabel(path), strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeDownload(rec DownloadRecord) {
	if m == nil {
		return
	}
	platform := rec.Platform
	if _, ok := ParsePlatform(platform); !ok {
		platform = "unknown"
	}
	outcome := "ok"
	if rec.ErrorKind != "" {
		outcome = rec.ErrorKind
	}
	m.downloads.WithLabelValues(platform, outcome).Inc()
	m.duration.WithLabelValues(platform).Observe(rec.Duration.Seconds())
	if rec.Bytes > 0 {
		m.sent.Add(float64(rec.Bytes))
	}
}

// startDownload marks a download as running until the returned func is called.
func (m *Metrics) startDownload() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}
