package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 编辑器进程指标，nil 时所有方法为空操作
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	tileFetches         *prometheus.CounterVec
	tileCacheHits       prometheus.Counter
	tileVersion         prometheus.Gauge
	saves               *prometheus.CounterVec
	saveDuration        prometheus.Histogram
	backendCalls        *prometheus.CounterVec
	patternRasterized   prometheus.Counter
	pendingEntries      prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests served by the editor",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zonemap",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests served by the editor",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		tileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "tile_fetches_total",
			Help:      "Vector tile fetches by result",
		}, []string{"result"}),
		tileCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "tile_cache_hits_total",
			Help:      "Vector tiles served from the version cache",
		}),
		tileVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonemap",
			Name:      "tile_version",
			Help:      "Current tile cache version",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "saves_total",
			Help:      "Bulk saves by result",
		}, []string{"result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zonemap",
			Name:      "save_duration_seconds",
			Help:      "Duration of bulk saves",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "backend_calls_total",
			Help:      "Calls to the zone backend by operation and error kind",
		}, []string{"op", "kind"}),
		patternRasterized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonemap",
			Name:      "patterns_rasterized_total",
			Help:      "Fill patterns rasterized (memo misses)",
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonemap",
			Name:      "pending_entries",
			Help:      "Local draw entries not yet saved",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpRequestDuration,
		m.tileFetches,
		m.tileCacheHits,
		m.tileVersion,
		m.saves,
		m.saveDuration,
		m.backendCalls,
		m.patternRasterized,
		m.pendingEntries,
	)
	return m
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveTileFetch result 为 ok / error / auth_retry
func (m *Metrics) ObserveTileFetch(result string) {
	if m == nil {
		return
	}
	m.tileFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTileCacheHit() {
	if m == nil {
		return
	}
	m.tileCacheHits.Inc()
}

func (m *Metrics) SetTileVersion(v uint64) {
	if m == nil {
		return
	}
	m.tileVersion.Set(float64(v))
}

func (m *Metrics) ObserveSave(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
	m.saveDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveBackendCall(op, kind string) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) IncPatternRasterized() {
	if m == nil {
		return
	}
	m.patternRasterized.Inc()
}

func (m *Metrics) SetPendingEntries(n int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(n))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
