package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oshokin/factory-update/internal/version"
)

// Error stages reported in factory_update_errors_total.
const (
	StageStat    = "stat"
	StageHash    = "hash"
	StagePublish = "publish"
	StagePointer = "pointer"
	StagePanic   = "panic"
)

// Metrics holds every collector exported by the server.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	runsTotal            prometheus.Counter
	updatesTotal         prometheus.Counter
	errorsTotal          *prometheus.CounterVec
	invalidArchivesTotal prometheus.Counter
	publishDuration      prometheus.Histogram
	daemonUp             prometheus.Gauge
	latestInfo           *prometheus.GaugeVec
	buildInfo            *prometheus.GaugeVec
}

// New returns a fresh registry with the Go and process collectors and the watcher metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_update_runs_total",
			Help: "Total number of watcher poll cycles",
		}),
		updatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_update_updates_total",
			Help: "Total number of versions extracted and promoted",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factory_update_errors_total",
			Help: "Total failed watcher cycles by stage",
		}, []string{"stage"}),
		invalidArchivesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_update_invalid_archives_total",
			Help: "Total archives that failed the integrity check",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "factory_update_publish_duration_seconds",
			Help:    "Time to copy, extract and promote one version",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		daemonUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "factory_update_daemon_up",
			Help: "Whether the rsync daemon is running (1) or not (0)",
		}),
		latestInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factory_update_latest_info",
			Help: "Currently advertised version (label carries the hash, value is always 1)",
		}, []string{"hash"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factory_update_build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "build_time", "go_version"}),
	}

	reg.MustRegister(
		m.runsTotal,
		m.updatesTotal,
		m.errorsTotal,
		m.invalidArchivesTotal,
		m.publishDuration,
		m.daemonUp,
		m.latestInfo,
		m.buildInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// SetBuildInfo publishes the build metadata; called once at startup.
func (m *Metrics) SetBuildInfo(info version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        info.App,
		"version":    info.Version,
		"commit":     info.Commit,
		"build_time": info.BuildTime,
		"go_version": info.GoVersion,
	}).Set(1)
}

// IncRuns counts a watcher cycle.
func (m *Metrics) IncRuns() {
	m.runsTotal.Inc()
}

// IncUpdates counts a promoted version.
func (m *Metrics) IncUpdates() {
	m.updatesTotal.Inc()
}

// IncError counts a failed cycle at the given stage.
func (m *Metrics) IncError(stage string) {
	m.errorsTotal.WithLabelValues(stage).Inc()
}

// IncInvalidArchive counts an archive rejected by the integrity check.
func (m *Metrics) IncInvalidArchive() {
	m.invalidArchivesTotal.Inc()
}

// ObservePublishDuration records how long a publish took.
func (m *Metrics) ObservePublishDuration(seconds float64) {
	m.publishDuration.Observe(seconds)
}

// SetDaemonUp records daemon liveness.
func (m *Metrics) SetDaemonUp(up bool) {
	if up {
		m.daemonUp.Set(1)

		return
	}

	m.daemonUp.Set(0)
}

// SetLatest replaces the advertised hash label.
func (m *Metrics) SetLatest(hash string) {
	m.latestInfo.Reset()
	m.latestInfo.WithLabelValues(hash).Set(1)
}
