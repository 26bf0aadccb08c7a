// Package metrics provides Prometheus metrics for the mod update engine.
//
// Collectors are registered on a caller-supplied registry so independent
// update services (and tests) never share global state. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors
type Metrics struct {
	filesIndexed     prometheus.Counter
	hashCacheLookups *prometheus.CounterVec
	indexFallbacks   prometheus.Counter
	manifestFetches  *prometheus.CounterVec
	planOperations   *prometheus.CounterVec
	downloadsTotal   *prometheus.CounterVec
	bytesDownloaded  prometheus.Counter
	downloadDuration prometheus.Histogram
	appliesTotal     *prometheus.CounterVec
	applyDuration    prometheus.Histogram
	deleteFailures   prometheus.Counter
	publishedFiles   prometheus.Counter
	activeDownloads  prometheus.Gauge
}

// New registers the engine's collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		filesIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "modupdater_files_indexed_total",
			Help: "Total number of local files hashed or served from the digest cache",
		}),
		hashCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modupdater_hash_cache_lookups_total",
			Help: "Digest cache lookups by result",
		}, []string{"result"}),
		indexFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "modupdater_index_fallbacks_total",
			Help: "Mods indexed by a full directory walk because their references could not be resolved",
		}),
		manifestFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modupdater_manifest_fetches_total",
			Help: "Update manifest requests by status",
		}, []string{"status"}),
		planOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modupdater_plan_operations_total",
			Help: "Planned file operations by kind (download, clone, delete)",
		}, []string{"kind"}),
		downloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modupdater_downloads_total",
			Help: "Transfer payload downloads by status",
		}, []string{"status"}),
		bytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "modupdater_bytes_downloaded_total",
			Help: "Total compressed payload bytes downloaded",
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "modupdater_download_duration_seconds",
			Help:    "Time to download and verify one transfer payload",
			Buckets: prometheus.DefBuckets,
		}),
		appliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modupdater_applies_total",
			Help: "Update applications by status",
		}, []string{"status"}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "modupdater_apply_duration_seconds",
			Help:    "Time to commit a staged update to the live tree",
			Buckets: prometheus.DefBuckets,
		}),
		deleteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "modupdater_delete_failures_total",
			Help: "Obsolete files that could not be deleted",
		}),
		publishedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "modupdater_published_files_total",
			Help: "Files compressed for upload",
		}),
		activeDownloads: f.NewGauge(prometheus.GaugeOpts{
			Name: "modupdater_active_downloads",
			Help: "Number of transfer payloads currently in flight",
		}),
	}
}

// Handler returns an HTTP handler serving the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// FileIndexed records one indexed file and whether its digest came from the cache.
func (m *Metrics) FileIndexed(cached bool) {
	if m == nil {
		return
	}
	m.filesIndexed.Inc()
	if cached {
		m.hashCacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.hashCacheLookups.WithLabelValues("miss").Inc()
	}
}

// IndexFallback records a mod indexed by full walk.
func (m *Metrics) IndexFallback() {
	if m == nil {
		return
	}
	m.indexFallbacks.Inc()
}

// ManifestFetch records a manifest request outcome.
func (m *Metrics) ManifestFetch(err error) {
	if m == nil {
		return
	}
	m.manifestFetches.WithLabelValues(status(err)).Inc()
}

// Planned records the size of a computed plan.
func (m *Metrics) Planned(downloads, clones, deletions int) {
	if m == nil {
		return
	}
	m.planOperations.WithLabelValues("download").Add(float64(downloads))
	m.planOperations.WithLabelValues("clone").Add(float64(clones))
	m.planOperations.WithLabelValues("delete").Add(float64(deletions))
}

// DownloadStarted tracks an in-flight payload.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.activeDownloads.Inc()
}

// DownloadFinished records a payload outcome.
func (m *Metrics) DownloadFinished(bytes int64, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.activeDownloads.Dec()
	m.downloadsTotal.WithLabelValues(status(err)).Inc()
	m.bytesDownloaded.Add(float64(bytes))
	m.downloadDuration.Observe(elapsed.Seconds())
}

// Applied records one commit of a staged update.
func (m *Metrics) Applied(elapsed time.Duration, deleteFailures int, err error) {
	if m == nil {
		return
	}
	m.appliesTotal.WithLabelValues(status(err)).Inc()
	m.applyDuration.Observe(elapsed.Seconds())
	m.deleteFailures.Add(float64(deleteFailures))
}

// Published records files compressed for upload.
func (m *Metrics) Published(n int) {
	if m == nil {
		return
	}
	m.publishedFiles.Add(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
