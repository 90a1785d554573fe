package metrics

import (
	"net/http"
	"time"

	"ref2vec/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes import metrics
type Collector struct {
	registry        *prometheus.Registry
	documentsTotal  *prometheus.CounterVec
	downloadsTotal  *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	inflightFetches prometheus.Gauge
	progressTracker *progress.Tracker
}

// New creates a metrics collector with its own registry so repeated runs in
// one process never double-register
func New() *Collector {
	c := &Collector{
		documentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_documents_total",
				Help: "Total number of documents processed",
			},
			[]string{"status"},
		),
		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_downloads_total",
				Help: "Total number of attachment downloads",
			},
			[]string{"source", "status"},
		),
		bytesDownloaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "import_download_bytes_total",
				Help: "Total attachment bytes downloaded",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "import_stage_duration_seconds",
				Help:    "Time spent per pipeline stage per document",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		inflightFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "import_inflight_fetches",
				Help: "Number of attachment fetches currently running",
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(c.documentsTotal)
	c.registry.MustRegister(c.downloadsTotal)
	c.registry.MustRegister(c.bytesDownloaded)
	c.registry.MustRegister(c.stageDuration)
	c.registry.MustRegister(c.inflightFetches)

	return c
}

// IncDocument counts one document outcome (completed/failed/skipped)
func (c *Collector) IncDocument(status string) {
	c.documentsTotal.WithLabelValues(status).Inc()
}

// IncDownload counts one download outcome per source
func (c *Collector) IncDownload(source, status string, bytes int64) {
	c.downloadsTotal.WithLabelValues(source, status).Inc()
	if bytes > 0 {
		c.bytesDownloaded.Add(float64(bytes))
	}
}

// ObserveStage records the duration of one pipeline stage
func (c *Collector) ObserveStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// FetchStarted and FetchFinished bracket one in-flight download
func (c *Collector) FetchStarted()  { c.inflightFetches.Inc() }
func (c *Collector) FetchFinished() { c.inflightFetches.Dec() }

// StartServer starts the metrics HTTP server on addr
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

// GetProgressTracker returns the shared progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
