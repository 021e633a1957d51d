// Package metrics declares the Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/progress"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names.
const (
	MetricNameUploadsTotal       = "photosync_uploads_total"
	MetricNameBytesUploaded      = "photosync_bytes_uploaded_total"
	MetricNameSessionsTotal      = "photosync_sessions_total"
	MetricNameRunsTotal          = "photosync_runs_total"
	MetricNameDiscoveryTotal     = "photosync_discovery_total"
	MetricNameScansTotal         = "photosync_scans_total"
	MetricNameItems              = "photosync_items"
	MetricNameProgressPercent    = "photosync_progress_percent"
	MetricNameUploadDuration     = "photosync_upload_duration_seconds"
	MetricNameReconciledSynced   = "photosync_reconciled_synced_total"
	MetricNameHTTPRequestsTotal  = "photosync_http_requests_total"
	MetricNameConnectionsCurrent = "photosync_connected"
)

// Label names.
const (
	LabelResult = "result"
	LabelStatus = "status"
	LabelPath   = "path"
	LabelCode   = "code"
)

// Result label values.
const (
	ResultSynced    = "synced"
	ResultSkipped   = "skipped"
	ResultRetryable = "retryable"
	ResultFatal     = "fatal"
	ResultPaused    = "paused"
	ResultFound     = "found"
	ResultNotFound  = "not_found"
	ResultOK        = "ok"
	ResultError     = "error"
	ResultBusy      = "busy"
)

// UploadDurationBuckets spans small photos to multi-minute videos.
var UploadDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180}

// Transfer metrics
var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameUploadsTotal,
			Help: "Items processed by the upload orchestrator, by outcome",
		},
		[]string{LabelResult},
	)

	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBytesUploaded,
			Help: "File bytes sent to the server in FILE_CHUNK frames",
		},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricNameUploadDuration,
			Help:    "Time from PHOTO announcement to server acknowledgement",
			Buckets: UploadDurationBuckets,
		},
	)

	ReconciledSynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameReconciledSynced,
			Help: "Items marked synced because the server already held their hash",
		},
	)
)

// Session metrics
var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSessionsTotal,
			Help: "Protocol sessions opened, by outcome",
		},
		[]string{LabelResult},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRunsTotal,
			Help: "Sync runs started, by outcome",
		},
		[]string{LabelResult},
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameConnectionsCurrent,
			Help: "1 while a live server connection is held",
		},
	)

	DiscoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameDiscoveryTotal,
			Help: "Discovery attempts, by outcome",
		},
		[]string{LabelResult},
	)

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameScansTotal,
			Help: "Local media scans, by outcome",
		},
		[]string{LabelResult},
	)
)

// Progress metrics
var (
	Items = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameItems,
			Help: "Tracked media items, by sync status",
		},
		[]string{LabelStatus},
	)

	ProgressPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameProgressPercent,
			Help: "Uploaded bytes as a percentage of tracked bytes",
		},
	)
)

// HTTPRequestsTotal counts status-server requests.
var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricNameHTTPRequestsTotal,
		Help: "Status server requests, by route and response code",
	},
	[]string{LabelPath, LabelCode},
)

// ObserveSnapshot publishes a progress snapshot to the progress gauges.
func ObserveSnapshot(s progress.Snapshot) {
	for _, st := range models.AllStatuses {
		Items.WithLabelValues(string(st)).Set(float64(s.ByStatus[st]))
	}

	ProgressPercent.Set(float64(s.Percent))
}
