// Package metrics provides Prometheus metrics for the drive service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the given registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds every drive metric. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // drive_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // drive_request_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // drive_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // drive_bytes_downloaded_total

	QuotaRejections      prometheus.Counter // drive_quota_rejections_total
	FilesPurged          prometheus.Counter // drive_files_purged_total
	OrphanBlobsReclaimed prometheus.Counter // drive_orphan_blobs_reclaimed_total
	QuotaDrift           prometheus.Counter // drive_quota_drift_total
}

// New registers the drive metrics with reg. A nil reg creates unregistered
// metrics, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drive_requests_total",
			Help: "Total drive requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drive_request_duration_seconds",
			Help:    "Drive request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		}),

		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		}),

		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_quota_rejections_total",
			Help: "Registrations rejected because the owner was over quota",
		}),

		FilesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_files_purged_total",
			Help: "Files permanently deleted, by users or trash retention",
		}),

		OrphanBlobsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_orphan_blobs_reclaimed_total",
			Help: "Blobs without a file record removed by reconciliation",
		}),

		QuotaDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_quota_drift_total",
			Help: "Owners whose ledger usage disagreed with their file records",
		}),
	}
}

// RecordRequest records one request.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes downloaded.
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

func (m *Metrics) QuotaRejected() {
	if m != nil {
		m.QuotaRejections.Inc()
	}
}

func (m *Metrics) FilePurged() {
	if m != nil {
		m.FilesPurged.Inc()
	}
}

func (m *Metrics) OrphansReclaimed(n int) {
	if m != nil && n > 0 {
		m.OrphanBlobsReclaimed.Add(float64(n))
	}
}

func (m *Metrics) DriftDetected(n int) {
	if m != nil && n > 0 {
		m.QuotaDrift.Add(float64(n))
	}
}
