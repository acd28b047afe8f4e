// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline implements sender.Observer and records tracker decisions.
type Pipeline struct {
	EventsStored    *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	UploadedRecords *prometheus.CounterVec
	UploadDuration  *prometheus.HistogramVec
	QueueRows       *prometheus.GaugeVec
	EventsProcessed *prometheus.CounterVec
}

// New registers the pipeline collectors with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Pipeline{
		EventsStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_stored_total",
			Help: "Payloads written to the event store",
		}, []string{"table"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_store_errors_total",
			Help: "Failed event store writes",
		}, []string{"table"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_uploads_total",
			Help: "Upload attempts by outcome and HTTP status (0 when no response)",
		}, []string{"table", "outcome", "status"}),
		UploadedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_uploaded_records_total",
			Help: "Records delivered by successful uploads",
		}, []string{"table"}),
		UploadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_upload_duration_seconds",
			Help:    "Upload request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		QueueRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_queue_rows",
			Help: "Rows waiting in the event store",
		}, []string{"table"}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_processed_total",
			Help: "Events offered to the manager by result",
		}, []string{"result"}),
	}
}

func (p *Pipeline) EventStored(table string, err error) {
	if err != nil {
		p.StoreErrors.WithLabelValues(table).Inc()
		return
	}
	p.EventsStored.WithLabelValues(table).Inc()
}

func (p *Pipeline) UploadFinished(table string, records int, statusCode int, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.Uploads.WithLabelValues(table, outcome, strconv.Itoa(statusCode)).Inc()
	p.UploadDuration.WithLabelValues(table).Observe(elapsed.Seconds())
	if err == nil {
		p.UploadedRecords.WithLabelValues(table).Add(float64(records))
	}
}

func (p *Pipeline) SetQueueRows(table string, rows int64) {
	p.QueueRows.WithLabelValues(table).Set(float64(rows))
}

func (p *Pipeline) EventProcessed(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	p.EventsProcessed.WithLabelValues(result).Inc()
}
