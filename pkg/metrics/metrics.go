package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook metrics
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_webhook_events_total",
			Help: "Total number of webhook deliveries by admission decision",
		},
		[]string{"decision"},
	)

	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_builds_total",
			Help: "Total number of finished builds by status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inau_build_duration_seconds",
			Help:    "Wall-clock duration of remote builds in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inau_builder_queue_depth",
			Help: "Pending jobs per builder queue",
		},
		[]string{"platform", "builder"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inau_builder_workers_total",
			Help: "Running builder workers per platform",
		},
		[]string{"platform"},
	)

	// Object store metrics
	StoreIngestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_store_ingests_total",
			Help: "Total number of object store ingestions by outcome",
		},
		[]string{"outcome"},
	)

	StoreIngestBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inau_store_ingest_bytes_total",
			Help: "Total bytes hashed during object store ingestion",
		},
	)

	// Installer metrics
	InstallationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_installations_total",
			Help: "Total number of installation requests by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	// Mail metrics
	MailTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_mail_total",
			Help: "Total number of outgoing mails by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inau_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inau_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(StoreIngestsTotal)
	prometheus.MustRegister(StoreIngestBytes)
	prometheus.MustRegister(InstallationsTotal)
	prometheus.MustRegister(MailTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
