package telemetry

import (
	"net/http"
	"time"

	"chatsync/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the sync engine. Registered on the default registry and
// exposed via promhttp on /metrics.
var (
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatsync",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "class"})

	SendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "sends_total",
		Help:      "Message send operations processed by the ingest pipeline.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "send_failures_total",
		Help:      "Send operations that failed during processing.",
	})

	ReactionToggles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "reaction_toggles_total",
		Help:      "Reaction toggle transactions committed.",
	})

	TxnRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "txn_retries_total",
		Help:      "Optimistic transaction commit retries.",
	})

	TxnConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "txn_conflicts_total",
		Help:      "Transactions that failed after exhausting the retry budget.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "ingest_queue_depth",
		Help:      "Current depth of the send ingest queue.",
	})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "ingest_queue_dropped_total",
		Help:      "Send operations rejected because the queue was full.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "ws_connections",
		Help:      "Open websocket subscription connections.",
	})

	BlobBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "blob_bytes_written_total",
		Help:      "Bytes streamed into the blob store.",
	})
)

// slowThreshold is the request duration beyond which a slow-request log
// line is emitted.
var slowThreshold = 500 * time.Millisecond

// SetSlowThreshold overrides the slow-request log threshold.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slowThreshold = d
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Middleware records request duration metrics and logs slow requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		RequestDuration.WithLabelValues(r.Method, statusClass(rec.status)).Observe(dur.Seconds())
		if dur > slowThreshold {
			logger.Warn("slow_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", dur.Milliseconds(),
			)
		}
	})
}
