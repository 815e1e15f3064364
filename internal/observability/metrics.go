package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	transportRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Requests handed to the link, by outcome of the send path.",
		},
		[]string{"outcome"},
	)
	transportResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "responses_matched_total",
			Help:      "Inbound frames matched to a pending exchange.",
		},
	)
	transportTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "timeouts_total",
			Help:      "Pending exchanges expired by the timeout sweeper.",
		},
	)
	transportUnmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "unmatched_frames_total",
			Help:      "Inbound frames carrying a tag with no pending exchange.",
		},
	)
	transportMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames too short to carry a PLDM header.",
		},
	)
	transportPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pldmagent",
			Subsystem: "transport",
			Name:      "pending_exchanges",
			Help:      "Exchanges currently awaiting a response.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pldmagent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		},
		[]string{"agent", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pldmagent",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transportRequests, transportResponses, transportTimeouts,
			transportUnmatched, transportMalformed, transportPending,
			httpRequests, httpDuration,
		)
	})
}

func RecordRequestSent() {
	RegisterMetrics()
	transportRequests.WithLabelValues("sent").Inc()
}

func RecordSendFailure() {
	RegisterMetrics()
	transportRequests.WithLabelValues("send_failed").Inc()
}

func RecordRequestRejected() {
	RegisterMetrics()
	transportRequests.WithLabelValues("rejected").Inc()
}

func RecordResponseMatched() {
	RegisterMetrics()
	transportResponses.Inc()
}

func RecordTimeout(count int) {
	RegisterMetrics()
	transportTimeouts.Add(float64(count))
}

func RecordUnmatchedFrame() {
	RegisterMetrics()
	transportUnmatched.Inc()
}

func RecordMalformedFrame() {
	RegisterMetrics()
	transportMalformed.Inc()
}

func SetPendingExchanges(n int) {
	RegisterMetrics()
	transportPending.Set(float64(n))
}

func RecordHTTPRequest(agent, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(agent, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(agent, method, path, statusLabel).Observe(duration.Seconds())
}
