package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hwbinder"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "transactions_total",
			Help:      "Transactions by direction, one-way flag and outcome.",
		},
		[]string{"direction", "oneway", "status"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "transaction_duration_seconds",
			Help:      "Transaction duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"direction", "oneway", "status"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handler_failures_total",
			Help:      "Handler errors and recovered panics.",
		},
		[]string{"kind"},
	)
	onewaySpam = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "oneway_spam_total",
			Help:      "One-way transactions received above the per-connection rate.",
		},
		[]string{"peer"},
	)
	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by kind and result.",
		},
		[]string{"op", "result"},
	)
	liveEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "live_endpoints",
			Help:      "Endpoints acquired and not yet released.",
		},
	)
	poolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "threadpool",
			Name:      "workers",
			Help:      "Goroutines currently serving the shared transaction queue.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "threadpool",
			Name:      "queue_depth",
			Help:      "Work items waiting in the shared transaction queue.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transactions,
			transactionDuration,
			handlerFailures,
			onewaySpam,
			registryOps,
			liveEndpoints,
			poolWorkers,
			queueDepth,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordTransaction counts one finished transaction. direction is "local",
// "outgoing" or "incoming".
func RecordTransaction(direction string, oneway bool, status string, duration time.Duration) {
	RegisterMetrics()
	onewayLabel := strconv.FormatBool(oneway)
	transactions.WithLabelValues(direction, onewayLabel, status).Inc()
	transactionDuration.WithLabelValues(direction, onewayLabel, status).Observe(duration.Seconds())
}

func RecordHandlerFailure(kind string) {
	RegisterMetrics()
	handlerFailures.WithLabelValues(kind).Inc()
}

func RecordOnewaySpam(peer string) {
	RegisterMetrics()
	onewaySpam.WithLabelValues(peer).Inc()
}

func RecordRegistryOp(op string, result string) {
	RegisterMetrics()
	registryOps.WithLabelValues(op, result).Inc()
}

func AddLiveEndpoints(delta int) {
	RegisterMetrics()
	liveEndpoints.Add(float64(delta))
}

func AddPoolWorkers(delta int) {
	RegisterMetrics()
	poolWorkers.Add(float64(delta))
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}
