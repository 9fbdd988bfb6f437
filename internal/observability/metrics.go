package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebinder",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgebinder",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebinder",
			Name:      "transactions_total",
			Help:      "Transactions by direction (outgoing, incoming, local) and outcome.",
		},
		[]string{"direction", "outcome"},
	)
	deadReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgebinder",
			Name:      "dead_replies_total",
			Help:      "Transactions that ended with a dead reply.",
		},
	)
	loopersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgebinder",
			Name:      "loopers_spawned_total",
			Help:      "Looper threads spawned on driver request.",
		},
	)
	obituaries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgebinder",
			Name:      "obituaries_total",
			Help:      "Death notifications delivered to watchers.",
		},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edgebinder",
			Subsystem: "handler",
			Name:      "dispatch_seconds",
			Help:      "Handler message dispatch duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
	kernelProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgebinder",
			Subsystem: "kernel",
			Name:      "processes",
			Help:      "Live processes attached to the kernel.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			transactions, deadReplies, loopersSpawned, obituaries,
			dispatchDuration, kernelProcesses,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransaction(direction, outcome string) {
	RegisterMetrics()
	transactions.WithLabelValues(direction, outcome).Inc()
}

func RecordDeadReply() {
	RegisterMetrics()
	deadReplies.Inc()
}

func RecordLooperSpawned() {
	RegisterMetrics()
	loopersSpawned.Inc()
}

func RecordObituary() {
	RegisterMetrics()
	obituaries.Inc()
}

func ObserveDispatch(d time.Duration) {
	RegisterMetrics()
	dispatchDuration.Observe(d.Seconds())
}

func SetKernelProcesses(n int) {
	RegisterMetrics()
	kernelProcesses.Set(float64(n))
}
