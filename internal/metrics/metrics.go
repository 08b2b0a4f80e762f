package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turnover"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Booking sync runs by type and outcome status.",
		},
		[]string{"sync_type", "status"},
	)

	bookingsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_upserted_total",
			Help:      "Booking upserts by source.",
		},
		[]string{"source"},
	)

	externalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_api_calls_total",
			Help:      "Outbound reservation API calls by endpoint and HTTP status.",
		},
		[]string{"endpoint", "status"},
	)

	webhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook requests by response code.",
		},
		[]string{"code"},
	)

	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleaning_tasks_created_total",
			Help:      "Cleaning tasks persisted by service type.",
		},
		[]string{"service_type"},
	)

	probeHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_healthy",
			Help:      "1 when the named health probe last passed, 0 otherwise.",
		},
		[]string{"probe"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)

	pushQueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_push_total",
			Help:      "Outbound task push attempts by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncRuns,
			bookingsUpserted,
			externalCalls,
			webhookOutcomes,
			tasksCreated,
			probeHealthy,
			breakerState,
			pushQueue,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncSyncRun(syncType, status string) {
	syncRuns.WithLabelValues(syncType, status).Inc()
}

func AddBookingsUpserted(source string, n int) {
	if n > 0 {
		bookingsUpserted.WithLabelValues(source).Add(float64(n))
	}
}

func IncExternalCall(endpoint, status string) {
	externalCalls.WithLabelValues(endpoint, status).Inc()
}

func IncWebhook(code string) {
	webhookOutcomes.WithLabelValues(code).Inc()
}

func IncTaskCreated(serviceType string) {
	tasksCreated.WithLabelValues(serviceType).Inc()
}

func SetProbeHealthy(probe string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	probeHealthy.WithLabelValues(probe).Set(v)
}

func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

func IncTaskPush(result string) {
	pushQueue.WithLabelValues(result).Inc()
}
