package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsTotal  *prometheus.CounterVec
	latencySeconds *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec

	autosaveAttemptsTotal *prometheus.CounterVec
	autosaveFailuresTotal *prometheus.CounterVec
	autosaveLatency       prometheus.Histogram
	sessionsActive        prometheus.Gauge
	transitionsTotal      *prometheus.CounterVec
	streamClientsActive   prometheus.Gauge
	busEventsTotal        *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the gateway.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_session_requests_total",
			Help: "Total number of task session API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_session_latency_seconds",
			Help:    "Latency distribution for task session API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_session_errors_total",
			Help: "Total number of error responses returned by task session endpoints.",
		}, []string{"method", "route", "status"})

		autosaveAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosave_attempts_total",
			Help: "Draft saves sent to the Task API, by task kind.",
		}, []string{"kind"})

		autosaveFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosave_failures_total",
			Help: "Draft saves rejected or lost, by task kind.",
		}, []string{"kind"})

		autosaveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autosave_latency_seconds",
			Help:    "Round trip of draft saves to the Task API.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "task_sessions_active",
			Help: "Task sessions currently held in memory.",
		})

		transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_transitions_total",
			Help: "Submission lifecycle transitions, by action.",
		}, []string{"action"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "save_state_stream_clients_active",
			Help: "Open websocket save state streams.",
		})

		busEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_bus_events_total",
			Help: "Session events handled by the event bus, by origin.",
		}, []string{"origin"})

		prometheus.MustRegister(
			requestsTotal,
			latencySeconds,
			errorsTotal,
			autosaveAttemptsTotal,
			autosaveFailuresTotal,
			autosaveLatency,
			sessionsActive,
			transitionsTotal,
			streamClientsActive,
			busEventsTotal,
		)
	})
}

// Requests exposes the counter for task session requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for task session requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for task session error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

func AutosaveAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return autosaveAttemptsTotal
}

func AutosaveFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return autosaveFailuresTotal
}

func AutosaveLatency() prometheus.Histogram {
	RegisterMetrics()
	return autosaveLatency
}

// SessionsActive tracks in-memory task sessions.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

func SubmissionTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return transitionsTotal
}

func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}

func BusEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return busEventsTotal
}
