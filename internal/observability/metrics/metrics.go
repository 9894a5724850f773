package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	authOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_auth_operation_duration_seconds",
		Help:    "Duration of orchestrated auth operations by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	lifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_user_lifecycle_operations_total",
		Help: "Count of user lifecycle operations by outcome",
	}, []string{"operation", "result"})

	invariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_invariant_violations_total",
		Help: "Count of invariant violations by rule",
	}, []string{"rule"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_compensations_total",
		Help: "Count of compensation steps run by saga, step and result",
	}, []string{"saga", "step", "result"})

	racesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_races_detected_total",
		Help: "Count of detected cross-system races",
	}, []string{"code"})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_session_transitions_total",
		Help: "Count of session state transitions",
	}, []string{"from", "to"})

	deviceHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_device_heartbeats_total",
		Help: "Count of device session heartbeats by result",
	}, []string{"result"})

	duplicateEmails = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accessgate_duplicate_emails",
		Help: "Active email addresses held by more than one user at the last reconciliation",
	})

	maintenanceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_maintenance_operations_total",
		Help: "Count of maintenance actions by task and result",
	}, []string{"task", "result"})

	storeCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accessgate_store_circuit_state",
		Help: "Projection store circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"store"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveAuthOperation records the duration of an orchestrated operation with a result label.
func ObserveAuthOperation(operation, result string, duration time.Duration) {
	authOperationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

func ObserveLifecycle(operation, result string) {
	lifecycleOperations.WithLabelValues(operation, result).Inc()
}

func ObserveInvariantViolation(rule string) {
	invariantViolations.WithLabelValues(rule).Inc()
}

// ObserveCompensation counts one rollback step.
func ObserveCompensation(saga, step, result string) {
	compensations.WithLabelValues(saga, step, result).Inc()
}

func ObserveRace(code string) {
	racesDetected.WithLabelValues(code).Inc()
}

func ObserveSessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

func ObserveHeartbeat(result string) {
	deviceHeartbeats.WithLabelValues(result).Inc()
}

// SetDuplicateEmails sets the duplicate gauge; negative counts clamp to zero.
func SetDuplicateEmails(count int) {
	if count < 0 {
		count = 0
	}
	duplicateEmails.Set(float64(count))
}

func ObserveMaintenance(task, result string) {
	maintenanceOperations.WithLabelValues(task, result).Inc()
}

func SetStoreCircuitState(store string, state int) {
	storeCircuitState.WithLabelValues(store).Set(float64(state))
}
