package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_requests_total",
			Help: "Requests through circuit breaker by state and result",
		},
		[]string{"name", "state", "result"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

// MetricsCollector exports breaker state to Prometheus.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]*CircuitBreaker)}
}

// Register tracks cb and chains a state-change hook that records metrics.
// Call it before the breaker serves requests.
func (mc *MetricsCollector) Register(cb *CircuitBreaker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.breakers[cb.name] = cb

	original := cb.config.OnStateChange
	cb.config.OnStateChange = func(name string, from, to State) {
		if original != nil {
			original(name, from, to)
		}
		circuitBreakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
		circuitBreakerState.WithLabelValues(name).Set(float64(to))
		if to == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(name).SetToCurrentTime()
		} else if from == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(name).Set(0)
		}
	}
	circuitBreakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
}

// Breaker returns a registered breaker by name.
func (mc *MetricsCollector) Breaker(name string) (*CircuitBreaker, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	cb, ok := mc.breakers[name]
	return cb, ok
}

// RecordRequest counts a call that reached the collaborator.
func (mc *MetricsCollector) RecordRequest(name string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	circuitBreakerRequests.WithLabelValues(name, state.String(), result).Inc()
}

// RecordRejected counts a call refused by the breaker.
func (mc *MetricsCollector) RecordRejected(name string, state State) {
	circuitBreakerRequests.WithLabelValues(name, state.String(), "rejected").Inc()
}

// GlobalMetricsCollector is shared by all breakers of the process.
var GlobalMetricsCollector = NewMetricsCollector()
