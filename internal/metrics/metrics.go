// Package metrics exposes Prometheus counters for the exit pipeline:
//
//   sentinel_exits_total{reason}        – realized exits by triggering condition
//   sentinel_attempts_total{outcome}    – order placement attempts by outcome
//   sentinel_escalations_total          – urgency escalations (rejects + walk budget)
//   sentinel_budget_exhausted_total     – API budget misses
//   sentinel_open_positions             – positions under active monitoring
//   sentinel_breaker_tripped            – 1 while the circuit breaker is tripped
//
// Registered in init() and served at /metrics by cmd/main.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_exits_total",
			Help: "Realized exits by triggering condition",
		},
		[]string{"reason"},
	)

	mtxAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_attempts_total",
			Help: "Order placement attempts by outcome",
		},
		[]string{"outcome"},
	)

	mtxEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Urgency escalations during execution",
		},
	)

	mtxBudgetExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_budget_exhausted_total",
			Help: "Quote requests degraded to cache by budget exhaustion",
		},
	)

	gaugeOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_open_positions",
			Help: "Positions under active monitoring",
		},
	)

	gaugeBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_breaker_tripped",
			Help: "1 while the circuit breaker is tripped",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxExits,
		mtxAttempts,
		mtxEscalations,
		mtxBudgetExhausted,
		gaugeOpenPositions,
		gaugeBreaker,
	)
}

func IncExit(reason string)      { mtxExits.WithLabelValues(reason).Inc() }
func IncAttempt(outcome string)  { mtxAttempts.WithLabelValues(outcome).Inc() }
func IncEscalation()             { mtxEscalations.Inc() }
func IncBudgetExhausted()        { mtxBudgetExhausted.Inc() }
func SetOpenPositions(n int)     { gaugeOpenPositions.Set(float64(n)) }
func SetBreakerTripped(on bool) {
	if on {
		gaugeBreaker.Set(1)
	} else {
		gaugeBreaker.Set(0)
	}
}

// Handler serves the Prometheus text exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
