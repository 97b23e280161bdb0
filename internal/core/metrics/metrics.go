// Package metrics registers and updates the pipeline's Prometheus
// instruments, fed by the core event set published on
// internal/core/eventbus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/amerfu/promptshield/internal/core/eventbus"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_cache_hits_total",
			Help: "Total number of semantic cache hits by match kind",
		},
		[]string{"kind"}, // exact, fuzzy
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_cache_misses_total",
			Help: "Total number of semantic cache misses",
		},
		[]string{"model"},
	)

	requestsBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_requests_blocked_total",
			Help: "Total number of requests blocked by the guard",
		},
		[]string{"reason"},
	)

	requestsAllowedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptshield_requests_allowed_total",
			Help: "Total number of requests admitted by the guard",
		},
	)

	ledgerSpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_ledger_spend_dollars_total",
			Help: "Total recorded actual spend in dollars",
		},
		[]string{"model"},
	)

	ledgerSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_ledger_saved_dollars_total",
			Help: "Total dollars saved across every cost-reducing feature",
		},
		[]string{"feature"},
	)

	breakerTrippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_breaker_tripped_total",
			Help: "Total number of spend-cap circuit breaker trips",
		},
		[]string{"window"},
	)

	breakerWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_breaker_warnings_total",
			Help: "Total number of spend-cap circuit breaker warnings",
		},
		[]string{"window"},
	)

	anomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_anomalies_total",
			Help: "Total number of anomalous-cost requests detected",
		},
		[]string{"severity"},
	)

	userBudgetExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptshield_user_budget_exceeded_total",
			Help: "Total number of user-budget reservation rejections",
		},
		[]string{"window"},
	)
)

// Attach subscribes every known event type this package cares about
// to bus, updating the package's Prometheus instruments. It returns
// an eventbus.Unsubscribe that detaches all of them at once.
func Attach(bus *eventbus.Bus) eventbus.Unsubscribe {
	unsubs := []eventbus.Unsubscribe{
		bus.Subscribe(eventbus.EventCacheHit, func(e eventbus.Event) {
			kind, _ := e.Payload.(string)
			if kind == "" {
				kind = "exact"
			}
			cacheHitsTotal.WithLabelValues(kind).Inc()
		}),
		bus.Subscribe(eventbus.EventCacheMiss, func(e eventbus.Event) {
			model, _ := e.Payload.(string)
			cacheMissesTotal.WithLabelValues(model).Inc()
		}),
		bus.Subscribe(eventbus.EventRequestBlocked, func(e eventbus.Event) {
			reason, _ := e.Payload.(string)
			requestsBlockedTotal.WithLabelValues(reason).Inc()
		}),
		bus.Subscribe(eventbus.EventRequestAllowed, func(e eventbus.Event) {
			requestsAllowedTotal.Inc()
		}),
		bus.Subscribe(eventbus.EventBreakerTripped, func(e eventbus.Event) {
			window, _ := e.Payload.(string)
			breakerTrippedTotal.WithLabelValues(window).Inc()
		}),
		bus.Subscribe(eventbus.EventBreakerWarning, func(e eventbus.Event) {
			window, _ := e.Payload.(string)
			breakerWarningsTotal.WithLabelValues(window).Inc()
		}),
		bus.Subscribe(eventbus.EventAnomalyDetected, func(e eventbus.Event) {
			severity, _ := e.Payload.(string)
			anomaliesTotal.WithLabelValues(severity).Inc()
		}),
		bus.Subscribe(eventbus.EventUserBudgetExceeded, func(e eventbus.Event) {
			window, _ := e.Payload.(string)
			userBudgetExceededTotal.WithLabelValues(window).Inc()
		}),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RecordSpend is called directly by the pipeline's ledger-append step
// in package shield (not via the event bus,
// since both the cost and the saved amount are needed together).
func RecordSpend(model string, actualCost, savedCost float64, feature string) {
	ledgerSpendTotal.WithLabelValues(model).Add(actualCost)
	if savedCost > 0 {
		ledgerSavedTotal.WithLabelValues(feature).Add(savedCost)
	}
}
