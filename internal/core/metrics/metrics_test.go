package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/amerfu/promptshield/internal/core/eventbus"
)

func TestAttach_CacheHitIncrementsCounter(t *testing.T) {
	bus := eventbus.New()
	unsub := Attach(bus)
	defer unsub()

	before := testutil.ToFloat64(cacheHitsTotal.WithLabelValues("exact"))
	bus.Publish(eventbus.Event{Type: eventbus.EventCacheHit, Payload: "exact"})
	after := testutil.ToFloat64(cacheHitsTotal.WithLabelValues("exact"))

	assert.Equal(t, before+1, after)
}

func TestAttach_RequestBlockedIncrementsByReason(t *testing.T) {
	bus := eventbus.New()
	unsub := Attach(bus)
	defer unsub()

	before := testutil.ToFloat64(requestsBlockedTotal.WithLabelValues("rate_cap"))
	bus.Publish(eventbus.Event{Type: eventbus.EventRequestBlocked, Payload: "rate_cap"})
	after := testutil.ToFloat64(requestsBlockedTotal.WithLabelValues("rate_cap"))

	assert.Equal(t, before+1, after)
}

func TestAttach_BreakerTrippedIncrementsByWindow(t *testing.T) {
	bus := eventbus.New()
	unsub := Attach(bus)
	defer unsub()

	before := testutil.ToFloat64(breakerTrippedTotal.WithLabelValues("hour"))
	bus.Publish(eventbus.Event{Type: eventbus.EventBreakerTripped, Payload: "hour"})
	after := testutil.ToFloat64(breakerTrippedTotal.WithLabelValues("hour"))

	assert.Equal(t, before+1, after)
}

func TestAttach_UnsubscribeStopsUpdates(t *testing.T) {
	bus := eventbus.New()
	unsub := Attach(bus)

	before := testutil.ToFloat64(requestsAllowedTotal)
	unsub()
	bus.Publish(eventbus.Event{Type: eventbus.EventRequestAllowed})
	after := testutil.ToFloat64(requestsAllowedTotal)

	assert.Equal(t, before, after)
}

func TestRecordSpend_UpdatesLedgerCounters(t *testing.T) {
	beforeSpend := testutil.ToFloat64(ledgerSpendTotal.WithLabelValues("gpt-4o"))
	beforeSaved := testutil.ToFloat64(ledgerSavedTotal.WithLabelValues("cache"))

	RecordSpend("gpt-4o", 0.05, 0.02, "cache")

	assert.Equal(t, beforeSpend+0.05, testutil.ToFloat64(ledgerSpendTotal.WithLabelValues("gpt-4o")))
	assert.Equal(t, beforeSaved+0.02, testutil.ToFloat64(ledgerSavedTotal.WithLabelValues("cache")))
}
