package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_AllowsUnderLimit(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	res := b.Check(1)
	assert.True(t, res.Allowed)
}

func TestCheck_StopActionBlocksAtLimit(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	b.RecordSpend(9)
	res := b.Check(2)
	require.False(t, res.Allowed)
	assert.Equal(t, "spend cap reached", res.Reason)
}

func TestCheck_ThrottleActionAllowsWithReason(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionThrottle)
	b.RecordSpend(10)
	res := b.Check(1)
	assert.True(t, res.Allowed)
	assert.Equal(t, "Throttled", res.Reason)
}

func TestCheck_WarnActionAlwaysAllows(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionWarn)
	b.RecordSpend(100)
	res := b.Check(1)
	assert.True(t, res.Allowed)
}

func TestCheck_ZeroLimitBlocksEverythingWithPercent999(t *testing.T) {
	b := New(Limits{PerHour: 0, PerHourSet: true}, ActionStop)
	res := b.Check(0.01)
	require.False(t, res.Allowed)
	assert.Equal(t, 999.0, res.PercentUsed)
}

func TestCheck_ZeroLimitZeroCostStillReportsPercent999(t *testing.T) {
	b := New(Limits{PerHour: 0, PerHourSet: true}, ActionStop)
	res := b.Check(0)
	require.False(t, res.Allowed)
	assert.Equal(t, 999.0, res.PercentUsed)
}

func TestCheck_UnconfiguredWindowNeverBlocks(t *testing.T) {
	b := New(Limits{}, ActionStop)
	res := b.Check(1_000_000)
	assert.True(t, res.Allowed)
}

func TestOnWarning_FiresOncePerWindowAbove80Percent(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	calls := 0
	b.OnWarning(func(w WindowKind, pct float64) { calls++ })

	b.RecordSpend(8.5)
	b.Check(0)
	b.Check(0)
	assert.Equal(t, 1, calls, "the warning callback must fire exactly once per window per limit")
}

func TestOnWarning_FiresWhenCheckTripsStraightPast80Percent(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	warnings := 0
	b.OnWarning(func(w WindowKind, pct float64) { warnings++ })

	res := b.Check(12) // jumps from 0% straight past the limit in one check
	require.False(t, res.Allowed)
	assert.Equal(t, 1, warnings, "the first crossing of 80% must warn even when the same check trips")

	b.Check(12)
	assert.Equal(t, 1, warnings)
}

func TestOnWarning_RearmsOnUpdateLimits(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	calls := 0
	b.OnWarning(func(w WindowKind, pct float64) { calls++ })

	b.RecordSpend(8.5)
	b.Check(0)
	b.UpdateLimits(Limits{PerHour: 10, PerHourSet: true})
	b.Check(0)

	assert.Equal(t, 2, calls)
}

func TestOnTripped_FiresOnEveryDisallowedCheck(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	calls := 0
	b.OnTripped(func(w WindowKind, reason string) { calls++ })

	b.RecordSpend(10)
	b.Check(1)
	b.Check(1)
	assert.Equal(t, 2, calls)
}

func TestReset_ClearsSpendAndRearmsWarnings(t *testing.T) {
	b := New(Limits{PerHour: 10, PerHourSet: true}, ActionStop)
	b.RecordSpend(10)
	require.False(t, b.Check(0).Allowed)

	b.Reset()
	assert.True(t, b.Check(0).Allowed)
}

func TestCheck_MostRestrictiveWindowWins(t *testing.T) {
	b := New(Limits{PerHour: 100, PerHourSet: true, PerDay: 10, PerDaySet: true}, ActionStop)
	res := b.Check(11)
	require.False(t, res.Allowed, "the tighter per-day cap must trip even though the per-hour cap would allow it")
}
