package userbudget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func TestReserve_AllowsWithinBudget(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 100})
	r, err := m.Reserve("u1", 1, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "u1", r.UserID)
}

func TestReserve_FailsOverDailyCap(t *testing.T) {
	m := New(Policy{Daily: 5, Monthly: 100})
	_, err := m.Reserve("u1", 10, "gpt-4o")
	require.Error(t, err)
	var exceeded *ErrExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, shielddata.WindowDaily, exceeded.Window)
}

func TestReserve_FailsOverMonthlyCap(t *testing.T) {
	m := New(Policy{Daily: 1000, Monthly: 5})
	_, err := m.Reserve("u1", 10, "gpt-4o")
	require.Error(t, err)
	var exceeded *ErrExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, shielddata.WindowMonthly, exceeded.Window)
}

func TestCommit_MovesReservedToSpent(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 100})
	r, err := m.Reserve("u1", 2, "gpt-4o")
	require.NoError(t, err)

	m.Commit(r, 1.5)

	daily, _ := m.Bucket("u1")
	assert.InDelta(t, 1.5, daily.SpentActual, 1e-9)
	assert.InDelta(t, 0, daily.InflightReserved, 1e-9)
}

func TestRelease_ClearsReservationWithoutSpend(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 100})
	r, err := m.Reserve("u1", 2, "gpt-4o")
	require.NoError(t, err)

	m.Release(r)

	daily, _ := m.Bucket("u1")
	assert.Equal(t, 0.0, daily.SpentActual)
	assert.Equal(t, 0.0, daily.InflightReserved)
}

func TestReserve_InflightCountsAgainstSubsequentReserve(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 100})
	_, err := m.Reserve("u1", 6, "gpt-4o")
	require.NoError(t, err)

	_, err = m.Reserve("u1", 6, "gpt-4o")
	require.Error(t, err, "a second reservation must count the first's still-inflight hold")
}

func TestPerUserPolicyOverride(t *testing.T) {
	m := New(Policy{Daily: 1, Monthly: 1})
	m.SetPolicy("vip", Policy{Daily: 1000, Monthly: 1000})

	_, err := m.Reserve("vip", 500, "gpt-4o")
	assert.NoError(t, err)

	_, err = m.Reserve("regular", 500, "gpt-4o")
	assert.Error(t, err)
}

func TestOnWarning_FiresAbove80Percent(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 1000})
	var firedWindow shielddata.BudgetWindow
	m.OnWarning(func(userID string, window shielddata.BudgetWindow, pct float64) {
		firedWindow = window
	})

	_, err := m.Reserve("u1", 9, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, shielddata.WindowDaily, firedWindow)
}

func TestOnWarning_FiresOncePerWindowPerResetCycle(t *testing.T) {
	m := New(Policy{Daily: 10, Monthly: 1000})
	calls := 0
	m.OnWarning(func(string, shielddata.BudgetWindow, float64) { calls++ })

	r, err := m.Reserve("u1", 9, "gpt-4o")
	require.NoError(t, err)
	m.Commit(r, 9)

	_, err = m.Reserve("u1", 0.5, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "the warning must not re-fire until the window resets")
}

func TestZeroPolicyMeansUnlimited(t *testing.T) {
	m := New(Policy{})
	_, err := m.Reserve("u1", 1_000_000, "gpt-4o")
	assert.NoError(t, err, "a policy with no configured caps must not block any spend")
}
