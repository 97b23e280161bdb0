// Package userbudget is a per-user day/month spend cap manager:
// atomic reserve/commit/release against an inflight + spent total,
// rolling over at each window's wall-clock boundary. Every admitted
// request holds a reservation for its estimated cost until it either
// commits actual spend or releases the hold.
package userbudget

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Policy is the default {daily, monthly} cap applied to a user with
// no explicit override.
type Policy struct {
	Daily   float64
	Monthly float64
}

type userState struct {
	daily   shielddata.BudgetBucket
	monthly shielddata.BudgetBucket
	policy  *Policy // nil means "use the manager default"

	// warned flags rearm when their window rolls over, so the warning
	// callback fires once per user per window per reset cycle.
	dailyWarned   bool
	monthlyWarned bool
}

// Reservation is returned by Reserve and consumed by Commit/Release.
type Reservation struct {
	ID       string
	UserID   string
	Reserved float64
}

// ErrExceeded names which window a Reserve call failed against.
type ErrExceeded struct {
	Window shielddata.BudgetWindow
}

func (e *ErrExceeded) Error() string {
	return fmt.Sprintf("userbudget: %s budget exceeded", e.Window)
}

// Manager tracks every known user's budget buckets.
type Manager struct {
	mu      sync.Mutex
	deflt   Policy
	users   map[string]*userState

	onWarning func(userID string, window shielddata.BudgetWindow, percentUsed float64)
}

func New(defaultPolicy Policy) *Manager {
	return &Manager{deflt: defaultPolicy, users: make(map[string]*userState)}
}

// OnWarning registers a callback fired when a reservation or commit
// pushes a window's usage at or above 80% of its cap.
func (m *Manager) OnWarning(cb func(userID string, window shielddata.BudgetWindow, percentUsed float64)) {
	m.onWarning = cb
}

func (m *Manager) stateFor(userID string) *userState {
	s, ok := m.users[userID]
	if !ok {
		now := time.Now()
		s = &userState{
			daily:   shielddata.BudgetBucket{WindowStart: now},
			monthly: shielddata.BudgetBucket{WindowStart: now},
		}
		m.users[userID] = s
	}
	return s
}

// SetPolicy installs a per-user override, replacing the default policy.
func (m *Manager) SetPolicy(userID string, policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(userID)
	s.policy = &policy
}

func (m *Manager) policyFor(s *userState) Policy {
	if s.policy != nil {
		return *s.policy
	}
	return m.deflt
}

func rollBucket(b *shielddata.BudgetBucket, now time.Time, period time.Duration) (rolled bool) {
	if now.Sub(b.WindowStart) >= period {
		b.SpentActual = 0
		b.WindowStart = now
		return true
	}
	return false
}

// Reserve atomically checks spentActual+inflightReserved+estimatedCost
// against both windows; on success it increments inflightReserved and
// returns a handle.
func (m *Manager) Reserve(userID string, estimatedCost float64, modelID string) (*Reservation, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(userID)
	if rollBucket(&s.daily, now, 24*time.Hour) {
		s.dailyWarned = false
	}
	if rollBucket(&s.monthly, now, 30*24*time.Hour) {
		s.monthlyWarned = false
	}
	policy := m.policyFor(s)

	if policy.Daily > 0 {
		projected := s.daily.SpentActual + s.daily.InflightReserved + estimatedCost
		if projected > policy.Daily {
			return nil, &ErrExceeded{Window: shielddata.WindowDaily}
		}
	}
	if policy.Monthly > 0 {
		projected := s.monthly.SpentActual + s.monthly.InflightReserved + estimatedCost
		if projected > policy.Monthly {
			return nil, &ErrExceeded{Window: shielddata.WindowMonthly}
		}
	}

	s.daily.InflightReserved += estimatedCost
	s.monthly.InflightReserved += estimatedCost

	m.maybeWarnLocked(userID, s, policy)

	return &Reservation{ID: uuid.NewString(), UserID: userID, Reserved: estimatedCost}, nil
}

func (m *Manager) maybeWarnLocked(userID string, s *userState, policy Policy) {
	if m.onWarning == nil {
		return
	}
	if policy.Daily > 0 && !s.dailyWarned {
		pct := (s.daily.SpentActual + s.daily.InflightReserved) / policy.Daily * 100
		if pct >= 80 {
			s.dailyWarned = true
			m.onWarning(userID, shielddata.WindowDaily, pct)
		}
	}
	if policy.Monthly > 0 && !s.monthlyWarned {
		pct := (s.monthly.SpentActual + s.monthly.InflightReserved) / policy.Monthly * 100
		if pct >= 80 {
			s.monthlyWarned = true
			m.onWarning(userID, shielddata.WindowMonthly, pct)
		}
	}
}

// Commit finalizes a reservation: spentActual += actualCost;
// inflightReserved -= the amount that was reserved.
func (m *Manager) Commit(r *Reservation, actualCost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(r.UserID)
	s.daily.SpentActual += actualCost
	s.daily.InflightReserved -= r.Reserved
	s.monthly.SpentActual += actualCost
	s.monthly.InflightReserved -= r.Reserved
	if s.daily.InflightReserved < 0 {
		s.daily.InflightReserved = 0
	}
	if s.monthly.InflightReserved < 0 {
		s.monthly.InflightReserved = 0
	}
	m.maybeWarnLocked(r.UserID, s, m.policyFor(s))
}

// Release returns a reservation's hold without recording any spend,
// used on the error/cancellation path.
func (m *Manager) Release(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(r.UserID)
	s.daily.InflightReserved -= r.Reserved
	s.monthly.InflightReserved -= r.Reserved
	if s.daily.InflightReserved < 0 {
		s.daily.InflightReserved = 0
	}
	if s.monthly.InflightReserved < 0 {
		s.monthly.InflightReserved = 0
	}
}

// Bucket returns a snapshot of a user's daily and monthly buckets.
func (m *Manager) Bucket(userID string) (daily, monthly shielddata.BudgetBucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(userID)
	return s.daily, s.monthly
}
