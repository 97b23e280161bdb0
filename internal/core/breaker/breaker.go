// Package breaker is a spend-cap circuit breaker: projected spend is
// checked against session/hour/day/month caps, with stop, throttle,
// and warn actions and once-per-window warning callbacks.
package breaker

import (
	"sync"
	"time"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Action selects what happens once a window's projected spend reaches
// its limit.
type Action string

const (
	ActionStop     Action = "stop"
	ActionThrottle Action = "throttle"
	ActionWarn     Action = "warn"
)

// Limits is a subset of {perSession, perHour, perDay, perMonth}; a
// window is configured only when its matching ...Set flag is true, so
// an unset window is distinct from a set window whose limit is zero
// (which means "block everything").
type Limits struct {
	PerSession      float64
	PerSessionSet   bool
	PerHour         float64
	PerHourSet      bool
	PerDay          float64
	PerDaySet       bool
	PerMonth        float64
	PerMonthSet     bool
}

type WindowKind int

const (
	WindowSession WindowKind = iota
	WindowHour
	WindowDay
	WindowMonth
)

var allWindows = []WindowKind{WindowSession, WindowHour, WindowDay, WindowMonth}

func (w WindowKind) resetPeriod() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return 0 // session never auto-resets
	}
}

// CheckResult is the admission decision of Check.
type CheckResult struct {
	Allowed    bool
	Reason     string
	PercentUsed float64 // of the most-constrained configured window; 999 for a tripped zero-limit window
}

// Breaker tracks spend across the four configured windows.
type Breaker struct {
	mu     sync.Mutex
	limits Limits
	action Action
	windows map[WindowKind]*shielddata.BreakerWindow

	onWarning func(w WindowKind, percentUsed float64)
	onTripped func(w WindowKind, reason string)
}

func New(limits Limits, action Action) *Breaker {
	b := &Breaker{limits: limits, action: action, windows: make(map[WindowKind]*shielddata.BreakerWindow)}
	now := time.Now()
	for _, w := range allWindows {
		b.windows[w] = &shielddata.BreakerWindow{WindowStart: now}
	}
	return b
}

// OnWarning registers a callback fired once per window per limit the
// first time its projected spend crosses 80%; it rearms on UpdateLimits.
func (b *Breaker) OnWarning(cb func(w WindowKind, percentUsed float64)) { b.onWarning = cb }

// OnTripped registers a callback fired on every disallowed check.
func (b *Breaker) OnTripped(cb func(w WindowKind, reason string)) { b.onTripped = cb }

func (b *Breaker) limitFor(w WindowKind) (limit float64, set bool) {
	switch w {
	case WindowSession:
		return b.limits.PerSession, b.limits.PerSessionSet
	case WindowHour:
		return b.limits.PerHour, b.limits.PerHourSet
	case WindowDay:
		return b.limits.PerDay, b.limits.PerDaySet
	case WindowMonth:
		return b.limits.PerMonth, b.limits.PerMonthSet
	}
	return 0, false
}

func (b *Breaker) rollWindowLocked(w WindowKind, now time.Time) {
	win := b.windows[w]
	period := w.resetPeriod()
	if period > 0 && now.Sub(win.WindowStart) >= period {
		win.Spent = 0
		win.WindowStart = now
		win.WarnedAt0_8 = false
	}
}

// Check evaluates projectedAdditionalCost against every configured
// window and returns the most restrictive decision.
func (b *Breaker) Check(projectedAdditionalCost float64) CheckResult {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	worstPercent := 0.0
	blocked := false
	var blockedReason string
	var blockedWindow WindowKind

	for _, w := range allWindows {
		limit, set := b.limitFor(w)
		if !set {
			continue
		}
		b.rollWindowLocked(w, now)
		win := b.windows[w]
		projected := win.Spent + projectedAdditionalCost

		var percentUsed float64
		if limit == 0 {
			percentUsed = 999
		} else {
			percentUsed = projected / limit * 100
		}
		if percentUsed > worstPercent {
			worstPercent = percentUsed
		}

		tripped := projected >= limit
		if tripped {
			// Tripping implies crossing 80% too; the warning still owes
			// its one firing for this window.
			if !win.WarnedAt0_8 && percentUsed >= 80 {
				win.WarnedAt0_8 = true
				if b.onWarning != nil {
					b.onWarning(w, percentUsed)
				}
			}
			switch b.action {
			case ActionStop:
				if !blocked {
					blocked = true
					blockedReason = "spend cap reached"
					blockedWindow = w
				}
			case ActionThrottle:
				if !blocked {
					blockedReason = "Throttled"
				}
			case ActionWarn:
				// allowed regardless
			}
		} else if percentUsed >= 80 && !win.WarnedAt0_8 {
			win.WarnedAt0_8 = true
			if b.onWarning != nil {
				b.onWarning(w, percentUsed)
			}
		}
	}

	if blocked {
		if b.onTripped != nil {
			b.onTripped(blockedWindow, blockedReason)
		}
		return CheckResult{Allowed: false, Reason: blockedReason, PercentUsed: worstPercent}
	}
	if blockedReason == "Throttled" {
		return CheckResult{Allowed: true, Reason: blockedReason, PercentUsed: worstPercent}
	}
	return CheckResult{Allowed: true, PercentUsed: worstPercent}
}

// RecordSpend adds actualCost to every configured window's running total.
func (b *Breaker) RecordSpend(actualCost float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range allWindows {
		if _, set := b.limitFor(w); !set {
			continue
		}
		b.rollWindowLocked(w, now)
		b.windows[w].Spent += actualCost
	}
}

// UpdateLimits replaces the configured limits and rearms every
// warning flag.
func (b *Breaker) UpdateLimits(limits Limits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = limits
	for _, w := range b.windows {
		w.WarnedAt0_8 = false
	}
}

// Reset clears every window's spend and rearms warnings.
func (b *Breaker) Reset() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.windows {
		w.Spent = 0
		w.WindowStart = now
		w.WarnedAt0_8 = false
	}
}
