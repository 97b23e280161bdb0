// Package guard is the request admission guard: minimum-length,
// dedup, in-flight dedup with cancellation, debounce, rate cap, and
// cost gate. The rate cap is a sliding-window counter: prune
// timestamps outside the window, then count what remains.
package guard

import (
	"sync"
	"time"
)

type Config struct {
	MinInputLength       int
	MaxInputTokens       int // 0 disables the cap
	DeduplicateWindow    time.Duration
	DebounceWindow       time.Duration
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
}

func DefaultConfig() Config {
	return Config{
		MinInputLength:       2,
		DeduplicateWindow:    0,
		DebounceWindow:       300 * time.Millisecond,
		MaxRequestsPerMinute: 60,
		MaxCostPerHour:       10,
	}
}

const staleInFlightAfter = 5 * time.Minute

// CancelHandle is signalled when a newer in-flight request with the
// same prompt supersedes this one.
type CancelHandle struct {
	mu        sync.Mutex
	cancelled bool
	ch        chan struct{}
}

func newCancelHandle() *CancelHandle {
	return &CancelHandle{ch: make(chan struct{})}
}

// Cancel marks the handle cancelled, idempotently.
func (h *CancelHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cancelled {
		h.cancelled = true
		close(h.ch)
	}
}

// Done reports a channel closed when Cancel is called.
func (h *CancelHandle) Done() <-chan struct{} { return h.ch }

func (h *CancelHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

type inFlightEntry struct {
	startedAt time.Time
	handle    *CancelHandle
}

type recentEntry struct {
	at time.Time
}

// CheckResult is the admission decision of Check.
type CheckResult struct {
	Allowed       bool
	Reason        string
	EstimatedCost float64
}

// Guard holds all admission state for one pipeline instance.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	inFlight map[string]inFlightEntry
	recent   map[string]recentEntry // last-seen time per prompt, for the dedup window
	lastAcceptedAt time.Time
	acceptedTimestamps []time.Time // sliding window for the per-minute rate cap
	hourlySpend        float64
	hourlySpendSince   time.Time

	totalAllowed      int64
	totalBlocked      int64
	totalSavedDollars float64
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:              cfg,
		inFlight:         make(map[string]inFlightEntry),
		recent:           make(map[string]recentEntry),
		hourlySpendSince: time.Now(),
	}
}

func (g *Guard) evictStaleLocked(now time.Time) {
	for prompt, e := range g.inFlight {
		if now.Sub(e.startedAt) > staleInFlightAfter {
			delete(g.inFlight, prompt)
		}
	}
}

func (g *Guard) pruneRateWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(g.acceptedTimestamps) && g.acceptedTimestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		g.acceptedTimestamps = g.acceptedTimestamps[idx:]
	}
}

func (g *Guard) rollHourlySpendLocked(now time.Time) {
	if now.Sub(g.hourlySpendSince) >= time.Hour {
		g.hourlySpend = 0
		g.hourlySpendSince = now
	}
}

// Check runs the ordered admission sequence against a single
// prompt/model pair.
func (g *Guard) Check(prompt string, tokens int, estimatedCost float64, modelID string) CheckResult {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictStaleLocked(now)
	g.rollHourlySpendLocked(now)

	if len(prompt) < g.cfg.MinInputLength {
		return g.blockLocked("too short", estimatedCost)
	}

	if g.cfg.MaxInputTokens > 0 && tokens > g.cfg.MaxInputTokens {
		return g.blockLocked("max input tokens exceeded", estimatedCost)
	}

	if g.cfg.DeduplicateWindow > 0 {
		if e, ok := g.recent[prompt]; ok && now.Sub(e.at) < g.cfg.DeduplicateWindow {
			return g.blockLocked("deduped", estimatedCost)
		}
	}

	if _, ok := g.inFlight[prompt]; ok {
		return g.blockLocked("in-flight", estimatedCost)
	}

	if g.cfg.DebounceWindow > 0 && !g.lastAcceptedAt.IsZero() && now.Sub(g.lastAcceptedAt) < g.cfg.DebounceWindow {
		return g.blockLocked("debounced", estimatedCost)
	}

	g.pruneRateWindowLocked(now)
	if g.cfg.MaxRequestsPerMinute > 0 && len(g.acceptedTimestamps) >= g.cfg.MaxRequestsPerMinute {
		return g.blockLocked("rate limited", estimatedCost)
	}

	if g.cfg.MaxCostPerHour > 0 && g.hourlySpend+estimatedCost > g.cfg.MaxCostPerHour {
		return g.blockLocked("cost cap exceeded", estimatedCost)
	}

	g.totalAllowed++
	g.lastAcceptedAt = now
	g.acceptedTimestamps = append(g.acceptedTimestamps, now)
	g.recent[prompt] = recentEntry{at: now}
	return CheckResult{Allowed: true, EstimatedCost: estimatedCost}
}

func (g *Guard) blockLocked(reason string, estimatedCost float64) CheckResult {
	g.totalBlocked++
	g.totalSavedDollars += estimatedCost
	return CheckResult{Allowed: false, Reason: reason, EstimatedCost: estimatedCost}
}

// StartRequest registers prompt as in-flight. If a prior in-flight
// request shares the same prompt, its handle is cancelled before the
// new one is registered.
func (g *Guard) StartRequest(prompt string) *CancelHandle {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.inFlight[prompt]; ok {
		prior.handle.Cancel()
	}
	handle := newCancelHandle()
	g.inFlight[prompt] = inFlightEntry{startedAt: time.Now(), handle: handle}
	return handle
}

// CompleteRequest removes prompt's in-flight entry and credits actual
// cost to the hourly spend log.
func (g *Guard) CompleteRequest(prompt string, inputTokens, outputTokens int, actualCost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, prompt)
	g.rollHourlySpendLocked(time.Now())
	g.hourlySpend += actualCost
}

// Stats reports the guard's admission counters.
type Stats struct {
	TotalAllowed      int64
	TotalBlocked      int64
	BlockedRate       float64
	CurrentHourlySpend float64
	InFlightCount     int
	TotalSavedDollars float64
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := g.totalAllowed + g.totalBlocked
	var rate float64
	if total > 0 {
		rate = float64(g.totalBlocked) / float64(total)
	}
	return Stats{
		TotalAllowed:       g.totalAllowed,
		TotalBlocked:       g.totalBlocked,
		BlockedRate:        rate,
		CurrentHourlySpend: g.hourlySpend,
		InFlightCount:      len(g.inFlight),
		TotalSavedDollars:  g.totalSavedDollars,
	}
}
