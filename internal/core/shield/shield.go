// Package shield is the pipeline controller: it composes every other
// internal/core package into the two operations a caller actually
// drives, pre-call Transform and post-call Record, plus the Wrap
// convenience entry point that runs both around a caller-supplied
// model invocation. One Pipeline struct holds every module it
// orchestrates; each request owns its sidecar, reservation, and
// in-flight slot exclusively, so requests only serialize at the short
// critical sections where shared counters mutate.
package shield

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/promptshield/internal/config"
	"github.com/amerfu/promptshield/internal/core/anomaly"
	"github.com/amerfu/promptshield/internal/core/audit"
	"github.com/amerfu/promptshield/internal/core/breaker"
	"github.com/amerfu/promptshield/internal/core/complexity"
	"github.com/amerfu/promptshield/internal/core/compressor"
	"github.com/amerfu/promptshield/internal/core/contexttrim"
	"github.com/amerfu/promptshield/internal/core/delta"
	"github.com/amerfu/promptshield/internal/core/eventbus"
	"github.com/amerfu/promptshield/internal/core/guard"
	"github.com/amerfu/promptshield/internal/core/ledger"
	"github.com/amerfu/promptshield/internal/core/metrics"
	"github.com/amerfu/promptshield/internal/core/pricing"
	"github.com/amerfu/promptshield/internal/core/router"
	"github.com/amerfu/promptshield/internal/core/semcache"
	"github.com/amerfu/promptshield/internal/core/shielddata"
	"github.com/amerfu/promptshield/internal/core/shielderr"
	"github.com/amerfu/promptshield/internal/core/store"
	"github.com/amerfu/promptshield/internal/core/tokenizer"
	"github.com/amerfu/promptshield/internal/core/userbudget"
)

const defaultPredictedOutputTokens = 500

// Hooks carries every caller-supplied extension point that isn't
// itself a module toggle.
type Hooks struct {
	GetUserID      func(shielddata.RequestParams) (string, error)
	RouterOverride func(prompt string) string
	OnBlocked      func(err *shielderr.BlockedError)
	OnDryRun       func(step, detail string)
}

// Options is the constructor-time configuration for a Pipeline,
// layering the typed Configuration block on top of the dependencies it
// wires together.
type Options struct {
	Config config.Config
	Hooks  Hooks

	Logger     *zap.Logger
	Pricing    *pricing.Table
	Tokenizer  *tokenizer.Estimator
	Store      store.Adapter // nil defaults to store.NewMemory()
	DB         *gorm.DB      // optional, for ledger/audit persistence
	EventBus   *eventbus.Bus // nil defaults to a fresh eventbus.New()
	AuditLog   *audit.Log    // nil defaults to audit.New(DefaultConfig)
}

// Pipeline is one configured instance of the request-transform
// pipeline. Each Pipeline owns its own event bus, so two Pipelines in
// the same process never observe each other's events.
type Pipeline struct {
	cfg   config.Config
	hooks Hooks

	logger  *zap.Logger
	pricing *pricing.Table
	tok     *tokenizer.Estimator
	bus     *eventbus.Bus

	guard      *guard.Guard
	breaker    *breaker.Breaker
	userBudget *userbudget.Manager
	cache      *semcache.Cache
	cplx       *complexity.Scorer
	anomaly    *anomaly.Detector
	ledger     *ledger.Ledger
	auditLog   *audit.Log

	compressorCfg compressor.Config
	deltaCfg      delta.Config
	contextCfg    contexttrim.Config

	routerFilter   router.Filter
	routerStrategy router.Strategy

	metricsUnsub eventbus.Unsubscribe
	auditUnsub   eventbus.Unsubscribe

	mu sync.Mutex // guards rand-backed hold-back draws only
	rng *rand.Rand
}

// New wires every leaf package into one Pipeline according to opts.
func New(opts Options) (*Pipeline, error) {
	if opts.Pricing == nil {
		return nil, fmt.Errorf("%w: Pricing table is required", shielderr.ErrConfig)
	}
	if opts.Tokenizer == nil {
		return nil, fmt.Errorf("%w: Tokenizer is required", shielderr.ErrConfig)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := opts.Store
	if adapter == nil {
		adapter = store.NewMemory()
	}

	bus := opts.EventBus
	if bus == nil {
		bus = eventbus.New()
	}

	auditLog := opts.AuditLog
	if auditLog == nil {
		acfg := audit.DefaultConfig()
		acfg.MinSeverity = shielddata.ParseSeverity(opts.Config.Audit.MinSeverity)
		if opts.Config.Audit.MaxEntries > 0 {
			acfg.MaxEntries = opts.Config.Audit.MaxEntries
		}
		auditLog = audit.New(acfg)
	}

	l := ledger.New()
	if opts.DB != nil {
		var err error
		if l, err = ledger.NewWithDB(opts.DB); err != nil {
			return nil, fmt.Errorf("shield: migrating ledger: %w", err)
		}
	}

	gcfg := guard.DefaultConfig()
	gcfg.MinInputLength = opts.Config.Guard.MinInputLength
	gcfg.MaxInputTokens = opts.Config.Guard.MaxInputTokens
	gcfg.DeduplicateWindow = time.Duration(opts.Config.Guard.DeduplicateWindowMs) * time.Millisecond
	gcfg.DebounceWindow = time.Duration(opts.Config.Guard.DebounceMs) * time.Millisecond
	gcfg.MaxRequestsPerMinute = opts.Config.Guard.MaxRequestsPerMinute
	gcfg.MaxCostPerHour = opts.Config.Guard.MaxCostPerHour
	g := guard.New(gcfg)

	limits := breaker.Limits{}
	bc := opts.Config.Breaker
	if bc.PerSession >= 0 {
		limits.PerSession, limits.PerSessionSet = bc.PerSession, true
	}
	if bc.PerHour >= 0 {
		limits.PerHour, limits.PerHourSet = bc.PerHour, true
	}
	if bc.PerDay >= 0 {
		limits.PerDay, limits.PerDaySet = bc.PerDay, true
	}
	if bc.PerMonth >= 0 {
		limits.PerMonth, limits.PerMonthSet = bc.PerMonth, true
	}
	action := breaker.Action(bc.Action)
	if action == "" {
		action = breaker.ActionStop
	}
	br := breaker.New(limits, action)
	br.OnWarning(func(w breaker.WindowKind, percentUsed float64) {
		bus.Publish(eventbus.Event{Type: eventbus.EventBreakerWarning, Payload: windowKindLabel(w)})
	})
	br.OnTripped(func(w breaker.WindowKind, reason string) {
		bus.Publish(eventbus.Event{Type: eventbus.EventBreakerTripped, Payload: windowKindLabel(w)})
	})

	deflt := userbudget.Policy{}
	if opts.Config.UserBudget.DefaultBudget != nil {
		deflt = userbudget.Policy{
			Daily:   opts.Config.UserBudget.DefaultBudget.Daily,
			Monthly: opts.Config.UserBudget.DefaultBudget.Monthly,
		}
	}
	ub := userbudget.New(deflt)
	for userID, policy := range opts.Config.UserBudget.Users {
		ub.SetPolicy(userID, userbudget.Policy{Daily: policy.Daily, Monthly: policy.Monthly})
	}
	ub.OnWarning(func(userID string, window shielddata.BudgetWindow, percentUsed float64) {
		bus.Publish(eventbus.Event{Type: eventbus.EventUserBudgetWarning, Payload: string(window)})
	})

	ccfg := semcache.DefaultConfig()
	if opts.Config.Cache.MaxEntries > 0 {
		ccfg.MaxEntries = opts.Config.Cache.MaxEntries
	}
	if opts.Config.Cache.TTL > 0 {
		ccfg.TTL = opts.Config.Cache.TTL
	}
	if opts.Config.Cache.SimilarityThreshold > 0 {
		ccfg.Threshold = opts.Config.Cache.SimilarityThreshold
	}
	if opts.Config.Cache.EncodingStrategy == "minhash" {
		ccfg.Mode = semcache.ModeMinHashLSH
	}
	cache := semcache.New(ccfg, adapter, logger)

	acfg := anomaly.DefaultConfig()
	if opts.Config.Anomaly.WindowSize > 0 {
		acfg.WindowSize = opts.Config.Anomaly.WindowSize
	}
	if opts.Config.Anomaly.ZThreshold > 0 {
		acfg.ZThreshold = opts.Config.Anomaly.ZThreshold
	}
	if opts.Config.Anomaly.Warmup > 0 {
		acfg.WarmupCount = opts.Config.Anomaly.Warmup
	}
	anomalyDetector := anomaly.New(acfg)

	filter := router.Filter{
		AllowedProviders:     opts.Config.Router.AllowedProviders,
		MinContextWindow:     opts.Config.Router.MinContextWindow,
		RequiredCapabilities: opts.Config.Router.RequiredCapabilities,
		CrossProvider:        opts.Config.Router.CrossProvider,
		HoldbackFraction:     opts.Config.Router.ABTestHoldback,
	}

	p := &Pipeline{
		cfg:     opts.Config,
		hooks:   opts.Hooks,
		logger:  logger,
		pricing: opts.Pricing,
		tok:     opts.Tokenizer,
		bus:     bus,

		guard:      g,
		breaker:    br,
		userBudget: ub,
		cache:      cache,
		cplx:       complexity.New(),
		anomaly:    anomalyDetector,
		ledger:     l,
		auditLog:   auditLog,

		compressorCfg: compressor.DefaultConfig(),
		deltaCfg:      delta.DefaultConfig(),
		contextCfg: contexttrim.Config{
			MaxInputTokens:   opts.Config.Context.MaxInputTokens,
			ReserveForOutput: opts.Config.Context.ReserveForOutput,
		},
		routerFilter:   filter,
		routerStrategy: router.PriorityStrategy{},

		rng: rand.New(rand.NewSource(1)),
	}

	p.metricsUnsub = metrics.Attach(bus)
	p.auditUnsub = attachAudit(bus, auditLog)

	return p, nil
}

// attachAudit subscribes the pipeline's audit log to every event worth
// a tamper-evident record, invoked indirectly via the event bus so the
// audit log needs no direct pipeline reference.
func attachAudit(bus *eventbus.Bus, log *audit.Log) eventbus.Unsubscribe {
	record := func(eventType, module string, severity shielddata.AuditSeverity) eventbus.Handler {
		return func(e eventbus.Event) {
			data := map[string]any{"payload": fmt.Sprintf("%v", e.Payload)}
			log.Record(eventType, module, string(e.Type), severity, data)
		}
	}
	unsubs := []eventbus.Unsubscribe{
		bus.Subscribe(eventbus.EventRequestBlocked, record("request:blocked", "guard", shielddata.SeverityWarning)),
		bus.Subscribe(eventbus.EventBreakerTripped, record("breaker:tripped", "breaker", shielddata.SeverityError)),
		bus.Subscribe(eventbus.EventUserBudgetExceeded, record("userBudget:exceeded", "userbudget", shielddata.SeverityWarning)),
		bus.Subscribe(eventbus.EventAnomalyDetected, record("anomaly:detected", "anomaly", shielddata.SeverityWarning)),
		bus.Subscribe(eventbus.EventStorageError, record("storage:error", "store", shielddata.SeverityError)),
		bus.Subscribe(eventbus.EventCostFallback, record("cost:fallback", "pricing", shielddata.SeverityWarning)),
		bus.Subscribe(eventbus.EventLedgerEntry, record("ledger:entry", "ledger", shielddata.SeverityInfo)),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func windowKindLabel(w breaker.WindowKind) string {
	switch w {
	case breaker.WindowSession:
		return "session"
	case breaker.WindowHour:
		return "hour"
	case breaker.WindowDay:
		return "day"
	case breaker.WindowMonth:
		return "month"
	default:
		return "unknown"
	}
}

// Close detaches the pipeline's internal subscribers (metrics, audit)
// from its event bus.
func (p *Pipeline) Close() {
	if p.metricsUnsub != nil {
		p.metricsUnsub()
	}
	if p.auditUnsub != nil {
		p.auditUnsub()
	}
	p.bus.Dispose()
}

// Bus exposes the pipeline's per-instance event bus so callers may
// subscribe their own handlers (e.g. a forward-to-global relay).
func (p *Pipeline) Bus() *eventbus.Bus { return p.bus }

// AuditLog exposes the pipeline's audit log for export/verification.
func (p *Pipeline) AuditLog() *audit.Log { return p.auditLog }

// Sidecar is the metadata block threaded from Transform to Record,
// rather than attaching a symbol-keyed property to the params object.
// The embedded RequestToken is the request's ownership record: one
// request owns its token exclusively for its lifetime.
type Sidecar struct {
	shielddata.RequestToken

	OriginalModelID    string
	OriginalTokenCount int
	PromptText         string
	PredictedOutput    int

	Reservation  *userbudget.Reservation
	CancelHandle *guard.CancelHandle

	CacheHit    bool
	CachedEntry shielddata.CacheEntry

	ContextSaved    int
	CompressorSaved int
	DeltaSaved      int

	SelectedModelID string
	RouterApplied   bool
	ABTestHoldout   bool

	Messages []shielddata.Message
	Tools    []shielddata.ToolSchema
}

func (p *Pipeline) dryRunNote(step, detail string) {
	if p.hooks.OnDryRun != nil {
		p.hooks.OnDryRun(step, detail)
	}
}

func (p *Pipeline) notifyBlocked(err *shielderr.BlockedError) {
	if p.hooks.OnBlocked != nil {
		p.hooks.OnBlocked(err)
	}
}

func (p *Pipeline) emitCostFallback(modelID string) {
	p.bus.Publish(eventbus.Event{Type: eventbus.EventCostFallback, Payload: modelID})
}

func (p *Pipeline) releaseReservation(sidecar *Sidecar) {
	if sidecar.Reservation != nil {
		p.userBudget.Release(sidecar.Reservation)
		sidecar.Reservation = nil
	}
}

func (p *Pipeline) completeGuard(sidecar *Sidecar, inputTokens, outputTokens int, actualCost float64) {
	if p.cfg.Modules.Guard && sidecar.PromptText != "" {
		p.guard.CompleteRequest(sidecar.PromptText, inputTokens, outputTokens, actualCost)
	}
}

func (p *Pipeline) estimateTools(tools []shielddata.ToolSchema, modelID string) int {
	total := 0
	for _, t := range tools {
		total += p.tok.EstimateText(t.Name+" "+t.Description, modelID)
	}
	return total
}

// fingerprint normalizes a prompt the way the glossary defines a
// prompt fingerprint: lower-cased, whitespace-collapsed.
func fingerprint(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

func promptText(messages []shielddata.Message) string {
	out := ""
	for _, m := range messages {
		if m.Role == shielddata.RoleUser {
			out += m.Text() + "\n"
		}
	}
	return out
}

func replaceText(m shielddata.Message, text string) shielddata.Message {
	m.Content = []shielddata.ContentPart{{Type: "text", Text: text}}
	return m
}

func (p *Pipeline) applyCompressor(messages []shielddata.Message, modelID string, dryRun bool) ([]shielddata.Message, int) {
	out := make([]shielddata.Message, len(messages))
	copy(out, messages)
	saved := 0
	for i, m := range out {
		if m.Role != shielddata.RoleUser {
			continue
		}
		result := compressor.Compress(p.compressorCfg, m.Text(), modelID, p.tok.EstimateText)
		if !result.Applied {
			continue
		}
		saved += result.SavedTokens
		if !dryRun {
			out[i] = replaceText(m, result.Text)
		}
	}
	return out, saved
}

// Transform runs the pre-call admission and rewrite sequence and
// returns the possibly-modified request params plus the sidecar the
// caller must pass to Record. On admission failure it returns a
// *shielderr.BlockedError.
func (p *Pipeline) Transform(ctx context.Context, params shielddata.RequestParams) (shielddata.RequestParams, *Sidecar, error) {
	dryRun := p.cfg.DryRun
	sidecar := &Sidecar{
		RequestToken: shielddata.RequestToken{
			ID:        uuid.NewString(),
			ModelID:   params.ModelID,
			StartedAt: time.Now(),
		},
		OriginalModelID: params.ModelID,
		PromptText:      promptText(params.Prompt),
		Messages:        append([]shielddata.Message(nil), params.Prompt...),
		Tools:           params.Tools,
		SelectedModelID: params.ModelID,
		PredictedOutput: defaultPredictedOutputTokens,
	}
	sidecar.PromptFingerprint = fingerprint(sidecar.PromptText)

	if err := ctx.Err(); err != nil {
		blocked := shielderr.NewCancelled()
		p.notifyBlocked(blocked)
		return params, sidecar, blocked
	}

	inputTokens := p.tok.EstimateMessages(params.Prompt, params.ModelID)
	sidecar.OriginalTokenCount = inputTokens

	priceInfo, known := p.pricing.Lookup(params.ModelID)
	if !known {
		p.emitCostFallback(params.ModelID)
	}
	estimatedCost := priceInfo.Cost(inputTokens, sidecar.PredictedOutput)
	sidecar.EstimatedCost = estimatedCost

	// 1. Breaker admission.
	if dryRun {
		p.dryRunNote("breaker", "would check projected spend against configured caps")
	} else {
		bres := p.breaker.Check(estimatedCost)
		if !bres.Allowed {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventRequestBlocked, Payload: bres.Reason})
			blocked := shielderr.NewBlocked(bres.Reason, estimatedCost)
			p.notifyBlocked(blocked)
			return params, sidecar, blocked
		}
	}

	// 2. User-budget reserve.
	userID := ""
	if p.hooks.GetUserID != nil {
		uid, err := p.hooks.GetUserID(params)
		if err != nil {
			return params, sidecar, fmt.Errorf("shield: resolving user id: %w", err)
		}
		userID = uid
	}
	sidecar.UserID = userID

	if dryRun {
		p.dryRunNote("userBudget", "would reserve estimated cost against "+userID+"'s daily/monthly buckets")
	} else {
		reservation, err := p.userBudget.Reserve(userID, estimatedCost, params.ModelID)
		if err != nil {
			window := "unknown"
			var exceeded *userbudget.ErrExceeded
			if errors.As(err, &exceeded) {
				window = string(exceeded.Window)
			}
			p.bus.Publish(eventbus.Event{Type: eventbus.EventUserBudgetExceeded, Payload: window})
			blocked := shielderr.NewBlocked("user budget exceeded: "+window, estimatedCost)
			p.notifyBlocked(blocked)
			return params, sidecar, blocked
		}
		sidecar.Reservation = reservation
		sidecar.ReservationID = reservation.ID
	}

	// 3. Guard check.
	if p.cfg.Modules.Guard {
		if dryRun {
			p.dryRunNote("guard", "would check debounce/dedup/rate/cost admission criteria")
		} else {
			gres := p.guard.Check(sidecar.PromptText, sidecar.OriginalTokenCount, estimatedCost, params.ModelID)
			if !gres.Allowed {
				p.releaseReservation(sidecar)
				p.bus.Publish(eventbus.Event{Type: eventbus.EventRequestBlocked, Payload: gres.Reason})
				blocked := shielderr.NewBlocked(gres.Reason, estimatedCost)
				p.notifyBlocked(blocked)
				return params, sidecar, blocked
			}
			sidecar.CancelHandle = p.guard.StartRequest(sidecar.PromptText)
		}
	}

	if err := ctx.Err(); err != nil {
		p.releaseReservation(sidecar)
		p.completeGuard(sidecar, 0, 0, 0)
		blocked := shielderr.NewCancelled()
		p.notifyBlocked(blocked)
		return params, sidecar, blocked
	}

	if !dryRun {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventRequestAllowed})
	}

	// 4. Cache lookup.
	if p.cfg.Modules.Cache {
		lookup := p.cache.Lookup(ctx, params.ModelID, sidecar.PromptText)
		if lookup.Degraded {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventStorageError, Payload: "semcache lookup"})
		}
		if lookup.Hit {
			sidecar.CacheHit = true
			sidecar.CachedEntry = lookup.Entry
			kind := "exact"
			if lookup.Fuzzy {
				kind = "fuzzy"
			}
			p.bus.Publish(eventbus.Event{Type: eventbus.EventCacheHit, Payload: kind})
			return params, sidecar, nil
		}
		p.bus.Publish(eventbus.Event{Type: eventbus.EventCacheMiss, Payload: params.ModelID})
	}

	messages := sidecar.Messages

	// 5. Context trim.
	if p.cfg.Modules.Context && p.contextCfg.MaxInputTokens > 0 {
		before := p.tok.EstimateMessages(messages, params.ModelID)
		result := contexttrim.Trim(p.contextCfg, messages, sidecar.Tools, params.ModelID, p.tok.EstimateMessages, p.estimateTools)
		if result.Trimmed {
			after := p.tok.EstimateMessages(result.Messages, params.ModelID)
			sidecar.ContextSaved = before - after
			if dryRun {
				p.dryRunNote("context", fmt.Sprintf("would drop %d oldest non-pinned message(s)", result.DroppedCount))
			} else {
				messages = result.Messages
			}
			p.bus.Publish(eventbus.Event{Type: eventbus.EventContextTrimmed, Payload: result.DroppedCount})
		}
	}

	// 6. Compressor.
	if p.cfg.Modules.Compressor {
		compressed, saved := p.applyCompressor(messages, params.ModelID, dryRun)
		sidecar.CompressorSaved = saved
		if saved > 0 {
			if !dryRun {
				messages = compressed
			} else {
				p.dryRunNote("compressor", fmt.Sprintf("would save %d tokens across user messages", saved))
			}
			p.bus.Publish(eventbus.Event{Type: eventbus.EventCompressorApplied, Payload: saved})
		}
	}

	// 7. Delta encoder.
	if p.cfg.Modules.Delta {
		dres := delta.Apply(p.deltaCfg, messages, params.ModelID, p.tok.EstimateText)
		if dres.Applied {
			sidecar.DeltaSaved = dres.SavedTokens
			if dryRun {
				p.dryRunNote("delta", fmt.Sprintf("would save %d tokens via cross-turn dedup", dres.SavedTokens))
			} else {
				messages = dres.Messages
			}
			p.bus.Publish(eventbus.Event{Type: eventbus.EventDeltaApplied, Payload: dres.SavedTokens})
		}
	}

	// 8. Router.
	selectedModelID := params.ModelID
	if p.cfg.Modules.Router {
		selectedModelID = p.route(ctx, sidecar, messages, params)
	}
	sidecar.SelectedModelID = selectedModelID

	// 9. Prefix optimizer: reorder system messages to the front in their
	// original relative order, the provider-idiomatic layout for
	// maximizing prefix-cache hits; everything else keeps its order.
	if p.cfg.Modules.Prefix && !dryRun {
		messages = stablePrefixOrder(messages)
	} else if p.cfg.Modules.Prefix {
		p.dryRunNote("prefix", "would reorder system messages to the front for provider-side prefix caching")
	}

	sidecar.Messages = messages

	finalParams := params
	if !dryRun {
		finalParams.Prompt = messages
		finalParams.ModelID = selectedModelID
	}
	return finalParams, sidecar, nil
}

func stablePrefixOrder(messages []shielddata.Message) []shielddata.Message {
	out := make([]shielddata.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == shielddata.RoleSystem {
			out = append(out, m)
		}
	}
	for _, m := range messages {
		if m.Role != shielddata.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func (p *Pipeline) drawHoldback() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// route picks the model for one request: an explicit per-request
// override wins outright; otherwise the configured A/B hold-back
// fraction is drawn, and a held-back request keeps its original model;
// otherwise an explicit tier list maps complexity to the cheapest
// configured model at or below the matched tier; otherwise the
// unconstrained cheapest-candidate route runs.
func (p *Pipeline) route(ctx context.Context, sidecar *Sidecar, messages []shielddata.Message, params shielddata.RequestParams) string {
	if p.hooks.RouterOverride != nil {
		if override := p.hooks.RouterOverride(sidecar.PromptText); override != "" {
			sidecar.RouterApplied = override != params.ModelID
			return override
		}
	}

	if router.ShouldHoldback(p.routerFilter.HoldbackFraction, p.drawHoldback()) {
		sidecar.ABTestHoldout = true
		p.bus.Publish(eventbus.Event{Type: eventbus.EventRouterHoldback, Payload: params.ModelID})
		return params.ModelID
	}

	if len(p.cfg.Router.Tiers) > 0 {
		score := p.cplx.Score(sidecar.PromptText, params.ModelID, p.tok.EstimateText)
		if modelID, ok := selectConfiguredTier(p.cfg.Router.Tiers, score.Score); ok {
			if modelID != params.ModelID {
				sidecar.RouterApplied = true
				p.bus.Publish(eventbus.Event{Type: eventbus.EventRouterDowngraded, Payload: modelID})
			}
			return modelID
		}
	}

	score := p.cplx.Score(sidecar.PromptText, params.ModelID, p.tok.EstimateText)
	filter := p.routerFilter
	filter.MinTier = score.RecommendedTier

	estimate := func(modelID string) (int, int) {
		return p.tok.EstimateMessages(messages, modelID), sidecar.PredictedOutput
	}
	result := router.Route(ctx, p.pricing, filter, params.ModelID, estimate, p.routerStrategy, false)
	if result.Selected.ModelID != params.ModelID {
		sidecar.RouterApplied = true
		p.bus.Publish(eventbus.Event{Type: eventbus.EventRouterDowngraded, Payload: result.Selected.ModelID})
		return result.Selected.ModelID
	}
	return params.ModelID
}

// selectConfiguredTier returns the cheapest tier (ascending MaxComplexity)
// whose ceiling is still at or above score, per the explicit tier-list
// routing mode.
func selectConfiguredTier(tiers []config.RouterTier, score int) (string, bool) {
	var best *config.RouterTier
	for i := range tiers {
		t := &tiers[i]
		if score > t.MaxComplexity {
			continue
		}
		if best == nil || t.MaxComplexity < best.MaxComplexity {
			best = t
		}
	}
	if best == nil {
		return "", false
	}
	return best.ModelID, true
}

// Record runs the post-call accounting sequence. Pass invokeErr when
// the caller's model function failed; Record then releases the
// reservation and rethrows wrapped in *shielderr.InvokerError.
func (p *Pipeline) Record(ctx context.Context, sidecar *Sidecar, result shielddata.InvokeResult, invokeErr error) (shielddata.InvokeResult, error) {
	if invokeErr != nil {
		p.releaseReservation(sidecar)
		p.completeGuard(sidecar, 0, 0, 0)
		return shielddata.InvokeResult{}, shielderr.NewInvoker(invokeErr)
	}

	if sidecar.CacheHit {
		cached := sidecar.CachedEntry
		response := shielddata.InvokeResult{
			Text:  cached.Response,
			Usage: shielddata.Usage{PromptTokens: cached.InputTokens, CompletionTokens: cached.OutputTokens},
		}

		if p.cfg.DryRun {
			return response, nil
		}

		priceInfo, known := p.pricing.Lookup(cached.ModelID)
		if !known {
			p.emitCostFallback(cached.ModelID)
		}
		savedCost := priceInfo.Cost(cached.InputTokens, cached.OutputTokens)

		p.userBudget.Commit(sidecar.Reservation, 0)
		p.bus.Publish(eventbus.Event{Type: eventbus.EventUserBudgetSpend, Payload: sidecar.UserID})
		entry := shielddata.LedgerEntry{
			Timestamp: time.Now(), ModelID: cached.ModelID,
			InputTokens: cached.InputTokens, OutputTokens: cached.OutputTokens,
			ActualCost: 0, SavedCost: savedCost, Feature: "cache", UserID: sidecar.UserID,
		}
		p.appendLedger(ctx, entry)
		p.completeGuard(sidecar, cached.InputTokens, cached.OutputTokens, 0)
		return response, nil
	}

	if p.cfg.DryRun {
		p.dryRunNote("invoke", "would call the model invoker for "+sidecar.SelectedModelID)
		return shielddata.InvokeResult{}, nil
	}

	modelID := sidecar.SelectedModelID
	priceInfo, known := p.pricing.Lookup(modelID)
	if !known {
		p.emitCostFallback(modelID)
	}
	actualCost := priceInfo.Cost(result.Usage.PromptTokens, result.Usage.CompletionTokens)

	totalSavedTokens := sidecar.ContextSaved + sidecar.CompressorSaved + sidecar.DeltaSaved
	savedDollars := float64(totalSavedTokens) * priceInfo.InputCostPerToken

	p.userBudget.Commit(sidecar.Reservation, actualCost)
	p.bus.Publish(eventbus.Event{Type: eventbus.EventUserBudgetSpend, Payload: sidecar.UserID})
	p.breaker.RecordSpend(actualCost)

	entry := shielddata.LedgerEntry{
		Timestamp: time.Now(), ModelID: modelID,
		InputTokens: result.Usage.PromptTokens, OutputTokens: result.Usage.CompletionTokens,
		ActualCost: actualCost, SavedCost: savedDollars, Feature: "pipeline", UserID: sidecar.UserID,
	}
	p.appendLedger(ctx, entry)

	if p.cfg.Modules.Anomaly {
		anomalyResult := p.anomaly.Check(actualCost)
		if anomalyResult.Anomalous {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventAnomalyDetected, Payload: string(anomalyResult.Severity)})
		}
	}

	p.completeGuard(sidecar, result.Usage.PromptTokens, result.Usage.CompletionTokens, actualCost)

	if p.cfg.Modules.Cache && !sidecar.CacheHit {
		cacheEntry := shielddata.CacheEntry{
			Prompt: sidecar.PromptText, ModelID: modelID,
			Response: result.Text, InputTokens: result.Usage.PromptTokens, OutputTokens: result.Usage.CompletionTokens,
		}
		if degraded := p.cache.Store(ctx, cacheEntry); degraded {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventStorageError, Payload: "semcache store"})
		} else {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventCacheStore, Payload: modelID})
		}
	}

	return result, nil
}

func (p *Pipeline) appendLedger(ctx context.Context, entry shielddata.LedgerEntry) {
	if !p.cfg.Modules.Ledger {
		return
	}
	if err := p.ledger.Append(ctx, entry); err != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventStorageError, Payload: "ledger append"})
	}
	metrics.RecordSpend(entry.ModelID, entry.ActualCost, entry.SavedCost, entry.Feature)
	p.bus.Publish(eventbus.Event{Type: eventbus.EventLedgerEntry, Payload: entry})
}

// Abort releases a reservation obtained by Transform without recording
// any spend, for callers that inspect the transform outcome and decide
// not to invoke a model at all.
func (p *Pipeline) Abort(sidecar *Sidecar) {
	p.releaseReservation(sidecar)
	p.completeGuard(sidecar, 0, 0, 0)
}

// Invoker is the caller-supplied model function Wrap drives.
type Invoker func(ctx context.Context, params shielddata.RequestParams) (shielddata.InvokeResult, error)

// Wrap runs Transform, then either returns the cached response or
// calls invoke and runs Record, always releasing reservations on any
// exit path.
func (p *Pipeline) Wrap(ctx context.Context, params shielddata.RequestParams, invoke Invoker) (shielddata.InvokeResult, error) {
	transformed, sidecar, err := p.Transform(ctx, params)
	if err != nil {
		return shielddata.InvokeResult{}, err
	}
	if sidecar.CacheHit {
		return p.Record(ctx, sidecar, shielddata.InvokeResult{}, nil)
	}
	if p.cfg.DryRun {
		return p.Record(ctx, sidecar, shielddata.InvokeResult{}, nil)
	}

	result, invokeErr := invoke(ctx, transformed)
	return p.Record(ctx, sidecar, result, invokeErr)
}

// Health is a point-in-time snapshot of every module's counters.
type Health struct {
	Healthy          bool
	Modules          config.ModulesConfig
	CacheHitRate     float64
	GuardBlockedRate float64
	BreakerTripped   bool
	TotalSpent       float64
	TotalSaved       float64
}

// HealthCheck snapshots every module's counters into one report.
func (p *Pipeline) HealthCheck() Health {
	summary := p.ledger.Summary()
	cacheStats := p.cache.Stats()
	guardStats := p.guard.Stats()

	var cacheHitRate float64
	if cacheStats.TotalLookups > 0 {
		cacheHitRate = float64(cacheStats.Hits) / float64(cacheStats.TotalLookups)
	}

	breakerTripped := p.breaker.Check(0).Reason == "spend cap reached"

	return Health{
		Healthy:          true,
		Modules:          p.cfg.Modules,
		CacheHitRate:     cacheHitRate,
		GuardBlockedRate: guardStats.BlockedRate,
		BreakerTripped:   breakerTripped,
		TotalSpent:       summary.TotalActual,
		TotalSaved:       summary.TotalSaved,
	}
}
