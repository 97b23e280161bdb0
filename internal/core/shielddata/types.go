// Package shielddata holds the data model shared by every pipeline
// component, the way internal/core/models centralizes persisted
// entities.
package shielddata

import (
	"time"

	"gorm.io/datatypes"
)

// Role is the role of a message in a structured prompt.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of a message's content.
type ContentPart struct {
	Type string `json:"type"` // "text" | "image" | ...
	Text string `json:"text,omitempty"`
}

// Message is one structured-prompt entry.
type Message struct {
	Role    Role          `json:"role"`
	Name    string        `json:"name,omitempty"`
	Content []ContentPart `json:"content"`
}

// Text concatenates every text content part of the message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Content {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out
}

// ToolSchema is a passthrough tool definition; the core only needs its
// approximate token footprint, never its semantics.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RequestParams is the provider-agnostic request shape the pipeline operates on.
type RequestParams struct {
	ModelID string     `json:"model_id"`
	Prompt  []Message  `json:"prompt"`
	Tools   []ToolSchema `json:"tools,omitempty"`
	// Passthrough carries caller fields the core never interprets.
	Passthrough map[string]any `json:"-"`
}

// Usage is what the caller's invoker returns alongside the text.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// InvokeResult is the shape returned from the caller's model function.
type InvokeResult struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// CacheEntry is one stored semantic-cache record.
type CacheEntry struct {
	Key              string    `json:"key"`
	NormalizedPrompt string    `json:"normalized_prompt"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	ModelID          string    `json:"model_id"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	AccessCount      int64     `json:"access_count"`
}

// LedgerEntry is one immutable cost-ledger record of a completed
// exchange; its costs are computed by the caller via the pricing table.
type LedgerEntry struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	Timestamp    time.Time      `json:"timestamp" gorm:"index"`
	ModelID      string         `json:"model_id" gorm:"index"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	ActualCost   float64        `json:"actual_cost"`
	SavedCost    float64        `json:"saved_cost"`
	Feature      string         `json:"feature,omitempty"`
	UserID       string         `json:"user_id,omitempty" gorm:"index"`
}

// TableName pins the gorm table name regardless of struct renames.
func (LedgerEntry) TableName() string { return "shield_ledger_entries" }

// LedgerSummary is the derived rollup over a set of ledger entries.
type LedgerSummary struct {
	Entries      int64   `json:"entries"`
	TotalActual  float64 `json:"total_actual"`
	TotalSaved   float64 `json:"total_saved"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// BudgetWindow identifies the reset granularity of a BudgetBucket.
type BudgetWindow string

const (
	WindowDaily   BudgetWindow = "daily"
	WindowMonthly BudgetWindow = "monthly"
)

// BudgetBucket is a per-user, per-window spend bucket.
type BudgetBucket struct {
	SpentActual     float64
	InflightReserved float64
	WindowStart     time.Time
}

// BreakerWindow is one spend-cap window of the circuit breaker.
type BreakerWindow struct {
	Spent       float64
	WindowStart time.Time
	WarnedAt0_8 bool
}

// RequestToken is the per-in-flight-request ownership record.
type RequestToken struct {
	ID                string
	ModelID           string
	PromptFingerprint string
	EstimatedCost     float64
	UserID            string
	ReservationID     string
	StartedAt         time.Time
}

// ComplexityTier is the coarse bucket a ComplexityScore maps to.
type ComplexityTier string

const (
	TierTrivial  ComplexityTier = "trivial"
	TierSimple   ComplexityTier = "simple"
	TierModerate ComplexityTier = "moderate"
	TierComplex  ComplexityTier = "complex"
	TierExpert   ComplexityTier = "expert"
)

// ModelTier is the coarse capability rank used for routing.
type ModelTier string

const (
	ModelTierBudget   ModelTier = "budget"
	ModelTierStandard ModelTier = "standard"
	ModelTierPremium  ModelTier = "premium"
	ModelTierFlagship ModelTier = "flagship"
)

var modelTierRank = map[ModelTier]int{
	ModelTierBudget: 0, ModelTierStandard: 1, ModelTierPremium: 2, ModelTierFlagship: 3,
}

// AtLeast reports whether t is the same tier as or above min.
func (t ModelTier) AtLeast(min ModelTier) bool {
	return modelTierRank[t] >= modelTierRank[min]
}

// ComplexitySignals are the nine measurable inputs to the composite score.
type ComplexitySignals struct {
	TokenCount         int
	AvgWordLength      float64
	SentenceCount      int
	LexicalDiversity   float64
	CodeTokenCount     int
	ReasoningKeywords   int
	ConstraintKeywords  int
	StructuredOutput   bool
	SubTaskCount       int
	ContextDependent   bool
}

// ComplexityScore is the immutable scoring result.
type ComplexityScore struct {
	Score           int
	Tier            ComplexityTier
	Signals         ComplexitySignals
	RecommendedTier ModelTier
}

// AuditSeverity orders audit records for min-severity filtering.
type AuditSeverity int

const (
	SeverityDebug AuditSeverity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AuditSeverity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config string onto an AuditSeverity, defaulting
// to SeverityInfo for an unrecognized value.
func ParseSeverity(s string) AuditSeverity {
	switch s {
	case "debug":
		return SeverityDebug
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// AuditRecord is one hash-chained audit entry.
type AuditRecord struct {
	Seq         uint64         `json:"seq" gorm:"primaryKey"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Severity    string         `json:"severity"`
	Module      string         `json:"module"`
	Description string         `json:"description"`
	Data        datatypes.JSON `json:"data"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// TableName pins the gorm table name regardless of struct renames.
func (AuditRecord) TableName() string { return "shield_audit_records" }
