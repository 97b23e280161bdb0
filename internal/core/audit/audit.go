// Package audit is a hash-chained, append-only event log. Every
// record commits to the hash of the record before it, so a reader can
// detect any record tampered with or reordered after the fact; gorm
// persistence is optional, matching the rest of this module's storage
// pattern.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// HashFunc computes a record's chain hash from the previous hash and
// the record's canonical serialization.
type HashFunc func(prevHash string, record shielddata.AuditRecord) string

// Sha256Hash is the default, cryptographic chain hash.
func Sha256Hash(prevHash string, record shielddata.AuditRecord) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBytes(record))
	return hex.EncodeToString(h.Sum(nil))
}

// FnvHash is a clearly non-cryptographic fallback chain hash, useful
// only where crypto/sha256 is unavailable or unnecessary (e.g. a
// throwaway dry-run log); never use it where tamper-evidence matters.
func FnvHash(prevHash string, record shielddata.AuditRecord) string {
	h := fnv.New64a()
	h.Write([]byte(prevHash))
	h.Write(canonicalBytes(record))
	return strconv.FormatUint(h.Sum64(), 16)
}

func canonicalBytes(record shielddata.AuditRecord) []byte {
	record.PrevHash = ""
	record.Hash = ""
	b, _ := json.Marshal(record)
	return b
}

// Config controls filtering, pruning, and which hash function chains
// records.
type Config struct {
	MinSeverity shielddata.AuditSeverity
	MaxEntries  int
	Hash        HashFunc
}

func DefaultConfig() Config {
	return Config{MinSeverity: shielddata.SeverityInfo, MaxEntries: 10_000, Hash: Sha256Hash}
}

// Log is the in-process hash-chained record store.
type Log struct {
	mu           sync.Mutex
	cfg          Config
	records      []shielddata.AuditRecord
	seq          uint64
	lastHash     string
	verifiedFrom uint64 // seq of the first record whose prevHash is trustworthy (pruning resets this)
	db           *gorm.DB
}

func New(cfg Config) *Log {
	if cfg.Hash == nil {
		cfg.Hash = Sha256Hash
	}
	return &Log{cfg: cfg}
}

// NewWithDB wires optional gorm persistence, auto-migrating the audit
// table the way ledger.NewWithDB does.
func NewWithDB(cfg Config, db *gorm.DB) (*Log, error) {
	l := New(cfg)
	if err := db.AutoMigrate(&shielddata.AuditRecord{}); err != nil {
		return nil, err
	}
	l.db = db
	return l, nil
}

// Record appends one event if its severity meets the configured
// minimum; below-minimum events are silently dropped.
func (l *Log) Record(eventType, module, description string, severity shielddata.AuditSeverity, data map[string]any) {
	if severity < l.cfg.MinSeverity {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dataJSON, _ := json.Marshal(data)
	l.seq++
	rec := shielddata.AuditRecord{
		Seq:         l.seq,
		Timestamp:   time.Now(),
		EventType:   eventType,
		Severity:    severity.String(),
		Module:      module,
		Description: description,
		Data:        datatypes.JSON(dataJSON),
		PrevHash:    l.lastHash,
	}
	rec.Hash = l.cfg.Hash(l.lastHash, rec)
	l.lastHash = rec.Hash

	l.records = append(l.records, rec)
	l.pruneLocked()
}

func (l *Log) pruneLocked() {
	if l.cfg.MaxEntries <= 0 || len(l.records) <= l.cfg.MaxEntries {
		return
	}
	drop := len(l.records) - l.cfg.MaxEntries
	l.records = l.records[drop:]
	l.verifiedFrom = l.records[0].Seq
}

// Flush persists every record accumulated so far through the optional
// gorm connection; a no-op if none was configured.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	records := make([]shielddata.AuditRecord, len(l.records))
	copy(records, l.records)
	db := l.db
	l.mu.Unlock()

	if db == nil || len(records) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(records, 100).Error
}

// Records returns a defensive copy of every retained record.
func (l *Log) Records() []shielddata.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]shielddata.AuditRecord, len(l.records))
	copy(out, l.records)
	return out
}

// IntegritySummary reports whether the retained chain verifies, and
// from which sequence number verification is trustworthy (pruning
// moves this forward since earlier prevHash links are gone).
type IntegritySummary struct {
	Valid        bool   `json:"valid"`
	BrokenAt     uint64 `json:"brokenAt,omitempty"`
	Pruned       bool   `json:"pruned,omitempty"`
	VerifiedFrom uint64 `json:"verifiedFrom,omitempty"`
}

// Verify recomputes every retained record's hash and confirms the
// chain links hold from verifiedFrom onward.
func (l *Log) Verify() IntegritySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	summary := IntegritySummary{Valid: true, VerifiedFrom: l.verifiedFrom, Pruned: l.verifiedFrom > 0}
	prevHash := ""
	for i, rec := range l.records {
		if i == 0 {
			prevHash = rec.PrevHash // trust the first retained record's prevHash; it may predate pruning
		}
		expected := l.cfg.Hash(prevHash, rec)
		if expected != rec.Hash {
			summary.Valid = false
			summary.BrokenAt = rec.Seq
			return summary
		}
		prevHash = rec.Hash
	}
	return summary
}

// ExportJSON serializes every retained record plus an integrity summary.
func (l *Log) ExportJSON() ([]byte, error) {
	records := l.Records()
	integrity := l.Verify()
	return json.Marshal(struct {
		ExportedAt   time.Time                `json:"exportedAt"`
		Integrity    IntegritySummary         `json:"integrity"`
		TotalEntries int                      `json:"totalEntries"`
		Entries      []shielddata.AuditRecord `json:"entries"`
	}{time.Now(), integrity, len(records), records})
}

// ExportCSV serializes every retained record as RFC-4180 CSV.
func (l *Log) ExportCSV() (string, error) {
	records := l.Records()
	var b strings.Builder
	w := csv.NewWriter(&b)

	header := []string{"seq", "timestamp", "event_type", "severity", "module", "description", "data", "prev_hash", "hash"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range records {
		row := []string{
			fmt.Sprintf("%d", r.Seq),
			r.Timestamp.Format(time.RFC3339),
			r.EventType,
			r.Severity,
			r.Module,
			r.Description,
			string(r.Data),
			r.PrevHash,
			r.Hash,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return b.String(), w.Error()
}
