// Package ledger is an append-only cost ledger: every completed
// exchange adds one immutable entry; summaries are derived by
// scanning the in-memory log, also when entries are persisted to gorm.
package ledger

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// Ledger is safe for concurrent use. Append holds a single lock for
// O(1) work; Summary takes a snapshot under the same lock.
type Ledger struct {
	mu      sync.Mutex
	entries []shielddata.LedgerEntry
	db      *gorm.DB // nil when running purely in-memory
}

func New() *Ledger { return &Ledger{} }

// NewWithDB additionally persists every appended entry to db. It
// auto-migrates the shield_ledger_entries table itself and returns the
// migration error, if any.
func NewWithDB(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&shielddata.LedgerEntry{}); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Append records one completed exchange. Persistence failures are
// logged by the caller via the returned error; the in-memory entry is
// still recorded so summaries stay consistent even if the durable
// write failed — durability is best-effort, never a gate.
func (l *Ledger) Append(ctx context.Context, entry shielddata.LedgerEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.db != nil {
		return l.db.WithContext(ctx).Create(&entry).Error
	}
	return nil
}

// Summary computes a rollup snapshot over every recorded entry.
func (l *Ledger) Summary() shielddata.LedgerSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s shielddata.LedgerSummary
	for _, e := range l.entries {
		s.Entries++
		s.TotalActual += e.ActualCost
		s.TotalSaved += e.SavedCost
		s.InputTokens += int64(e.InputTokens)
		s.OutputTokens += int64(e.OutputTokens)
	}
	return s
}

// Entries returns a snapshot copy of every recorded entry, used by
// audit export and by tests; callers must not mutate the result.
func (l *Ledger) Entries() []shielddata.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]shielddata.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
