package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func TestAppendAndSummary(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, shielddata.LedgerEntry{ModelID: "gpt-4o", InputTokens: 100, OutputTokens: 50, ActualCost: 0.01}))
	require.NoError(t, l.Append(ctx, shielddata.LedgerEntry{ModelID: "gpt-4o", InputTokens: 10, OutputTokens: 5, ActualCost: 0, SavedCost: 0.02}))

	summary := l.Summary()
	assert.Equal(t, int64(2), summary.Entries)
	assert.InDelta(t, 0.01, summary.TotalActual, 1e-9)
	assert.InDelta(t, 0.02, summary.TotalSaved, 1e-9)
	assert.Equal(t, int64(110), summary.InputTokens)
	assert.Equal(t, int64(55), summary.OutputTokens)
}

func TestEntries_ReturnsSnapshotCopy(t *testing.T) {
	l := New()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, shielddata.LedgerEntry{ModelID: "gpt-4o"}))

	entries := l.Entries()
	entries[0].ModelID = "mutated"

	assert.Equal(t, "gpt-4o", l.Entries()[0].ModelID, "mutating a returned snapshot must not affect the ledger")
}

func TestNewWithDB_PersistsEntries(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	l, err := NewWithDB(db)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Append(ctx, shielddata.LedgerEntry{ModelID: "gpt-4o", ActualCost: 1.5}))

	var count int64
	require.NoError(t, db.Model(&shielddata.LedgerEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
