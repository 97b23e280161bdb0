package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

func TestRecord_AppendsAndChainsHashes(t *testing.T) {
	l := New(DefaultConfig())
	l.Record("cache:hit", "semcache", "exact hit", shielddata.SeverityInfo, nil)
	l.Record("ledger:entry", "ledger", "recorded spend", shielddata.SeverityInfo, map[string]any{"cost": 0.02})

	records := l.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "", records[0].PrevHash)
	assert.Equal(t, records[0].Hash, records[1].PrevHash)
	assert.NotEqual(t, records[0].Hash, records[1].Hash)
}

func TestRecord_DropsBelowMinSeverity(t *testing.T) {
	l := New(Config{MinSeverity: shielddata.SeverityWarning, Hash: Sha256Hash})
	l.Record("debug:noise", "test", "should be dropped", shielddata.SeverityDebug, nil)
	l.Record("real:event", "test", "should be kept", shielddata.SeverityWarning, nil)

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "real:event", records[0].EventType)
}

func TestVerify_ValidChainReportsValid(t *testing.T) {
	l := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		l.Record("event", "mod", "desc", shielddata.SeverityInfo, nil)
	}
	summary := l.Verify()
	assert.True(t, summary.Valid)
}

func TestVerify_DetectsTamperedRecord(t *testing.T) {
	l := New(DefaultConfig())
	l.Record("event", "mod", "desc", shielddata.SeverityInfo, nil)
	l.Record("event2", "mod", "desc2", shielddata.SeverityInfo, nil)

	l.mu.Lock()
	l.records[0].Description = "tampered"
	l.mu.Unlock()

	summary := l.Verify()
	assert.False(t, summary.Valid)
}

func TestPrune_DropsOldestAndMovesVerifiedFrom(t *testing.T) {
	l := New(Config{MinSeverity: shielddata.SeverityInfo, MaxEntries: 3, Hash: Sha256Hash})
	for i := 0; i < 10; i++ {
		l.Record("event", "mod", "desc", shielddata.SeverityInfo, nil)
	}
	records := l.Records()
	require.Len(t, records, 3)
	assert.Equal(t, uint64(8), records[0].Seq)

	summary := l.Verify()
	assert.True(t, summary.Valid, "a pruned chain must still verify from its first retained record")
	assert.Equal(t, uint64(8), summary.VerifiedFrom)
	assert.True(t, summary.Pruned)
}

func TestExportJSON_IncludesIntegritySummary(t *testing.T) {
	l := New(DefaultConfig())
	l.Record("event", "mod", "desc", shielddata.SeverityInfo, nil)
	out, err := l.ExportJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), "\"integrity\"")
	assert.Contains(t, string(out), "\"valid\":true")
	assert.Contains(t, string(out), "\"exportedAt\"")
	assert.Contains(t, string(out), "\"totalEntries\":1")
	assert.Contains(t, string(out), "\"entries\"")
}

func TestExportCSV_EscapesEmbeddedCommasAndQuotes(t *testing.T) {
	l := New(DefaultConfig())
	l.Record("event", "mod", `description, with a "quote" inside`, shielddata.SeverityInfo, nil)
	out, err := l.ExportCSV()
	require.NoError(t, err)
	assert.Contains(t, out, `"description, with a ""quote"" inside"`)
}

func TestNewWithDB_PersistsRecordsOnFlush(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	l, err := NewWithDB(DefaultConfig(), db)
	require.NoError(t, err)

	l.Record("event", "mod", "desc", shielddata.SeverityInfo, nil)
	require.NoError(t, l.Flush(context.Background()))

	var count int64
	require.NoError(t, db.Model(&shielddata.AuditRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestFnvHash_IsDeterministicButDistinctFromSha256(t *testing.T) {
	rec := shielddata.AuditRecord{Seq: 1, EventType: "x"}
	a := FnvHash("", rec)
	b := FnvHash("", rec)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Sha256Hash("", rec))
}
