// Package semcache is a model-scoped semantic response cache: exact
// and fuzzy prompt lookup backed by store.Adapter, with TTL+LRU
// eviction. Keys are sha256 over a canonical JSON payload of the
// (model, normalized prompt) pair, so entries from one model can
// never satisfy a lookup for another.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/promptshield/internal/core/shielddata"
	"github.com/amerfu/promptshield/internal/core/store"
)

// Mode selects the fuzzy-matching algorithm.
type Mode int

const (
	ModeBigramDice Mode = iota
	ModeMinHashLSH
)

type Config struct {
	MaxEntries int
	TTL        time.Duration
	Threshold  float64 // 0 disables fuzzy matching; 1 disables everything but exact
	Mode       Mode
}

func DefaultConfig() Config {
	return Config{MaxEntries: 500, TTL: time.Hour, Threshold: 0.85, Mode: ModeBigramDice}
}

// Stats reports the cache's lookup counters.
type Stats struct {
	TotalLookups     int64
	Hits             int64
	ExactHits        int64
	FuzzyHits        int64
	AggregateSavedTokens int64
}

type indexEntry struct {
	entry        shielddata.CacheEntry
	minhash      []uint32 // populated lazily when Mode == ModeMinHashLSH
}

// Cache is the semantic cache. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	store  store.Adapter
	logger *zap.Logger

	// index mirrors what's in store, keyed by model so fuzzy scans never
	// cross model boundaries; kept in insertion order for LRU eviction.
	byModel map[string]map[string]*indexEntry
	order    []string // "modelID\x00key", oldest first

	stats Stats

	lshBands map[string]map[uint64][]string // modelID -> band signature -> keys
}

func New(cfg Config, adapter store.Adapter, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:      cfg,
		store:    adapter,
		logger:   logger,
		byModel:  make(map[string]map[string]*indexEntry),
		lshBands: make(map[string]map[uint64][]string),
	}
}

func normalize(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

func cacheKey(modelID, normalizedPrompt string) string {
	payload, _ := json.Marshal(map[string]string{"model": modelID, "prompt": normalizedPrompt})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// LookupResult is what Lookup returns.
type LookupResult struct {
	Entry    shielddata.CacheEntry
	Hit      bool
	Fuzzy    bool
	Degraded bool // a persistence failure occurred; caller should emit storage:error
}

// Lookup tries an exact match first, then (if threshold < 1) a fuzzy
// match against every entry stored for the same model.
func (c *Cache) Lookup(ctx context.Context, modelID, prompt string) LookupResult {
	c.mu.Lock()
	c.stats.TotalLookups++
	c.mu.Unlock()

	normalized := normalize(prompt)
	key := cacheKey(modelID, normalized)

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("semcache: persistence lookup failed, treating as miss", zap.Error(err))
		return LookupResult{Degraded: true}
	}
	if ok {
		var entry shielddata.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil && c.isLive(entry) {
			c.touch(modelID, key, entry)
			c.recordHit(false, entry)
			return LookupResult{Entry: entry, Hit: true}
		}
	}

	if c.cfg.Threshold <= 0 || c.cfg.Threshold >= 1 {
		return LookupResult{}
	}

	threshold := c.cfg.Threshold
	if len(normalized) < 10 {
		threshold += 0.05
	}

	best, bestScore, found := c.fuzzyBest(modelID, normalized)
	if !found || bestScore < threshold {
		return LookupResult{}
	}
	c.touch(modelID, best.entry.Key, best.entry)
	c.recordHit(true, best.entry)
	return LookupResult{Entry: best.entry, Hit: true, Fuzzy: true}
}

func (c *Cache) recordHit(fuzzy bool, entry shielddata.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Hits++
	c.stats.AggregateSavedTokens += int64(entry.InputTokens + entry.OutputTokens)
	if fuzzy {
		c.stats.FuzzyHits++
	} else {
		c.stats.ExactHits++
	}
}

func (c *Cache) isLive(entry shielddata.CacheEntry) bool {
	if c.cfg.TTL <= 0 {
		return true
	}
	return time.Since(entry.CreatedAt) < c.cfg.TTL
}

func (c *Cache) fuzzyBest(modelID, normalized string) (*indexEntry, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.byModel[modelID]
	if len(entries) == 0 {
		return nil, 0, false
	}

	switch c.cfg.Mode {
	case ModeMinHashLSH:
		return c.fuzzyBestLSHLocked(modelID, normalized)
	default:
		return c.fuzzyBestBigramLocked(entries, normalized)
	}
}

func (c *Cache) fuzzyBestBigramLocked(entries map[string]*indexEntry, normalized string) (*indexEntry, float64, bool) {
	var best *indexEntry
	bestScore := -1.0
	for _, ie := range entries {
		if !c.isLive(ie.entry) {
			continue
		}
		score := bigramDice(normalized, ie.entry.NormalizedPrompt)
		if score > bestScore {
			bestScore = score
			best = ie
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}

// bigramDice computes the Sorensen-Dice coefficient over character
// bigrams, the cache's baseline similarity measure.
func bigramDice(a, b string) float64 {
	bigramsA := bigramSet(a)
	bigramsB := bigramSet(b)
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		if len(bigramsA) == 0 && len(bigramsB) == 0 {
			return 1.0
		}
		return 0
	}
	intersection := 0
	smaller, larger := bigramsA, bigramsB
	if len(bigramsB) < len(bigramsA) {
		smaller, larger = bigramsB, bigramsA
	}
	for k, v := range smaller {
		if lv, ok := larger[k]; ok {
			if v < lv {
				intersection += v
			} else {
				intersection += lv
			}
		}
	}
	total := 0
	for _, v := range bigramsA {
		total += v
	}
	for _, v := range bigramsB {
		total += v
	}
	return 2.0 * float64(intersection) / float64(total)
}

func bigramSet(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	if len(runes) < 2 {
		if len(runes) == 1 {
			out[string(runes)]++
		}
		return out
	}
	for i := 0; i < len(runes)-1; i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// Store inserts a response into the cache, evicting the
// least-recently-accessed entry if over capacity.
func (c *Cache) Store(ctx context.Context, entry shielddata.CacheEntry) (degraded bool) {
	normalized := normalize(entry.Prompt)
	entry.NormalizedPrompt = normalized
	entry.Key = cacheKey(entry.ModelID, normalized)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.LastAccessed = entry.CreatedAt

	raw, err := json.Marshal(entry)
	if err != nil {
		return true
	}
	if err := c.store.Set(ctx, entry.Key, raw, c.cfg.TTL); err != nil {
		c.logger.Warn("semcache: persistence store failed", zap.Error(err))
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byModel[entry.ModelID] == nil {
		c.byModel[entry.ModelID] = make(map[string]*indexEntry)
	}
	ie := &indexEntry{entry: entry}
	c.byModel[entry.ModelID][entry.Key] = ie
	if c.cfg.Mode == ModeMinHashLSH {
		c.indexLSHLocked(entry.ModelID, entry.Key, ie)
	}
	orderKey := entry.ModelID + "\x00" + entry.Key
	c.order = removeString(c.order, orderKey)
	c.order = append(c.order, orderKey)
	c.evictIfOverCapacityLocked(ctx)
	return false
}

func (c *Cache) evictIfOverCapacityLocked(ctx context.Context) {
	total := 0
	for _, m := range c.byModel {
		total += len(m)
	}
	for total > c.cfg.MaxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		parts := strings.SplitN(oldest, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		modelID, key := parts[0], parts[1]
		if m, ok := c.byModel[modelID]; ok {
			delete(m, key)
		}
		_ = c.store.Delete(ctx, key)
		total--
	}
}

func (c *Cache) touch(modelID, key string, entry shielddata.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byModel[modelID]; ok {
		if ie, ok := m[key]; ok {
			ie.entry.LastAccessed = time.Now()
			ie.entry.AccessCount++
		}
	}
	orderKey := modelID + "\x00" + key
	c.order = removeString(c.order, orderKey)
	c.order = append(c.order, orderKey)
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear resets both the index and the counters.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	keys := append([]string(nil), c.order...)
	c.byModel = make(map[string]map[string]*indexEntry)
	c.order = nil
	c.lshBands = make(map[string]map[uint64][]string)
	c.stats = Stats{}
	c.mu.Unlock()

	for _, ok := range keys {
		parts := strings.SplitN(ok, "\x00", 2)
		if len(parts) == 2 {
			_ = c.store.Delete(ctx, parts[1])
		}
	}
}
