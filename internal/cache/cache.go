// Package cache implements the prepared-statement cache: an LRU over
// structural query fingerprints, process-wide, with hit/miss/eviction
// accounting (spec §4.7). It knows nothing about ECS semantics — it maps
// opaque string keys to opaque SQL text and hands the actual parameterized
// execution off to pgx, which performs its own statement-level caching
// over the connection.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is one cached fingerprint -> SQL mapping plus LRU/stat bookkeeping.
type Entry struct {
	Key          string
	SQL          string
	CreatedAt    time.Time
	LastUsed     time.Time
	HitCount     int64
	PlanningTime time.Duration
}

// Queryer is the subset of a pgx pool/transaction this package needs to
// execute a prepared query — satisfied by *pgxpool.Pool and pgx.Tx alike.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stats mirrors the cache's reporting contract (spec §4.7).
type Stats struct {
	Size                      int
	MaxSize                   int
	Hits                      int64
	Misses                    int64
	Evictions                 int64
	TotalPlanningTimeSaved    time.Duration
	AveragePlanningTimeSaved  time.Duration
}

// PreparedStatementCache is a process-wide, concurrency-safe LRU keyed by
// structural fingerprint (spec §4.2, §4.7). Strict LRU eviction by
// LastUsed; size accounting and hit/miss/eviction counters are exposed via
// Stats for operational visibility.
type PreparedStatementCache struct {
	mu      sync.Mutex
	maxSize int

	entries map[string]*list.Element // key -> element wrapping *Entry
	order   *list.List               // front = most recently used

	hits, misses, evictions int64
	totalPlanningTimeSaved  time.Duration
}

// New constructs a cache with the given capacity. A non-positive size
// falls back to the default of 100 (spec §6.4's QUERY_CACHE_SIZE default).
func New(maxSize int) *PreparedStatementCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &PreparedStatementCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GetOrCreate looks up key; on hit it bumps LastUsed/HitCount and returns
// the cached SQL with isHit=true. On miss it stores sql under key —
// evicting the least-recently-used entry first if at capacity — and
// returns isHit=false. planningTime is the caller's measured time spent
// assembling sql, used only to report time saved on subsequent hits.
func (c *PreparedStatementCache) GetOrCreate(key, sql string, planningTime time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*Entry)
		entry.LastUsed = time.Now()
		entry.HitCount++
		c.order.MoveToFront(el)
		c.hits++
		c.totalPlanningTimeSaved += entry.PlanningTime
		return entry.SQL, true
	}

	c.misses++
	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	entry := &Entry{Key: key, SQL: sql, CreatedAt: now, LastUsed: now, PlanningTime: planningTime}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	return sql, false
}

// evictLRU removes the back-of-list (least recently used) entry. Caller
// must hold c.mu.
func (c *PreparedStatementCache) evictLRU() {
	back := c.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*Entry)
	c.order.Remove(back)
	delete(c.entries, entry.Key)
	c.evictions++
}

// Execute runs the cached SQL against db with the given parameters. Params
// must already have passed empty-string validation (spec §4.7); this
// layer does not re-validate, since the caller (the query builder) is the
// one with the diagnostic context (SQL prefix, parameter index) to report
// a useful error.
func (c *PreparedStatementCache) Execute(ctx context.Context, db Queryer, sql string, params []any) (pgx.Rows, error) {
	return db.Query(ctx, sql, params...)
}

// InvalidateByComponent deletes every cached entry whose fingerprint
// mentions typeId, via substring match against the key text (spec §4.7).
// This is intentionally coarse: a fingerprint is a flat string built from
// sorted type-ids so every entry touching typeId is guaranteed to contain
// its decimal form somewhere in the "req:"/"exc:"/"filters:"/"or:"/"sort:"
// segments.
func (c *PreparedStatementCache) InvalidateByComponent(typeID int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	needle := strconv.FormatInt(int64(typeID), 10)
	var toRemove []*list.Element
	for _, el := range c.entries {
		entry := el.Value.(*Entry)
		if strings.Contains(entry.Key, needle) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		entry := el.Value.(*Entry)
		c.order.Remove(el)
		delete(c.entries, entry.Key)
	}
	return len(toRemove)
}

// Clear empties the cache and resets counters. Test-only.
func (c *PreparedStatementCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
	c.hits, c.misses, c.evictions = 0, 0, 0
	c.totalPlanningTimeSaved = 0
}

// Stats reports current size and cumulative counters.
func (c *PreparedStatementCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := time.Duration(0)
	if c.hits > 0 {
		avg = c.totalPlanningTimeSaved / time.Duration(c.hits)
	}
	return Stats{
		Size:                     len(c.entries),
		MaxSize:                  c.maxSize,
		Hits:                     c.hits,
		Misses:                   c.misses,
		Evictions:                c.evictions,
		TotalPlanningTimeSaved:   c.totalPlanningTimeSaved,
		AveragePlanningTimeSaved: avg,
	}
}

// WarmUp seeds the cache with precomputed (key, sql) pairs ahead of
// traffic, e.g. at process start for known hot queries.
func (c *PreparedStatementCache) WarmUp(entries map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sql := range entries {
		if _, ok := c.entries[key]; ok {
			continue
		}
		if len(c.entries) >= c.maxSize {
			c.evictLRU()
		}
		now := time.Now()
		entry := &Entry{Key: key, SQL: sql, CreatedAt: now, LastUsed: now}
		el := c.order.PushFront(entry)
		c.entries[key] = el
	}
}

// String renders brief stats, useful in debug-mode logging.
func (s Stats) String() string {
	return fmt.Sprintf("size=%d/%d hits=%d misses=%d evictions=%d avgSaved=%s",
		s.Size, s.MaxSize, s.Hits, s.Misses, s.Evictions, s.AveragePlanningTimeSaved)
}
