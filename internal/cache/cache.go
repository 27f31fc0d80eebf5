// Package cache implements the in-process object cache used by repositories.
//
// Entries are addressed by Key, which embeds the entity kind, a shape (single
// entity or query result), an identifier or query fingerprint, and the kind's
// epoch at the time the value was read. Bumping a kind's epoch makes every
// existing key of that kind unreachable; the kind index lets the cache also
// drop those entries eagerly without scanning unrelated kinds.
//
// Capacity is bounded with least-recently-used eviction; each entry also
// carries its own TTL and is treated as a miss once older than it.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultTTL is used when Put is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Shape distinguishes id-keyed entries from query-shaped ones.
type Shape uint8

const (
	ShapeEntity Shape = iota + 1
	ShapeQuery
)

func (s Shape) String() string {
	switch s {
	case ShapeEntity:
		return "entity"
	case ShapeQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Key uniquely addresses one Entry.
type Key struct {
	Kind  string
	Shape Shape
	ID    string // entity id or query fingerprint
	Epoch uint64
}

// EntityKey builds the key for one entity read.
func EntityKey(kind, id string, epoch uint64) Key {
	return Key{Kind: kind, Shape: ShapeEntity, ID: id, Epoch: epoch}
}

// QueryKey builds the key for a query result.
func QueryKey(kind, fingerprint string, epoch uint64) Key {
	return Key{Kind: kind, Shape: ShapeQuery, ID: fingerprint, Epoch: epoch}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s@%d", k.Kind, k.Shape, k.ID, k.Epoch)
}

// IsQuery matches query-shaped keys; use it with Invalidate.
func IsQuery(k Key) bool { return k.Shape == ShapeQuery }

// Entry is one cached value.
type Entry struct {
	Key      Key
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// Stats are cumulative counters since construction.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Stale     uint64 // lookups rejected for epoch mismatch or age
	Evictions uint64 // capacity evictions
	Entries   int
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithDefaultTTL sets the TTL used when Put receives ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// Cache is safe for concurrent use. Every operation holds one mutex, so an
// epoch bump and the deletion it implies are observed atomically by readers.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[Key, *Entry]
	byKind     map[string]map[Key]struct{}
	epochs     map[string]uint64
	defaultTTL time.Duration
	now        func() time.Time
	closed     bool
	stats      Stats
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	c := &Cache{
		byKind:     make(map[string]map[Key]struct{}),
		epochs:     make(map[string]uint64),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	lru, err := simplelru.NewLRU[Key, *Entry](capacity, c.onRemove)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onRemove keeps the kind index in step with the LRU for every removal path:
// capacity eviction, explicit Remove and Purge. Called with c.mu held.
func (c *Cache) onRemove(key Key, _ *Entry) {
	keys := c.byKind[key.Kind]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byKind, key.Kind)
	}
}

// Get returns the value for key. Keys carrying an outdated epoch and
// entries older than their TTL are misses.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.stats.Misses++
		return nil, false
	}
	if key.Epoch != c.epochs[key.Kind] {
		c.stats.Stale++
		c.stats.Misses++
		return nil, false
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.stats.Stale++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return e.Value, true
}

// Put stores value under key. A key whose epoch is no longer current is
// dropped: the read that produced it raced with a write.
func (c *Cache) Put(key Key, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || key.Epoch != c.epochs[key.Kind] {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if c.lru.Add(key, &Entry{Key: key, Value: value, StoredAt: c.now(), TTL: ttl}) {
		c.stats.Evictions++
	}

	keys, ok := c.byKind[key.Kind]
	if !ok {
		keys = make(map[Key]struct{})
		c.byKind[key.Kind] = keys
	}
	keys[key] = struct{}{}
}

// Invalidate deletes every entry of kind matching pred. Only that kind's
// keys are visited. A nil pred matches everything. Returns the number removed.
func (c *Cache) Invalidate(kind string, pred func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(kind, pred)
}

func (c *Cache) invalidateLocked(kind string, pred func(Key) bool) int {
	keys := c.byKind[kind]
	if len(keys) == 0 {
		return 0
	}

	matched := make([]Key, 0, len(keys))
	for k := range keys {
		if pred == nil || pred(k) {
			matched = append(matched, k)
		}
	}
	for _, k := range matched {
		c.lru.Remove(k)
	}
	return len(matched)
}

// BumpEpoch advances kind's epoch and drops every entry stored under an
// older one. Returns the new epoch.
func (c *Cache) BumpEpoch(kind string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[kind]++
	c.invalidateLocked(kind, nil)
	return c.epochs[kind]
}

// Epoch returns kind's current epoch.
func (c *Cache) Epoch(kind string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[kind]
}

// Len returns the number of physically present entries, including expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}

// Close purges the cache. Afterwards every Get misses and Put is a no-op, so
// repositories keep working against storage alone.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.lru.Purge()
}
