package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/suburbmates/quality-cli/internal/metrics"
	"github.com/suburbmates/quality-cli/internal/model"
)

// CacheKey is the single slot the directory snapshot lives under.
const CacheKey = "quality:stats"

// DefaultTTL is how long a snapshot stays fresh.
const DefaultTTL = 30 * time.Minute

// Source tells callers where a snapshot came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
)

// Entry is a cached snapshot and the time it was computed.
type Entry struct {
	Data      QualityStats `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// Backend stores the single cache slot. Load returns nil, nil on a miss.
type Backend interface {
	Load(ctx context.Context) (*Entry, error)
	Save(ctx context.Context, e Entry) error
}

// Loader fetches the businesses to aggregate.
type Loader func(ctx context.Context) ([]model.Business, error)

// Cache serves QualityStats with a TTL. Concurrent misses share one
// computation.
type Cache struct {
	backend Backend
	load    Loader
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a cache over backend. A non-positive ttl uses DefaultTTL.
func NewCache(backend Backend, load Loader, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		backend: backend,
		load:    load,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached snapshot while it is younger than the TTL. refresh
// forces a recomputation that overwrites the slot. Backend failures degrade to
// a recomputation and are only logged.
func (c *Cache) Get(ctx context.Context, refresh bool) (QualityStats, Source, error) {
	if !refresh {
		entry, err := c.backend.Load(ctx)
		if err != nil {
			zap.L().Warn("stats: cache load failed", zap.Error(err))
		}
		if entry != nil && c.now().Sub(entry.Timestamp) < c.ttl {
			c.metrics.StatsCacheHit()
			return entry.Data, SourceCache, nil
		}
	}

	c.metrics.StatsCacheMiss()

	key := CacheKey
	if refresh {
		key += ":refresh"
	}
	// The shared computation outlives any single caller; each caller stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.compute(shared)
	})
	select {
	case <-ctx.Done():
		return QualityStats{}, "", eris.Wrap(context.Cause(ctx), "stats: wait for recompute")
	case res := <-ch:
		if res.Err != nil {
			return QualityStats{}, "", res.Err
		}
		return res.Val.(QualityStats), SourceDatabase, nil
	}
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.backend.Save(ctx, Entry{})
}

func (c *Cache) compute(ctx context.Context) (QualityStats, error) {
	businesses, err := c.load(ctx)
	if err != nil {
		return QualityStats{}, eris.Wrap(err, "stats: load businesses")
	}

	now := c.now()
	data := Generate(businesses, now)

	if err := c.backend.Save(ctx, Entry{Data: data, Timestamp: now}); err != nil {
		zap.L().Warn("stats: cache save failed", zap.Error(err))
	}
	zap.L().Debug("stats: regenerated", zap.Int("businesses", len(businesses)))
	return data, nil
}

// MemoryBackend keeps the slot in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	entry *Entry
}

// NewMemoryBackend returns an empty in-process slot.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.entry == nil {
		return nil, nil
	}
	e := *m.entry
	return &e, nil
}

// Save implements Backend. A zero Entry clears the slot.
func (m *MemoryBackend) Save(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		m.entry = nil
		return nil
	}
	m.entry = &e
	return nil
}

// RedisBackend shares the slot across instances through redis.
type RedisBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisBackend stores the slot under CacheKey, expiring after ttl.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBackend{client: client, key: CacheKey, ttl: ttl}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "stats: parse redis url")
	}
	return redis.NewClient(opts), nil
}

// Load implements Backend.
func (r *RedisBackend) Load(ctx context.Context) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "stats: redis get")
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "stats: decode cached entry")
	}
	return &e, nil
}

// Save implements Backend. A zero Entry deletes the key.
func (r *RedisBackend) Save(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		return eris.Wrap(r.client.Del(ctx, r.key).Err(), "stats: redis del")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "stats: encode entry")
	}
	return eris.Wrap(r.client.Set(ctx, r.key, raw, r.ttl).Err(), "stats: redis set")
}
