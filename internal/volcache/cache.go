// Package volcache keeps decoded volumes resident under a byte budget.
//
// Recency is tracked per time point rather than per key: touching any channel
// of a time point refreshes all of them, and eviction unloads whole time
// points, oldest first. The time point of the key being served is never a
// victim of its own admission, so a single request can push the cache over
// budget until the next admission.
package volcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"voxelcurate/internal/telemetry"
	"voxelcurate/pkg/domain"
)

// recencyCapacity bounds the recency list; the byte budget is what actually
// limits residency.
const recencyCapacity = 1 << 30

// Loader fetches the newest persisted version of a key.
type Loader interface {
	GetLastVersion(ctx context.Context, key domain.Key) (*domain.Volume, int, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithEvictHook registers fn to run before a time point is unloaded. It is
// called without the cache lock held and must return only once background
// work for t has joined.
func WithEvictHook(fn func(ctx context.Context, t int)) Option {
	return func(c *Cache) { c.beforeEvict = fn }
}

// WithWarnings registers fn to receive non-fatal problems such as
// inconsistent geometry.
func WithWarnings(fn func(error)) Option {
	return func(c *Cache) { c.warn = fn }
}

type geometry struct {
	dims  domain.Dims
	voxel domain.VoxelSize
}

// Cache maps keys to resident volumes.
type Cache struct {
	budget      int64
	loader      Loader
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	beforeEvict func(ctx context.Context, t int)
	warn        func(error)
	loads       singleflight.Group

	mu       sync.Mutex
	recency  *simplelru.LRU[int, struct{}]
	entries  map[domain.Key]*domain.Volume
	channels map[int]map[int]struct{}
	bytes    map[int]int64
	geometry map[int]geometry
	total    int64
}

// New returns an empty cache with the given byte budget.
func New(budget int64, loader Loader, opts ...Option) (*Cache, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", budget)
	}
	recency, err := simplelru.NewLRU[int, struct{}](recencyCapacity, nil)
	if err != nil {
		return nil, fmt.Errorf("recency list: %w", err)
	}
	c := &Cache{
		budget:   budget,
		loader:   loader,
		logger:   slog.Default(),
		recency:  recency,
		entries:  make(map[domain.Key]*domain.Volume),
		channels: make(map[int]map[int]struct{}),
		bytes:    make(map[int]int64),
		geometry: make(map[int]geometry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Budget returns the configured byte budget.
func (c *Cache) Budget() int64 { return c.budget }

// Resident returns the bytes currently held.
func (c *Cache) Resident() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Get returns the resident volume for key, loading the newest persisted
// version on a miss. Concurrent misses for one key share a single load. The
// returned volume must not be mutated.
func (c *Cache) Get(ctx context.Context, key domain.Key) (*domain.Volume, error) {
	if v, ok := c.touch(key); ok {
		c.metrics.CacheHit()
		return v, nil
	}
	c.metrics.CacheMiss()
	res, err, _ := c.loads.Do(key.String(), func() (any, error) {
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		v, step, err := c.loader.GetLastVersion(ctx, key)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("volume loaded", "key", key.String(), "step", step, "bytes", v.SizeBytes())
		return c.install(key, v, false), nil
	})
	if err != nil {
		return nil, err
	}
	c.evict(ctx, key.T)
	return res.(*domain.Volume), nil
}

// Set installs v as the resident volume for key and marks its time point most
// recently used.
func (c *Cache) Set(ctx context.Context, key domain.Key, v *domain.Volume) {
	c.install(key, v, true)
	c.evict(ctx, key.T)
}

// Peek returns the resident volume without loading or touching recency.
func (c *Cache) Peek(key domain.Key) (*domain.Volume, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Unload drops key from memory. It reports whether the key was resident.
func (c *Cache) Unload(key domain.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	c.metrics.SetResident(c.total)
	return true
}

// Keys returns the resident keys, sorted.
func (c *Cache) Keys() []domain.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	domain.SortKeys(out)
	return out
}

// TimePoints returns resident time points from least to most recently used.
func (c *Cache) TimePoints() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Keys()
}

// BytesAt returns the resident bytes summed over every channel of t.
func (c *Cache) BytesAt(t int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes[t]
}

func (c *Cache) touch(key domain.Key) (*domain.Volume, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.recency.Get(key.T)
	}
	return v, ok
}

// install stores v unless a load raced with a Set, in which case the resident
// value wins. It returns the value that ended up resident.
func (c *Cache) install(key domain.Key, v *domain.Volume, replace bool) *domain.Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok {
		if !replace {
			c.recency.Get(key.T)
			return cur
		}
		c.removeLocked(key)
	}
	c.checkGeometryLocked(key, v)
	c.entries[key] = v
	chans := c.channels[key.T]
	if chans == nil {
		chans = make(map[int]struct{})
		c.channels[key.T] = chans
	}
	chans[key.Channel] = struct{}{}
	size := v.SizeBytes()
	c.bytes[key.T] += size
	c.total += size
	c.recency.Add(key.T, struct{}{})
	c.metrics.SetResident(c.total)
	return v
}

func (c *Cache) checkGeometryLocked(key domain.Key, v *domain.Volume) {
	g := geometry{dims: v.Dims, voxel: v.Voxel}
	prev, ok := c.geometry[key.T]
	if ok && prev != g {
		err := fmt.Errorf("%w: time point %d channel %d has %s voxel %v, resident channels have %s voxel %v",
			domain.ErrInconsistent, key.T, key.Channel, g.dims, g.voxel, prev.dims, prev.voxel)
		c.logger.Warn("inconsistent geometry", "key", key.String(), "err", err)
		if c.warn != nil {
			c.warn(err)
		}
	}
	c.geometry[key.T] = g
}

func (c *Cache) removeLocked(key domain.Key) {
	v := c.entries[key]
	delete(c.entries, key)
	size := v.SizeBytes()
	c.bytes[key.T] -= size
	c.total -= size
	chans := c.channels[key.T]
	delete(chans, key.Channel)
	if len(chans) == 0 {
		delete(c.channels, key.T)
		delete(c.bytes, key.T)
		delete(c.geometry, key.T)
		c.recency.Remove(key.T)
	}
}

// oldestExceptLocked returns the least recently used time point other than keep.
func (c *Cache) oldestExceptLocked(keep int) (int, bool) {
	for _, t := range c.recency.Keys() {
		if t != keep {
			return t, true
		}
	}
	return 0, false
}

// evict unloads whole time points, oldest first, until the cache fits its
// budget or only keep remains.
func (c *Cache) evict(ctx context.Context, keep int) {
	for {
		c.mu.Lock()
		if c.total <= c.budget {
			c.mu.Unlock()
			return
		}
		victim, ok := c.oldestExceptLocked(keep)
		c.mu.Unlock()
		if !ok {
			return
		}
		if c.beforeEvict != nil {
			c.beforeEvict(ctx, victim)
		}
		c.mu.Lock()
		if cur, ok := c.oldestExceptLocked(keep); !ok || cur != victim || c.total <= c.budget {
			c.mu.Unlock()
			continue
		}
		keys := make([]domain.Key, 0, len(c.channels[victim]))
		for ch := range c.channels[victim] {
			keys = append(keys, domain.K(victim, ch))
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		freed := c.bytes[victim]
		for _, k := range keys {
			c.removeLocked(k)
		}
		total := c.total
		c.mu.Unlock()
		c.metrics.Evicted()
		c.metrics.SetResident(total)
		c.logger.Debug("time point evicted", "t", victim, "channels", len(keys), "freed", freed, "resident", total)
	}
}
