package blobcache

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/kv"
	"github.com/matheus3301/tarpsync/internal/store"
	"go.uber.org/zap"
)

const (
	keyPrefix = "message_image_"
	indexKey  = "message_images_index"
)

// Entry is one cached resource reference.
type Entry struct {
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Ref      string `json:"ref"`
	GroupID  string `json:"groupId,omitempty"`
	StoredAt int64  `json:"storedAt"`
}

type indexEntry struct {
	Key      string `json:"key"`
	StoredAt int64  `json:"storedAt"`
}

// Config bounds the cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Stats describes the cache contents.
type Stats struct {
	Total   int   `json:"total"`
	Expired int   `json:"expired"`
	Max     int   `json:"max"`
	Oldest  int64 `json:"oldest,omitempty"`
}

// Eviction is the payload for cache.evicted events.
type Eviction struct {
	Keys   []string
	Reason string // expired, capacity, cleared
}

// Cache maps resource keys (a URI or a message id) to cached references.
// Entries expire after TTL and the oldest are evicted once more than
// MaxEntries are held. It is insertion-ordered, not LRU.
type Cache struct {
	mu     sync.Mutex
	kv     kv.Backend
	cfg    Config
	thumbs *Thumbnailer
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates a cache over b. thumbs may be nil.
func New(b kv.Backend, cfg Config, thumbs *Thumbnailer, eb *bus.Bus, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	return &Cache{kv: b, cfg: cfg, thumbs: thumbs, bus: eb, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) expired(storedAt, now int64) bool {
	return now-storedAt > c.cfg.TTL.Milliseconds()
}

func (c *Cache) loadIndex(ctx context.Context) ([]indexEntry, error) {
	data, ok, err := c.kv.Get(ctx, indexKey)
	if err != nil || !ok {
		return nil, err
	}
	var idx []indexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		c.logger.Warn("image index corrupt, rebuilding", zap.Error(err))
		return nil, nil
	}
	return idx, nil
}

func (c *Cache) saveIndex(ctx context.Context, idx []indexEntry) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, indexKey, data)
}

func (c *Cache) loadEntry(ctx context.Context, key string) (*Entry, error) {
	data, ok, err := c.kv.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, nil
	}
	return &e, nil
}

// Get returns the entry for key, or nil on a miss. Expired entries are
// removed and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.loadEntry(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	if c.expired(e.StoredAt, c.now().UnixMilli()) {
		if err := c.removeLocked(ctx, []string{key}, "expired"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e, nil
}

// Put stores uri under key, replacing any existing entry, then sweeps.
func (c *Cache) Put(ctx context.Context, key, uri, groupID string) (*Entry, error) {
	if key == "" || uri == "" {
		return nil, errors.New("blobcache: key and uri are required")
	}
	ref := uri
	if c.thumbs != nil {
		if path, err := c.thumbs.Make(ctx, key, uri); err != nil {
			c.logger.Debug("thumbnail failed, caching uri", zap.String("key", key), zap.Error(err))
		} else {
			ref = path
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{Key: key, URI: uri, Ref: ref, GroupID: groupID, StoredAt: c.now().UnixMilli()}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, keyPrefix+key, data); err != nil {
		return nil, fmt.Errorf("store entry: %w", err)
	}

	idx, err := c.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	idx = slices.DeleteFunc(idx, func(ie indexEntry) bool { return ie.Key == key })
	idx = append(idx, indexEntry{Key: key, StoredAt: e.StoredAt})
	if err := c.saveIndex(ctx, idx); err != nil {
		return nil, fmt.Errorf("store index: %w", err)
	}
	c.bus.Emit(bus.KindCacheUpdated, *e)

	if _, err := c.evictExpiredLocked(ctx); err != nil {
		return e, err
	}
	if _, err := c.evictOldestLocked(ctx, c.cfg.MaxEntries); err != nil {
		return e, err
	}
	return e, nil
}

// Resolve returns the cached reference for key, or on a miss stores uri and
// returns it unchanged so rendering never waits on the cache.
func (c *Cache) Resolve(ctx context.Context, key, uri, groupID string) (string, error) {
	e, err := c.Get(ctx, key)
	if err != nil {
		return uri, err
	}
	if e != nil {
		return e.Ref, nil
	}
	if uri == "" {
		return "", nil
	}
	if _, err := c.Put(ctx, key, uri, groupID); err != nil {
		return uri, err
	}
	return uri, nil
}

// PreloadGroup resolves every message in msgs that carries a file. Returns
// how many were newly stored.
func (c *Cache) PreloadGroup(ctx context.Context, groupID string, msgs []store.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		if m.FileURL == "" || m.DeletedAt != 0 {
			continue
		}
		hit, err := c.Get(ctx, m.ID)
		if err != nil {
			return n, err
		}
		if hit != nil {
			continue
		}
		if _, err := c.Put(ctx, m.ID, m.FileURL, groupID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// EvictExpired removes every entry older than the TTL.
func (c *Cache) EvictExpired(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked(ctx)
}

// EvictOldestBeyond removes the oldest entries until at most limit remain.
func (c *Cache) EvictOldestBeyond(ctx context.Context, limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOldestLocked(ctx, limit)
}

func (c *Cache) evictExpiredLocked(ctx context.Context) (int, error) {
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now().UnixMilli()
	var keys []string
	for _, ie := range idx {
		if c.expired(ie.StoredAt, now) {
			keys = append(keys, ie.Key)
		}
	}
	return len(keys), c.removeLocked(ctx, keys, "expired")
}

func (c *Cache) evictOldestLocked(ctx context.Context, limit int) (int, error) {
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		limit = 0
	}
	if len(idx) <= limit {
		return 0, nil
	}
	slices.SortStableFunc(idx, func(a, b indexEntry) int { return cmp.Compare(a.StoredAt, b.StoredAt) })
	keys := make([]string, 0, len(idx)-limit)
	for _, ie := range idx[:len(idx)-limit] {
		keys = append(keys, ie.Key)
	}
	return len(keys), c.removeLocked(ctx, keys, "capacity")
}

// removeLocked deletes entries, their thumbnails and their index rows.
func (c *Cache) removeLocked(ctx context.Context, keys []string, reason string) error {
	if len(keys) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(keys))
	storeKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		drop[k] = true
		storeKeys = append(storeKeys, keyPrefix+k)
		if c.thumbs != nil {
			if e, _ := c.loadEntry(ctx, k); e != nil && e.Ref != e.URI {
				c.thumbs.Remove(e.Ref)
			}
		}
	}
	if err := c.kv.Delete(ctx, storeKeys...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return err
	}
	idx = slices.DeleteFunc(idx, func(ie indexEntry) bool { return drop[ie.Key] })
	if err := c.saveIndex(ctx, idx); err != nil {
		return err
	}
	c.bus.Emit(bus.KindCacheEvicted, Eviction{Keys: keys, Reason: reason})
	return nil
}

// Stats reports entry counts.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.loadIndex(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(idx), Max: c.cfg.MaxEntries}
	now := c.now().UnixMilli()
	for _, ie := range idx {
		if c.expired(ie.StoredAt, now) {
			st.Expired++
		}
		if st.Oldest == 0 || ie.StoredAt < st.Oldest {
			st.Oldest = ie.StoredAt
		}
	}
	return st, nil
}

// Clear removes every entry, including ones missing from the index.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, err := c.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	var names []string
	for _, k := range keys {
		names = append(names, k[len(keyPrefix):])
	}
	if err := c.removeLocked(ctx, names, "cleared"); err != nil {
		return err
	}
	return c.kv.Delete(ctx, indexKey)
}
