package readcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matheus3301/tarpsync/internal/bus"
)

// Entity names a family of cached projections.
type Entity string

const (
	EntityGroups   Entity = "groups"
	EntityGroup    Entity = "group"
	EntityMessages Entity = "messages"
)

// Key addresses one cached projection, e.g. {messages, <groupID>}.
type Key struct {
	Entity Entity
	ID     string
}

func (k Key) String() string { return string(k.Entity) + "/" + k.ID }

// GroupsKey is the group list.
func GroupsKey() Key { return Key{Entity: EntityGroups, ID: "list"} }

// GroupKey is a single group.
func GroupKey(id string) Key { return Key{Entity: EntityGroup, ID: id} }

// MessagesKey is a group's message list.
func MessagesKey(groupID string) Key { return Key{Entity: EntityMessages, ID: groupID} }

// Entry is a cached value and when it was written.
type Entry struct {
	Value     any
	FetchedAt time.Time
}

// Update is the payload for cache.updated events.
type Update struct {
	Key         Key
	Invalidated bool
}

// Cache is a bounded, staleness-aware read cache for the presentation
// layer. It holds disposable projections; the store remains the source of
// truth.
type Cache struct {
	mu         sync.Mutex
	entries    *lru.Cache[Key, Entry]
	staleAfter time.Duration
	now        func() time.Time
	bus        *bus.Bus
}

// New creates a cache holding at most size entries.
func New(size int, staleAfter time.Duration, b *bus.Bus) (*Cache, error) {
	if size <= 0 {
		size = 512
	}
	entries, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, staleAfter: staleAfter, now: time.Now, bus: b}, nil
}

// Get returns the cached value and whether it is older than the staleness
// window. ok is false on a miss.
func (c *Cache) Get(key Key) (value any, stale bool, ok bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false, false
	}
	c.mu.Lock()
	now := c.now()
	c.mu.Unlock()
	stale = c.staleAfter > 0 && now.Sub(e.FetchedAt) > c.staleAfter
	return e.Value, stale, true
}

// Set overwrites the entry wholesale.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	now := c.now()
	c.mu.Unlock()
	c.entries.Add(key, Entry{Value: value, FetchedAt: now})
	c.bus.Emit(bus.KindCacheUpdated, Update{Key: key})
}

// Invalidate drops the given keys.
func (c *Cache) Invalidate(keys ...Key) {
	for _, k := range keys {
		if c.entries.Remove(k) {
			c.bus.Emit(bus.KindCacheUpdated, Update{Key: k, Invalidated: true})
		}
	}
}

// InvalidateEntity drops every key of one entity family.
func (c *Cache) InvalidateEntity(entity Entity) {
	var keys []Key
	for _, k := range c.entries.Keys() {
		if k.Entity == entity {
			keys = append(keys, k)
		}
	}
	c.Invalidate(keys...)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.entries.Len() }

// Purge drops everything.
func (c *Cache) Purge() { c.entries.Purge() }

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
