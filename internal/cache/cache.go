// Package cache is the content-addressed store of alignment results keyed
// by the settings that produced them.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"swimalign/internal/canon"
	"swimalign/internal/recipe"
	"swimalign/internal/storage"
)

type entry struct {
	settings []byte // canonical encoding
	result   recipe.AlignmentResult
}

// Cache maps a settings hash to a bucket of (settings, result) pairs. A
// bucket holds at most one entry per distinct settings; lookups compare
// the full canonical settings, not only the hash.
//
// The coordinator owns the cache. Workers never touch it.
type Cache struct {
	mu      sync.RWMutex
	buckets map[string][]entry
	dirty   bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{buckets: make(map[string][]entry)}
}

func key(s recipe.SwimSettings) (string, []byte, error) {
	data, err := s.Encode()
	if err != nil {
		return "", nil, err
	}
	h, err := canon.Hash(json.RawMessage(data))
	if err != nil {
		return "", nil, err
	}
	return h, data, nil
}

// Get returns the result stored for s.
func (c *Cache) Get(s recipe.SwimSettings) (recipe.AlignmentResult, bool) {
	k, data, err := key(s)
	if err != nil {
		return recipe.AlignmentResult{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.buckets[k] {
		if bytes.Equal(e.settings, data) {
			return e.result, true
		}
	}
	return recipe.AlignmentResult{}, false
}

// Put stores res for s, replacing any entry with equal settings.
func (c *Cache) Put(s recipe.SwimSettings, res recipe.AlignmentResult) error {
	k, data, err := key(s)
	if err != nil {
		return fmt.Errorf("cache key: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	bucket := c.buckets[k]
	for i, e := range bucket {
		if bytes.Equal(e.settings, data) {
			bucket[i].result = res
			return nil
		}
	}
	c.buckets[k] = append(bucket, entry{settings: data, result: res})
	return nil
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.buckets {
		n += len(b)
	}
	return n
}

// Buckets returns the number of distinct keys.
func (c *Cache) Buckets() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

// Dirty reports whether the cache changed since the last Load or Save.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Load replaces the in-memory cache with the persisted one.
func (c *Cache) Load(store *storage.Store) error {
	rows, err := store.LoadCache()
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	buckets := make(map[string][]entry)
	for _, r := range rows {
		var res recipe.AlignmentResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return fmt.Errorf("load cache %s/%d: %w", r.Key, r.Position, err)
		}
		buckets[r.Key] = append(buckets[r.Key], entry{settings: r.Settings, result: res})
	}
	c.mu.Lock()
	c.buckets = buckets
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Save rewrites the persisted cache in full.
func (c *Cache) Save(store *storage.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.buckets))
	for k := range c.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rows []storage.CacheRow
	for _, k := range keys {
		for i, e := range c.buckets[k] {
			res, err := json.Marshal(e.result)
			if err != nil {
				return fmt.Errorf("save cache %s/%d: %w", k, i, err)
			}
			rows = append(rows, storage.CacheRow{Key: k, Position: i, Settings: e.settings, Result: res})
		}
	}
	if err := store.ReplaceCache(rows); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	c.dirty = false
	return nil
}
