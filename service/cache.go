package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/lai/datagate/db"
)

// CachedPosition is the last valid fix received for one asset. The JSON shape
// is the on-disk format of the cache document.
type CachedPosition struct {
	AssetName       string   `json:"asset_name"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	RXTime          string   `json:"rx_time"`
	GPSValid        bool     `json:"gps_valid"`
	SpeedKmh        *float64 `json:"speed_kmh"`
	SpeedKnots      *float64 `json:"speed_knots"`
	HeadingDeg      *int     `json:"heading_calculation"`
	RawSnapshotPath *string  `json:"raw_snapshot_path"`
}

// PositionCache holds one CachedPosition per normalized asset key.
//
// Upsert is last-write-wins by arrival order: a late, older fix replaces a
// newer one. Every upsert rewrites the whole document under the write lock.
type PositionCache struct {
	mu        sync.RWMutex
	doc       db.Document
	entries   map[string]CachedPosition
	listeners []func(key string, pos CachedPosition)
}

// NewPositionCache loads the cache from doc. A missing or unreadable document
// yields an empty cache.
func NewPositionCache(ctx context.Context, doc db.Document) *PositionCache {
	c := &PositionCache{
		doc:     doc,
		entries: make(map[string]CachedPosition),
	}

	data, err := doc.Load(ctx)
	switch {
	case errors.Is(err, db.ErrNotExist):
	case err != nil:
		slog.Warn("failed to load last positions", "error", err)
	default:
		if err := json.Unmarshal(data, &c.entries); err != nil {
			slog.Warn("failed to decode last positions", "error", err)
			c.entries = make(map[string]CachedPosition)
		}
	}
	return c
}

// Subscribe registers fn to be called after every upsert, outside the lock.
func (c *PositionCache) Subscribe(fn func(key string, pos CachedPosition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Upsert replaces the entry for key and persists the whole cache.
// A failed save is logged; the in-memory entry is kept either way.
func (c *PositionCache) Upsert(ctx context.Context, key string, pos CachedPosition) {
	c.mu.Lock()
	c.entries[key] = pos
	c.persist(ctx)
	listeners := c.listeners
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(key, pos)
	}
}

// persist must be called with mu held.
func (c *PositionCache) persist(ctx context.Context) {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		slog.Warn("failed to encode last positions", "error", err)
		return
	}
	if err := c.doc.Save(ctx, data); err != nil {
		slog.Warn("failed to save last positions", "error", err)
	}
}

// Get returns the entry for an already-normalized key.
func (c *PositionCache) Get(key string) (CachedPosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.entries[key]
	return pos, ok
}

// All returns a copy of every entry.
func (c *PositionCache) All() map[string]CachedPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CachedPosition, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of cached assets.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
