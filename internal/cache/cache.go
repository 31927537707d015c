// Package cache keeps recently decoded blocks of one entry.
//
// Blocks are stored in an LRU keyed by level and block origin. Concurrent
// requests for the same missing block share one decode.
package cache

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/rastile/pkg/tile"
)

// Key identifies a decoded block within one entry.
type Key struct {
	Level  int
	Origin image.Point
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.Origin.X, k.Origin.Y)
}

// DecodeFunc produces the block for a key on a miss.
type DecodeFunc func() (*tile.BlockBuffer, error)

// Stats counts cache traffic since creation or the last Invalidate.
type Stats struct {
	Hits    int64
	Misses  int64
	Decodes int64
	Shared  int64
}

// BlockCache is an LRU of decoded blocks with per-key in-flight
// suppression. Cached buffers are shared and must be treated as read-only.
type BlockCache struct {
	mu      sync.RWMutex
	lru     *lru.Cache
	flight  singleflight.Group
	enabled bool

	hits, misses, decodes, shared atomic.Int64
}

// New creates an enabled cache holding at most capacity blocks.
func New(capacity int) (*BlockCache, error) {
	if capacity < 1 {
		return nil, errors.Errorf("cache capacity %d must be positive", capacity)
	}
	l, err := lru.New(capacity)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	return &BlockCache{lru: l, enabled: true}, nil
}

// Capacity returns how many blocks fit a byte budget, clamped to
// [1, total].
func Capacity(budget, blockBytes int64, total int) int {
	if total < 1 {
		total = 1
	}
	if blockBytes <= 0 {
		return total
	}
	n := budget / blockBytes
	switch {
	case n < 1:
		return 1
	case n > int64(total):
		return total
	}
	return int(n)
}

// GetOrDecode returns the cached block for key, or runs decode once for all
// concurrent callers and stores the result. Failed decodes are not stored.
// When the cache is disabled every call decodes on its own.
func (c *BlockCache) GetOrDecode(key Key, decode DecodeFunc) (*tile.BlockBuffer, error) {
	if !c.Enabled() {
		c.decodes.Add(1)
		return decode()
	}
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v.(*tile.BlockBuffer), nil
	}
	c.misses.Add(1)

	v, err, shared := c.flight.Do(key.String(), func() (any, error) {
		// Another flight may have stored the block since the lookup above.
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		c.decodes.Add(1)
		buf, err := decode()
		if err != nil {
			return nil, err
		}
		if c.Enabled() {
			c.lru.Add(key, buf)
		}
		return buf, nil
	})
	if shared {
		c.shared.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*tile.BlockBuffer), nil
}

// Invalidate drops every cached block and resets the counters.
func (c *BlockCache) Invalidate() {
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
	c.decodes.Store(0)
	c.shared.Store(0)
}

// SetEnabled turns caching on or off. Disabling drops the stored blocks.
func (c *BlockCache) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
	if !on {
		c.lru.Purge()
	}
}

// Enabled reports whether blocks are being stored.
func (c *BlockCache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *BlockCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Decodes: c.decodes.Load(),
		Shared:  c.shared.Load(),
	}
}
