package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mitchellh/copystructure"
)

const defaultCacheEntries = 10_000

// readCache keeps recently read secrets in memory for a short TTL. Values go
// in and come out as deep copies so callers can never alias cached data.
//
// A store read is bracketed by Begin and Finish. Del bumps the generation of
// every read still in flight on that path, and Finish drops data read under
// an older generation.
type readCache struct {
	cache *ristretto.Cache[string, map[string]any]
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*pathGen
}

type pathGen struct {
	gen     uint64
	readers int
}

func newReadCache(ttl time.Duration, maxEntries int64) (*readCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, map[string]any]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &readCache{cache: cache, ttl: ttl, inflight: make(map[string]*pathGen)}, nil
}

func (c *readCache) Get(path string) (map[string]any, bool) {
	data, ok := c.cache.Get(path)
	if !ok {
		return nil, false
	}
	out, err := deepCopy(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Begin registers a store read of path and returns its generation. Every
// Begin must be matched by one Finish.
func (c *readCache) Begin(path string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pg, ok := c.inflight[path]
	if !ok {
		pg = &pathGen{}
		c.inflight[path] = pg
	}
	pg.readers++
	return pg.gen
}

// Finish caches data when no Del ran on path since Begin returned gen. A nil
// data only ends the read.
func (c *readCache) Finish(path string, gen uint64, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pg := c.inflight[path]
	if data != nil && pg.gen == gen {
		if stored, err := deepCopy(data); err == nil {
			c.cache.SetWithTTL(path, stored, 1, c.ttl)
			c.cache.Wait()
		}
	}
	if pg.readers--; pg.readers == 0 {
		delete(c.inflight, path)
	}
}

func (c *readCache) Del(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pg, ok := c.inflight[path]; ok {
		pg.gen++
	}
	c.cache.Del(path)
}

func (c *readCache) Close() {
	c.cache.Close()
}

func deepCopy(data map[string]any) (map[string]any, error) {
	out, err := copystructure.Copy(data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}
