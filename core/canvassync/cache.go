package canvassync

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/adalundhe/easel/core/canvas"
)

const (
	cacheNumCounters = 1e5
	cacheMaxCost     = 1e8 // 100MB
	cacheBufferItems = 64
	cacheTTL         = 15 * time.Minute
)

// snapshotCache caches superseded version snapshots. Only non-current
// versions are cached: the blob for the current version window is rewritten
// by every sync, while superseded versions are immutable.
type snapshotCache struct {
	cache *ristretto.Cache
}

func newSnapshotCache() (*snapshotCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &snapshotCache{cache: cache}, nil
}

func (c *snapshotCache) Get(canvasID, version string) (canvas.State, bool) {
	value, found := c.cache.Get(cacheKey(canvasID, version))
	if !found {
		return canvas.State{}, false
	}
	state, ok := value.(canvas.State)
	if !ok {
		return canvas.State{}, false
	}
	return state.Clone(), true
}

func (c *snapshotCache) Set(canvasID, version string, state canvas.State, size int64) {
	c.cache.SetWithTTL(cacheKey(canvasID, version), state.Clone(), size, cacheTTL)
}

func (c *snapshotCache) Del(canvasID, version string) {
	c.cache.Del(cacheKey(canvasID, version))
}

func (c *snapshotCache) Close() {
	c.cache.Close()
}

func cacheKey(canvasID, version string) string {
	return canvasID + "/" + version
}
