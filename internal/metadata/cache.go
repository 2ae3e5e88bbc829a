package metadata

import (
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
)

// cacheCapacity bounds the number of memoized files. Entries are keyed
// per file, so the working set tracks the dataset size; the cap only
// guards against pathological directories.
const cacheCapacity = 4096

type entry struct {
	version  int
	mtime    time.Time
	summary  *Summary
	cachedAt time.Time
}

// Cache memoizes parsed summaries keyed by absolute path. A hit requires
// the stored schema version and the file's current modification time to
// match exactly; bumping the version invalidates every entry at once
// without a migration step.
type Cache struct {
	entries *lru.Cache[string, entry]
	logger  *logging.Logger
}

// NewCache creates an empty cache.
func NewCache(logger *logging.Logger) (*Cache, error) {
	entries, err := lru.New[string, entry](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	return &Cache{entries: entries, logger: logger}, nil
}

// Get returns the cached summary for path when it is still valid for the
// given schema version and requested sample limit. A cached sample that
// is smaller than both the requested limit and the file's total row
// count is treated as a miss so an early small sample can't mask a
// larger authoritative dataset.
func (c *Cache) Get(path string, version int, limit int) (*Summary, bool) {
	e, ok := c.entries.Get(path)
	if !ok {
		return nil, false
	}
	if e.version != version {
		return nil, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(e.mtime) {
		return nil, false
	}

	if e.summary.SampledRows() < limit && !e.summary.Complete() {
		return nil, false
	}
	return e.summary, true
}

// Put stores a summary under the file's current modification time.
func (c *Cache) Put(path string, version int, summary *Summary) {
	info, err := os.Stat(path)
	if err != nil {
		// Nothing sensible to key on; skip caching rather than store an
		// entry that can never hit.
		c.logger.Debug().Str("path", path).Err(err).Msg("Skipping cache put, stat failed")
		return
	}
	c.entries.Add(path, entry{
		version:  version,
		mtime:    info.ModTime(),
		summary:  summary,
		cachedAt: time.Now(),
	})
}

// Load returns the summary for path, parsing and caching on a miss.
func (c *Cache) Load(path string, version int, limit int) (*Summary, error) {
	if summary, ok := c.Get(path, version, limit); ok {
		return summary, nil
	}

	summary, err := ParseStar(path, limit)
	if err != nil {
		return nil, err
	}
	c.Put(path, version, summary)
	return summary, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
