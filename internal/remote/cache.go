package remote

import (
	"path"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// dirEntry is a cached directory listing: entries plus an insertion
// timestamp used to judge freshness against the configured TTL.
type dirEntry struct {
	entries []Entry
	stamp   time.Time
}

// fileEntry is a cached whole-file body, alongside the timestamp it was
// fetched at.
type fileEntry struct {
	bytes []byte
	stamp time.Time
}

// cache is the two-tier TTL cache embedded in Client. It is a leaf
// dependency with its own lock: the dispatcher always calls it with its own
// big lock held too, but cache must still defend itself so that sharing one
// Client across dispatchers is never unsafe.
type cache struct {
	clock timeutil.Clock
	cfg   Config

	mu sync.Mutex

	dirs  map[string]dirEntry
	files map[string]fileEntry

	fileCacheSize int64
}

func newCache(clock timeutil.Clock, cfg Config) *cache {
	if clock == nil {
		clock = timeutil.RealClock()
	}

	return &cache{
		clock: clock,
		cfg:   cfg,
		dirs:  make(map[string]dirEntry),
		files: make(map[string]fileEntry),
	}
}

func (c *cache) enabled() bool {
	return c.cfg.DirTTL != 0 || c.cfg.FileTTL != 0 || c.cfg.MaxFileCacheBytes != 0
}

func (c *cache) getDir(p string) ([]Entry, bool) {
	if !c.enabled() || c.cfg.DirTTL <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.dirs[p]
	if !ok || c.clock.Now().Sub(e.stamp) >= c.cfg.DirTTL {
		return nil, false
	}

	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	return out, true
}

func (c *cache) putDir(p string, entries []Entry) {
	if !c.enabled() || c.cfg.DirTTL <= 0 {
		return
	}

	cp := make([]Entry, len(entries))
	copy(cp, entries)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirs[p] = dirEntry{entries: cp, stamp: c.clock.Now()}
}

func (c *cache) getFile(p string) ([]byte, bool) {
	if !c.enabled() || c.cfg.FileTTL <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.files[p]
	if !ok || c.clock.Now().Sub(e.stamp) >= c.cfg.FileTTL {
		return nil, false
	}

	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, true
}

// putFile inserts data for p, first evicting the oldest entries (by
// ascending stamp) until the byte budget holds.
func (c *cache) putFile(p string, data []byte) {
	if !c.enabled() || c.cfg.FileTTL <= 0 {
		return
	}

	// A single file larger than the whole budget is never cached; it would
	// immediately evict itself along with everything else for no benefit.
	if c.cfg.MaxFileCacheBytes > 0 && int64(len(data)) > c.cfg.MaxFileCacheBytes {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictOldestLocked(int64(len(cp)))

	if old, ok := c.files[p]; ok {
		c.fileCacheSize -= int64(len(old.bytes))
	}

	c.files[p] = fileEntry{bytes: cp, stamp: c.clock.Now()}
	c.fileCacheSize += int64(len(cp))
}

// evictOldestLocked removes the oldest cached file bodies until inserting
// incoming bytes would not exceed the configured budget. Caller holds c.mu.
func (c *cache) evictOldestLocked(incoming int64) {
	if c.cfg.MaxFileCacheBytes <= 0 {
		return
	}

	for c.fileCacheSize+incoming > c.cfg.MaxFileCacheBytes {
		oldestPath := ""
		var oldestStamp time.Time
		found := false

		for p, e := range c.files {
			if !found || e.stamp.Before(oldestStamp) {
				oldestPath = p
				oldestStamp = e.stamp
				found = true
			}
		}

		if !found {
			return
		}

		c.fileCacheSize -= int64(len(c.files[oldestPath].bytes))
		delete(c.files, oldestPath)
	}
}

// invalidate removes the directory-cache entries for path and its parent,
// and the file-body entry for path.
func (c *cache) invalidate(p string) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.dirs, p)
	delete(c.dirs, parentOf(p))

	if e, ok := c.files[p]; ok {
		c.fileCacheSize -= int64(len(e.bytes))
		delete(c.files, p)
	}
}

// parentOf returns the parent of a server-relative path: the substring
// before the last '/', or the empty (root) path if there is none.
func parentOf(p string) string {
	if p == "" {
		return ""
	}

	dir := path.Dir(p)
	if dir == "." {
		return ""
	}

	return dir
}
