package identity

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/store"
)

// deviceSuffix matches the multi-device marker some platforms append to a
// user id when the same account chats from a second client, e.g.
// "user123 (2)".
var deviceSuffix = regexp.MustCompile(`\s*\(\d+\)\s*$`)

// Normalize strips platform-specific id quirks so every device of one
// account keys the same Person.
func Normalize(rawID string) string {
	id := strings.TrimSpace(rawID)
	return deviceSuffix.ReplaceAllString(id, "")
}

// Resolver upserts unified person records behind a bounded FIFO cache.
// FIFO, not LRU: eviction order does not matter much at this cache size and
// FIFO keeps the bookkeeping to one slice.
type Resolver struct {
	store store.Store

	mu      sync.Mutex
	maxSize int
	cache   map[string]int64
	order   []string
	hits    int64
	misses  int64
}

func NewResolver(st store.Store, maxSize int) *Resolver {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &Resolver{
		store:   st,
		maxSize: maxSize,
		cache:   make(map[string]int64, maxSize),
	}
}

// UpsertPerson resolves (platform, rawID) to a person id, creating or
// updating the persisted row on a cache miss. Concurrent calls for the same
// identity converge to one row because the store upsert is keyed by the
// natural key, not a generated id.
func (r *Resolver) UpsertPerson(ctx context.Context, platform core.Platform, rawID string, attrs core.Person) (int64, error) {
	normalized := Normalize(rawID)
	if normalized == "" {
		return 0, nil
	}
	key := string(platform) + "|" + normalized

	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.hits++
		r.mu.Unlock()
		return id, nil
	}
	r.misses++
	r.mu.Unlock()

	attrs.Platform = platform
	attrs.UserID = normalized
	id, err := r.store.UpsertPerson(ctx, attrs)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if _, ok := r.cache[key]; !ok {
		if len(r.order) >= r.maxSize {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.cache, oldest)
		}
		r.cache[key] = id
		r.order = append(r.order, key)
	}
	r.mu.Unlock()
	return id, nil
}

// Resize adjusts the cache bound at runtime, evicting oldest entries first
// when shrinking.
func (r *Resolver) Resize(maxSize int) {
	if maxSize <= 0 {
		return
	}
	r.mu.Lock()
	r.maxSize = maxSize
	for len(r.order) > r.maxSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.mu.Unlock()
}

// CacheStats reports cache size, hits, and misses since start.
func (r *Resolver) CacheStats() (size int, hits, misses int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache), r.hits, r.misses
}
