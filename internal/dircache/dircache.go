// Package dircache serves remote directory listings from a time-bounded
// cache, falling back to the transfer agent when an entry is missing or stale.
package dircache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/metrics"
	"go-remote-download/internal/models"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// DefaultMaxAge is the freshness window used when none is configured.
const DefaultMaxAge = 5 * time.Minute

// ErrListFailed wraps any error returned by the lister.
var ErrListFailed = errors.New("directory listing failed")

const (
	keyPrefix = "dir_"
	// memCapacity bounds the in-memory layer; older listings fall back to the store.
	memCapacity = 512
)

// Lister lists one remote directory.
type Lister interface {
	List(ctx context.Context, remotePath string) ([]models.RemoteItem, error)
}

// Cache is the directory cache. The zero value is not usable; use New.
type Cache struct {
	lister Lister
	store  BlobStore // nil means memory only
	mem    *ttlcache.Cache[string, models.CacheEntry]
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore persists entries in store in addition to memory.
func WithStore(store BlobStore) Option {
	return func(c *Cache) { c.store = store }
}

// New creates a cache in front of lister. maxAge <= 0 uses DefaultMaxAge.
func New(lister Lister, maxAge time.Duration, opts ...Option) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	c := &Cache{
		lister: lister,
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Freshness is judged on CapturedAt against the injected clock, so the
	// memory layer never expires entries itself and Peek can still see them.
	c.mem = ttlcache.New[string, models.CacheEntry](
		ttlcache.WithCapacity[string, models.CacheEntry](memCapacity),
		ttlcache.WithDisableTouchOnHit[string, models.CacheEntry](),
	)
	return c
}

// MaxAge returns the freshness window.
func (c *Cache) MaxAge() time.Duration { return c.maxAge }

// Get returns the children of path. A fresh cached listing is returned with
// fromCache=true unless force is set; otherwise the lister is called and the
// cached listing replaced. A failed listing leaves any cached entry untouched.
func (c *Cache) Get(ctx context.Context, path string, force bool) ([]models.Entry, bool, error) {
	key := helpers.NormalizeRemotePath(path)

	if !force {
		if ce, ok := c.lookup(key); ok {
			if c.fresh(ce) {
				metrics.RecordCacheLookup("hit")
				log.WithField("path", key).Debugf("Serving cached listing (%s old)", helpers.FormatAge(c.now().Sub(ce.CapturedAt)))
				return ce.Entries, true, nil
			}
			metrics.RecordCacheLookup("stale")
		} else {
			metrics.RecordCacheLookup("miss")
		}
	}

	items, err := c.lister.List(ctx, key)
	if err != nil {
		metrics.RecordCacheLookup("error")
		log.WithError(err).WithField("path", key).Warn("Directory listing failed")
		return nil, false, fmt.Errorf("%w: %s: %v", ErrListFailed, key, err)
	}

	ce := models.CacheEntry{
		Path:       key,
		Entries:    toEntries(key, items),
		CapturedAt: c.now(),
	}
	c.put(ce)
	return ce.Entries, false, nil
}

// FolderSizes returns the recursive size in bytes of every sub-directory of
// path, keyed by name. The sizes are computed through the lister on first
// request and stored in the listing's CacheEntry, so they expire with it.
// Unreadable directories below path count as empty.
func (c *Cache) FolderSizes(ctx context.Context, path string) (map[string]int64, error) {
	key := helpers.NormalizeRemotePath(path)
	if _, _, err := c.Get(ctx, key, false); err != nil {
		return nil, err
	}
	ce, ok := c.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s: listing vanished from cache", ErrListFailed, key)
	}
	if ce.FolderSizes != nil {
		return ce.FolderSizes, nil
	}

	sizes := make(map[string]int64)
	for _, e := range ce.Entries {
		if !e.IsDir() {
			continue
		}
		n, err := c.treeSize(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		sizes[e.Name] = n
	}

	// Keep a newer listing stored meanwhile rather than overwriting it.
	if cur, ok := c.lookup(key); ok && cur.CapturedAt.Equal(ce.CapturedAt) {
		ce.FolderSizes = sizes
		c.put(ce)
	}
	return sizes, nil
}

// treeSize sums file sizes below dir.
func (c *Cache) treeSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	pending := []string{dir}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		items, err := c.lister.List(ctx, next)
		if err != nil {
			log.WithError(err).WithField("path", next).Debug("Skipping unreadable directory while sizing")
			continue
		}
		for _, it := range items {
			switch {
			case it.Kind == models.KindDirectory:
				pending = append(pending, helpers.JoinRemote(next, it.Name))
			case it.Size != nil:
				total += *it.Size
			}
		}
	}
	return total, nil
}

// Peek returns the cached listing for path regardless of age, with its age.
// It never calls the lister.
func (c *Cache) Peek(path string) (models.CacheEntry, time.Duration, bool) {
	ce, ok := c.lookup(helpers.NormalizeRemotePath(path))
	if !ok {
		return models.CacheEntry{}, 0, false
	}
	return ce, c.now().Sub(ce.CapturedAt), true
}

// Invalidate drops the cached listing for path.
func (c *Cache) Invalidate(path string) error {
	key := helpers.NormalizeRemotePath(path)
	c.mem.Delete(key)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(storeKey(key))
}

// Clear drops every cached listing.
func (c *Cache) Clear() error {
	c.mem.DeleteAll()
	if c.store == nil {
		return nil
	}
	var keys [][]byte
	if err := c.store.FoldSizes(func(key []byte, _ int) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}); err != nil {
		return fmt.Errorf("failed to enumerate cache: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Delete(k); err != nil {
			return err
		}
	}
	log.Infof("Cleared %d cached directory listings", len(keys))
	return nil
}

// Stats reports the number of cached listings and their compressed size in
// bytes. Without a persistent store the size is zero.
func (c *Cache) Stats() (count int, size int64, err error) {
	if c.store == nil {
		return c.mem.Len(), 0, nil
	}
	err = c.store.FoldSizes(func(_ []byte, storedSize int) error {
		count++
		size += int64(storedSize)
		return nil
	})
	return count, size, err
}

// Close releases in-memory state. The blob store is owned by the caller.
func (c *Cache) Close() {
	c.mem.DeleteAll()
}

func (c *Cache) fresh(ce models.CacheEntry) bool {
	return c.now().Sub(ce.CapturedAt) < c.maxAge
}

func (c *Cache) lookup(key string) (models.CacheEntry, bool) {
	if item := c.mem.Get(key); item != nil {
		return item.Value(), true
	}
	if c.store == nil {
		return models.CacheEntry{}, false
	}
	raw, err := c.store.Get(storeKey(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.WithError(err).WithField("path", key).Warn("Reading cached listing failed")
		}
		return models.CacheEntry{}, false
	}
	var ce models.CacheEntry
	if err := json.Unmarshal(raw, &ce); err != nil || ce.Path != key {
		log.WithField("path", key).Warn("Discarding unreadable cached listing")
		return models.CacheEntry{}, false
	}
	c.mem.Set(key, ce, ttlcache.NoTTL)
	return ce, true
}

func (c *Cache) put(ce models.CacheEntry) {
	c.mem.Set(ce.Path, ce, ttlcache.NoTTL)
	if c.store == nil {
		return
	}
	data, err := json.Marshal(ce)
	if err != nil {
		log.WithError(err).WithField("path", ce.Path).Warn("Encoding listing for cache failed")
		return
	}
	// The persisted copy is a convenience; failing to write it is not fatal.
	if err := c.store.Put(storeKey(ce.Path), data); err != nil {
		log.WithError(err).WithField("path", ce.Path).Warn("Writing listing to cache store failed")
	}
}

// storeKey hashes the normalized path because bitcask caps key length.
func storeKey(path string) []byte {
	sum := blake3.Sum256([]byte(path))
	return []byte(keyPrefix + hex.EncodeToString(sum[:16]))
}

func toEntries(dir string, items []models.RemoteItem) []models.Entry {
	entries := make([]models.Entry, 0, len(items))
	for _, it := range items {
		e := models.Entry{
			Path:       helpers.JoinRemote(dir, it.Name),
			Dir:        dir,
			Name:       it.Name,
			Kind:       it.Kind,
			ModifiedAt: it.ModifiedAt,
		}
		if it.Kind == models.KindFile && it.Size != nil {
			sz := *it.Size
			e.Size = &sz
		}
		entries = append(entries, e)
	}
	return entries
}
