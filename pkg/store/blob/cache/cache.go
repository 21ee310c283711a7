// Package cache implements a persistent read-through cache for blob backends.
//
// Cached values are the raw (already encrypted) blob bytes plus the backend
// hash they were fetched with. Every read revalidates the entry with a
// conditional download, so a cached blob is served only after the backend
// confirms it is still current; the cache saves bandwidth, never freshness.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fxamacker/cbor/v2"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/blob"
)

const keyPrefix = "blob:"

// DefaultMaxEntrySize bounds the size of a single cached blob.
const DefaultMaxEntrySize = 8 << 20

// CacheMetrics observes cache effectiveness. Optional.
type CacheMetrics interface {
	// RecordLookup records a revalidated read; hit is true when the cached
	// bytes were served.
	RecordLookup(hit bool)
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) RecordLookup(bool) {}

type entry struct {
	Hash string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// CachingBackend wraps a blob.Backend with a BadgerDB cache.
//
// Thread Safety:
// Safe for concurrent use; BadgerDB transactions isolate cache updates.
type CachingBackend struct {
	inner        blob.Backend
	db           *badger.DB
	ttl          time.Duration
	maxEntrySize int64
	metrics      CacheMetrics
}

// Config configures a CachingBackend.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the cache in memory only.
	InMemory bool

	// TTL expires entries after this duration. Zero keeps them until evicted.
	TTL time.Duration

	// MaxEntrySize skips caching blobs larger than this. Zero uses
	// DefaultMaxEntrySize.
	MaxEntrySize int64

	// Metrics is optional.
	Metrics CacheMetrics
}

// New opens the cache database and wraps inner.
func New(inner blob.Backend, cfg Config) (*CachingBackend, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner backend is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("cache path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	// Blobs are ciphertext and do not compress.
	opts = opts.WithLoggingLevel(badger.WARNING).WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB cache at %s: %w", cfg.Path, err)
	}

	maxEntry := cfg.MaxEntrySize
	if maxEntry <= 0 {
		maxEntry = DefaultMaxEntrySize
	}
	var m CacheMetrics = noopCacheMetrics{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}

	return &CachingBackend{
		inner:        inner,
		db:           db,
		ttl:          cfg.TTL,
		maxEntrySize: maxEntry,
		metrics:      m,
	}, nil
}

// Close closes the cache database. The inner backend is not closed.
func (c *CachingBackend) Close() error {
	return c.db.Close()
}

func cacheKey(name string) []byte {
	return []byte(keyPrefix + name)
}

func (c *CachingBackend) lookup(name string) (*entry, error) {
	var e *entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded entry
			if err := cbor.Unmarshal(val, &decoded); err != nil {
				return err
			}
			e = &decoded
			return nil
		})
	})
	return e, err
}

func (c *CachingBackend) put(name string, e entry) {
	val, err := cbor.Marshal(e)
	if err != nil {
		logger.Warn("blob cache: encode %s: %v", name, err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		be := badger.NewEntry(cacheKey(name), val)
		if c.ttl > 0 {
			be = be.WithTTL(c.ttl)
		}
		return txn.SetEntry(be)
	})
	if err != nil {
		logger.Warn("blob cache: store %s: %v", name, err)
	}
}

func (c *CachingBackend) evict(name string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(name))
	})
	if err != nil {
		logger.Warn("blob cache: evict %s: %v", name, err)
	}
}

func download(data []byte, hash string) *blob.Download {
	return &blob.Download{
		Body: io.NopCloser(bytes.NewReader(data)),
		Hash: hash,
		Size: int64(len(data)),
	}
}

// Upload writes through and invalidates the cached copy.
func (c *CachingBackend) Upload(ctx context.Context, name string, r io.Reader) (*blob.UploadResult, error) {
	res, err := c.inner.Upload(ctx, name, r)
	if err == nil {
		c.evict(name)
	}
	return res, err
}

// UploadIfMatch writes through and invalidates the cached copy.
func (c *CachingBackend) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*blob.UploadResult, error) {
	res, err := c.inner.UploadIfMatch(ctx, name, r, expectedHash)
	if err == nil {
		c.evict(name)
	}
	return res, err
}

// Download serves the cached copy when the backend confirms it is current.
func (c *CachingBackend) Download(ctx context.Context, name string) (*blob.Download, error) {
	return c.DownloadIfModified(ctx, name, "")
}

// DownloadIfModified revalidates against the cached hash and returns
// blob.ErrUnmodified when the current content's hash equals ifNotHash.
func (c *CachingBackend) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*blob.Download, error) {
	// ========================================================================
	// Step 1: Revalidate the cached entry, if any
	// ========================================================================

	cached, err := c.lookup(name)
	if err != nil {
		logger.Warn("blob cache: lookup %s: %v", name, err)
		cached = nil
	}

	condition := ifNotHash
	if cached != nil {
		if cached.Hash == ifNotHash {
			return c.inner.DownloadIfModified(ctx, name, ifNotHash)
		}
		condition = cached.Hash
	}

	d, err := c.inner.DownloadIfModified(ctx, name, condition)
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrUnmodified) && cached != nil:
		c.metrics.RecordLookup(true)
		return download(cached.Data, cached.Hash), nil
	case errors.Is(err, blob.ErrNotFound):
		if cached != nil {
			c.evict(name)
		}
		return nil, err
	default:
		return nil, err
	}

	// ========================================================================
	// Step 2: Fresh content; cache it when small enough
	// ========================================================================

	if cached != nil {
		c.metrics.RecordLookup(false)
	}
	unmodified := ifNotHash != "" && d.Hash == ifNotHash

	if d.Size < 0 || d.Size > c.maxEntrySize {
		if unmodified {
			_ = d.Body.Close()
			return nil, fmt.Errorf("blob %s: %w", name, blob.ErrUnmodified)
		}
		return d, nil
	}

	data, err := blob.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	c.put(name, entry{Hash: d.Hash, Data: data})

	if unmodified {
		return nil, fmt.Errorf("blob %s: %w", name, blob.ErrUnmodified)
	}
	return download(data, d.Hash), nil
}

// Delete removes the blob from the backend and the cache.
func (c *CachingBackend) Delete(ctx context.Context, name string) error {
	if err := c.inner.Delete(ctx, name); err != nil {
		return err
	}
	c.evict(name)
	return nil
}

// URL delegates to the inner backend.
func (c *CachingBackend) URL(name string) string {
	return c.inner.URL(name)
}

// List delegates to the inner backend; the cache holds no listing.
func (c *CachingBackend) List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error) {
	return blob.List(ctx, c.inner, prefix)
}
