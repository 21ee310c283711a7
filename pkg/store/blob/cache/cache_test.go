package cache

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/blob/memory"
	blobtesting "github.com/marmos91/dittobox/pkg/store/blob/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	hits, misses atomic.Int64
}

func (m *countingMetrics) RecordLookup(hit bool) {
	if hit {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
}

func newCache(t *testing.T, inner blob.Backend, m CacheMetrics) *CachingBackend {
	t.Helper()
	c, err := New(inner, Config{InMemory: true, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCachingBackend(t *testing.T) {
	suite := &blobtesting.BackendTestSuite{
		NewBackend: func(t *testing.T) blob.Backend {
			return newCache(t, memory.NewMemoryBackend(), nil)
		},
	}
	suite.Run(t)
}

func TestCachingBackendPersistent(t *testing.T) {
	suite := &blobtesting.BackendTestSuite{
		NewBackend: func(t *testing.T) blob.Backend {
			c, err := New(memory.NewMemoryBackend(), Config{Path: t.TempDir()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
	}
	suite.Run(t)
}

func TestCacheServesRevalidatedCopy(t *testing.T) {
	inner := memory.NewMemoryBackend()
	m := &countingMetrics{}
	c := newCache(t, inner, m)

	blobtesting.MustUpload(t, inner, "folder", []byte("v1"))

	got, _ := blobtesting.MustDownload(t, c, "folder")
	assert.Equal(t, []byte("v1"), got)

	got, _ = blobtesting.MustDownload(t, c, "folder")
	assert.Equal(t, []byte("v1"), got)
	assert.EqualValues(t, 1, m.hits.Load())

	// Writer bypassing the cache: the next read must see the new content.
	blobtesting.MustUpload(t, inner, "folder", []byte("v2"))
	got, _ = blobtesting.MustDownload(t, c, "folder")
	assert.Equal(t, []byte("v2"), got)
	assert.EqualValues(t, 1, m.misses.Load())
}

func TestCacheUnmodifiedAgainstCallerHash(t *testing.T) {
	inner := memory.NewMemoryBackend()
	c := newCache(t, inner, nil)

	v1 := blobtesting.MustUpload(t, inner, "folder", []byte("v1"))
	blobtesting.MustDownload(t, c, "folder")

	v2 := blobtesting.MustUpload(t, inner, "folder", []byte("v2"))

	// Cache holds v1, caller holds v2: must report unmodified.
	_, err := c.DownloadIfModified(context.Background(), "folder", v2.Hash)
	assert.ErrorIs(t, err, blob.ErrUnmodified)

	// Caller holds v1 while v2 is current: must return v2.
	d, err := c.DownloadIfModified(context.Background(), "folder", v1.Hash)
	require.NoError(t, err)
	data, err := blob.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestCacheEvictsDeletedBlobs(t *testing.T) {
	inner := memory.NewMemoryBackend()
	c := newCache(t, inner, nil)

	blobtesting.MustUpload(t, c, "blocks/a", []byte("a"))
	blobtesting.MustDownload(t, c, "blocks/a")

	require.NoError(t, inner.Delete(context.Background(), "blocks/a"))
	_, err := c.Download(context.Background(), "blocks/a")
	assert.ErrorIs(t, err, blob.ErrNotFound)

	cached, err := c.lookup("blocks/a")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCacheSkipsLargeBlobs(t *testing.T) {
	inner := memory.NewMemoryBackend()
	c, err := New(inner, Config{InMemory: true, MaxEntrySize: 4})
	require.NoError(t, err)
	defer c.Close()

	_, err = inner.Upload(context.Background(), "big", bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)
	got, _ := blobtesting.MustDownload(t, c, "big")
	assert.Equal(t, []byte("0123456789"), got)

	cached, err := c.lookup("big")
	require.NoError(t, err)
	assert.Nil(t, cached)
}
