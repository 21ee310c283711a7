package blob_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittobox/internal/ratelimiter"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/blob/memory"
	blobtesting "github.com/marmos91/dittobox/pkg/store/blob/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLimiter records admissions and can refuse them.
type countingLimiter struct {
	mu       sync.Mutex
	requests int
	bytes    int
	refuse   error
}

func (c *countingLimiter) Wait(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse != nil {
		return c.refuse
	}
	c.requests++
	return nil
}

func (c *countingLimiter) WaitBytes(_ context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += n
	return nil
}

func TestRateLimitedBackendContract(t *testing.T) {
	suite := &blobtesting.BackendTestSuite{
		NewBackend: func(t *testing.T) blob.Backend {
			return blob.RateLimit(memory.NewMemoryBackend(), ratelimiter.New(10_000, 10_000, 1<<30))
		},
	}
	suite.Run(t)
}

func TestRateLimitNilLimiter(t *testing.T) {
	inner := memory.NewMemoryBackend()
	assert.Same(t, inner, blob.RateLimit(inner, nil))
}

func TestRateLimitChargesRequestsAndBytes(t *testing.T) {
	limiter := &countingLimiter{}
	b := blob.RateLimit(memory.NewMemoryBackend(), limiter)

	data := bytes.Repeat([]byte("x"), 4096)
	blobtesting.MustUpload(t, b, "blocks/one", data)
	got, _ := blobtesting.MustDownload(t, b, "blocks/one")
	assert.Equal(t, data, got)
	require.NoError(t, b.Delete(context.Background(), "blocks/one"))

	assert.Equal(t, 3, limiter.requests)
	assert.Equal(t, 2*len(data), limiter.bytes, "upload and download bytes are both charged")
}

func TestRateLimitRefusal(t *testing.T) {
	refused := errors.New("slow down")
	b := blob.RateLimit(memory.NewMemoryBackend(), &countingLimiter{refuse: refused})

	_, err := b.Upload(context.Background(), "x", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, refused)
	_, err = b.Download(context.Background(), "x")
	assert.ErrorIs(t, err, refused)
	_, err = blob.List(context.Background(), b, "")
	assert.ErrorIs(t, err, refused)
}

// recordingMetrics captures instrumented operations.
type recordingMetrics struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingMetrics) ObserveOperation(op, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op+":"+status)
}

func (r *recordingMetrics) RecordBytes(string, int64) {}

func TestDecoratorsPreserveListing(t *testing.T) {
	m := &recordingMetrics{}
	b := blob.Instrument(blob.RateLimit(memory.NewMemoryBackend(), &countingLimiter{}), m)

	blobtesting.MustUpload(t, b, "blocks/a", []byte("a"))
	objects, err := blob.List(context.Background(), b, blob.BlocksPrefix)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "blocks/a", objects[0].Name)
	assert.Contains(t, m.ops, "list:ok")
}

// plainBackend hides the Lister implementation of its inner backend.
type plainBackend struct{ blob.Backend }

func TestListUnsupported(t *testing.T) {
	_, err := blob.List(context.Background(), plainBackend{memory.NewMemoryBackend()}, "")
	assert.ErrorIs(t, err, blob.ErrListUnsupported)
}
