// Package testing provides a reusable contract test suite for blob.Backend
// implementations.
package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendTestSuite tests the blob.Backend contract, not implementation
// details, so it runs unchanged against memory, filesystem, cached and S3
// backends.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &testing.BackendTestSuite{
//	        NewBackend: func(t *testing.T) blob.Backend {
//	            return mybackend.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type BackendTestSuite struct {
	// NewBackend creates a fresh, empty backend for each test.
	NewBackend func(t *testing.T) blob.Backend

	// SkipConcurrency disables the concurrent conditional upload test for
	// backends without cross-writer atomicity guarantees in the test setup.
	SkipConcurrency bool
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(t *testing.T) {
	t.Run("RoundTrip", suite.testRoundTrip)
	t.Run("NotFound", suite.testNotFound)
	t.Run("ConditionalDownload", suite.testConditionalDownload)
	t.Run("ConditionalUpload", suite.testConditionalUpload)
	t.Run("DeleteIdempotent", suite.testDeleteIdempotent)
	t.Run("InvalidNames", suite.testInvalidNames)
	t.Run("URL", suite.testURL)
	t.Run("List", suite.testList)
	if !suite.SkipConcurrency {
		t.Run("ConcurrentConditionalUpload", suite.testConcurrentConditionalUpload)
	}
}

func testContext() context.Context {
	return context.Background()
}

// MustUpload uploads data and fails the test on error.
func MustUpload(t *testing.T, b blob.Backend, name string, data []byte) *blob.UploadResult {
	t.Helper()
	res, err := b.Upload(testContext(), name, bytes.NewReader(data))
	require.NoError(t, err, "Upload should succeed")
	require.NotEmpty(t, res.Hash, "Upload should report a hash")
	return res
}

// MustDownload downloads name fully and fails the test on error.
func MustDownload(t *testing.T, b blob.Backend, name string) ([]byte, string) {
	t.Helper()
	d, err := b.Download(testContext(), name)
	require.NoError(t, err, "Download should succeed")
	hash := d.Hash
	data, err := blob.ReadAll(d)
	require.NoError(t, err, "Reading download should succeed")
	return data, hash
}

func (suite *BackendTestSuite) testRoundTrip(t *testing.T) {
	b := suite.NewBackend(t)

	cases := map[string][]byte{
		"root-object":  []byte("snapshot"),
		"blocks/a-b-c": bytes.Repeat([]byte{0xAB}, 100_000),
		"empty":        {},
	}
	for name, data := range cases {
		res := MustUpload(t, b, name, data)
		got, hash := MustDownload(t, b, name)
		assert.Equal(t, data, got, name)
		assert.Equal(t, res.Hash, hash, "download hash should match upload hash for %s", name)
	}

	// Overwrite changes content and hash.
	first := MustUpload(t, b, "root-object", []byte("v1"))
	second := MustUpload(t, b, "root-object", []byte("v2"))
	assert.NotEqual(t, first.Hash, second.Hash)
	got, _ := MustDownload(t, b, "root-object")
	assert.Equal(t, []byte("v2"), got)
}

func (suite *BackendTestSuite) testNotFound(t *testing.T) {
	b := suite.NewBackend(t)

	_, err := b.Download(testContext(), "missing")
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = b.DownloadIfModified(testContext(), "blocks/missing", "whatever")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func (suite *BackendTestSuite) testConditionalDownload(t *testing.T) {
	b := suite.NewBackend(t)
	res := MustUpload(t, b, "folder", []byte("one"))

	_, err := b.DownloadIfModified(testContext(), "folder", res.Hash)
	assert.ErrorIs(t, err, blob.ErrUnmodified)

	next := MustUpload(t, b, "folder", []byte("two"))
	d, err := b.DownloadIfModified(testContext(), "folder", res.Hash)
	require.NoError(t, err)
	data, err := blob.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
	assert.Equal(t, next.Hash, d.Hash)
}

func (suite *BackendTestSuite) testConditionalUpload(t *testing.T) {
	b := suite.NewBackend(t)
	ctx := testContext()

	first, err := b.UploadIfMatch(ctx, "index", bytes.NewReader([]byte("v1")), "")
	require.NoError(t, err, "create-if-absent should succeed on a missing blob")

	_, err = b.UploadIfMatch(ctx, "index", bytes.NewReader([]byte("other")), "")
	assert.ErrorIs(t, err, blob.ErrModified, "create-if-absent must fail on an existing blob")

	second, err := b.UploadIfMatch(ctx, "index", bytes.NewReader([]byte("v2")), first.Hash)
	require.NoError(t, err, "matching hash should succeed")

	_, err = b.UploadIfMatch(ctx, "index", bytes.NewReader([]byte("v3")), first.Hash)
	assert.ErrorIs(t, err, blob.ErrModified, "stale hash must fail")

	got, hash := MustDownload(t, b, "index")
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, second.Hash, hash)

	_, err = b.UploadIfMatch(ctx, "absent", bytes.NewReader([]byte("x")), second.Hash)
	assert.ErrorIs(t, err, blob.ErrModified, "expected hash on a missing blob must fail")
}

func (suite *BackendTestSuite) testDeleteIdempotent(t *testing.T) {
	b := suite.NewBackend(t)
	MustUpload(t, b, "blocks/x", []byte("x"))

	require.NoError(t, b.Delete(testContext(), "blocks/x"))
	_, err := b.Download(testContext(), "blocks/x")
	assert.ErrorIs(t, err, blob.ErrNotFound)

	assert.NoError(t, b.Delete(testContext(), "blocks/x"), "second delete must be a no-op")
	assert.NoError(t, b.Delete(testContext(), "never-existed"))
}

func (suite *BackendTestSuite) testInvalidNames(t *testing.T) {
	b := suite.NewBackend(t)

	for _, name := range []string{"", "../escape", "/absolute", "a//b", "blocks/../x"} {
		_, err := b.Upload(testContext(), name, bytes.NewReader([]byte("x")))
		assert.ErrorIs(t, err, blob.ErrInvalidName, "name %q", name)
	}
}

func (suite *BackendTestSuite) testURL(t *testing.T) {
	b := suite.NewBackend(t)
	assert.Contains(t, b.URL("meta-ref"), "meta-ref")
}

func (suite *BackendTestSuite) testList(t *testing.T) {
	b := suite.NewBackend(t)
	if _, ok := b.(blob.Lister); !ok {
		t.Skip("backend does not implement blob.Lister")
	}
	ctx := testContext()

	MustUpload(t, b, blob.BlockName("b"), []byte("bb"))
	MustUpload(t, b, blob.BlockName("a"), []byte("a"))
	MustUpload(t, b, "index", []byte("root"))

	blocks, err := blob.List(ctx, b, blob.BlocksPrefix)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, blob.BlockName("a"), blocks[0].Name)
	assert.Equal(t, blob.BlockName("b"), blocks[1].Name)
	assert.Equal(t, int64(2), blocks[1].Size)
	assert.False(t, blocks[0].ModTime.IsZero(), "ModTime should be set")

	all, err := blob.List(ctx, b, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, b.Delete(ctx, blob.BlockName("a")))
	blocks, err = blob.List(ctx, b, blob.BlocksPrefix)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

func (suite *BackendTestSuite) testConcurrentConditionalUpload(t *testing.T) {
	b := suite.NewBackend(t)
	base := MustUpload(t, b, "contended", []byte("base"))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("writer-%d", i))
			_, err := b.UploadIfMatch(testContext(), "contended", bytes.NewReader(payload), base.Hash)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, blob.ErrModified) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one conditional writer may win")
}
