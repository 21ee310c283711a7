package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittobox/pkg/store/blob"
)

type object struct {
	data     []byte
	hash     string
	modified time.Time
}

// MemoryBackend implements blob.Backend using in-memory storage.
//
// It is designed for:
//   - Testing and development
//   - Multi-session scenarios inside one process (several Navigation
//     sessions sharing one backend behave like several devices)
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Conditional uploads
// check and write under the same lock, so they are atomic.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]object

	// now is overridable in tests.
	now func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

func (m *MemoryBackend) store(ctx context.Context, name string, r io.Reader, check func(cur object, exists bool) error) (*blob.UploadResult, error) {
	// ========================================================================
	// Step 1: Validate and buffer outside the lock
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !blob.ValidateName(name) {
		return nil, fmt.Errorf("blob %q: %w", name, blob.ErrInvalidName)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", name, err)
	}
	hash := blob.HashBytes(data)

	// ========================================================================
	// Step 2: Check the precondition and swap under the write lock
	// ========================================================================

	m.mu.Lock()
	defer m.mu.Unlock()

	if check != nil {
		cur, exists := m.objects[name]
		if err := check(cur, exists); err != nil {
			return nil, err
		}
	}

	now := m.now()
	m.objects[name] = object{data: data, hash: hash, modified: now}
	return &blob.UploadResult{Time: now, Hash: hash}, nil
}

// Upload stores a copy of r's content under name.
func (m *MemoryBackend) Upload(ctx context.Context, name string, r io.Reader) (*blob.UploadResult, error) {
	return m.store(ctx, name, r, nil)
}

// UploadIfMatch stores r's content only if the current hash is expectedHash.
func (m *MemoryBackend) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*blob.UploadResult, error) {
	return m.store(ctx, name, r, func(cur object, exists bool) error {
		if expectedHash == "" && exists {
			return fmt.Errorf("blob %s already exists: %w", name, blob.ErrModified)
		}
		if expectedHash != "" && (!exists || cur.hash != expectedHash) {
			return fmt.Errorf("blob %s: %w", name, blob.ErrModified)
		}
		return nil
	})
}

// Download returns a reader over a snapshot of the blob.
func (m *MemoryBackend) Download(ctx context.Context, name string) (*blob.Download, error) {
	return m.DownloadIfModified(ctx, name, "")
}

// DownloadIfModified returns blob.ErrUnmodified when the stored hash equals ifNotHash.
func (m *MemoryBackend) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*blob.Download, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, exists := m.objects[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("blob %s: %w", name, blob.ErrNotFound)
	}
	if ifNotHash != "" && obj.hash == ifNotHash {
		return nil, fmt.Errorf("blob %s: %w", name, blob.ErrUnmodified)
	}

	// Stored slices are never mutated in place, so sharing them is safe.
	return &blob.Download{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		Hash: obj.hash,
		Size: int64(len(obj.data)),
	}, nil
}

// Delete removes the blob if present.
func (m *MemoryBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

// List returns the blobs under prefix.
func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	objects := make([]blob.ObjectInfo, 0, len(m.objects))
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			objects = append(objects, blob.ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modified})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// SetClock replaces the time source used for upload times. Used by tests
// to age blobs.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// URL returns a memory:// locator.
func (m *MemoryBackend) URL(name string) string {
	return "memory://" + name
}

// Exists reports whether a blob is stored under name. Used by tests to
// observe tombstone processing.
func (m *MemoryBackend) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[name]
	return ok
}

// Names returns every stored blob name.
func (m *MemoryBackend) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	return names
}

// Put replaces raw blob content, bypassing any preconditions. Used by tests
// to simulate corruption.
func (m *MemoryBackend) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = object{data: bytes.Clone(data), hash: blob.HashBytes(data), modified: m.now()}
}
