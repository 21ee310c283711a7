package box

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/blob"
	blobmemory "github.com/marmos91/dittobox/pkg/store/blob/memory"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	metamemory "github.com/marmos91/dittobox/pkg/store/metadata/memory"
	"github.com/marmos91/dittobox/pkg/store/metadata/sqlite"
	"github.com/stretchr/testify/require"
)

// fixture is one owner's namespace in a shared in-memory backend. Every
// session opened from it behaves like a separate device.
type fixture struct {
	backend    *blobmemory.MemoryBackend
	wrapped    blob.Backend
	keys       *crypto.KeyPair
	newFactory func(t *testing.T) metadata.Factory
	metrics    *recordingMetrics
}

type factoryCase struct {
	name       string
	newFactory func(t *testing.T) metadata.Factory
}

var factoryCases = []factoryCase{
	{"memory", func(t *testing.T) metadata.Factory { return metamemory.NewFactory() }},
	{"sqlite", func(t *testing.T) metadata.Factory { return sqlite.NewFactory(t.TempDir()) }},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, factoryCases[0].newFactory)
}

func newFixtureWith(t *testing.T, newFactory func(t *testing.T) metadata.Factory) *fixture {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	backend := blobmemory.NewMemoryBackend()
	f := &fixture{
		backend:    backend,
		wrapped:    backend,
		keys:       keys,
		newFactory: newFactory,
		metrics:    &recordingMetrics{},
	}
	require.NoError(t, f.volume(t, nil).CreateIndex(context.Background(), "memory://"))
	return f
}

// forEachFactory runs fn once per snapshot format.
func forEachFactory(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, fc := range factoryCases {
		t.Run(fc.name, func(t *testing.T) {
			fn(t, newFixtureWith(t, fc.newFactory))
		})
	}
}

func (f *fixture) volume(t *testing.T, configure func(*Options)) *Volume {
	t.Helper()
	opts := Options{
		Backend: f.wrapped,
		Factory: f.newFactory(t),
		KeyPair: f.keys,
		TempDir: t.TempDir(),
		Metrics: f.metrics,
		Prefix:  "test",
	}
	if configure != nil {
		configure(&opts)
	}
	v, err := NewVolume(opts)
	require.NoError(t, err)
	return v
}

// session opens the index as a new device with autocommit disabled.
func (f *fixture) session(t *testing.T) *Navigation {
	t.Helper()
	return f.sessionWith(t, nil)
}

func (f *fixture) sessionWith(t *testing.T, configure func(*Options)) *Navigation {
	t.Helper()
	nav, err := f.volume(t, configure).Navigate(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nav.Close() })
	return nav
}

func autocommit(delay time.Duration) func(*Options) {
	return func(o *Options) {
		o.Autocommit = true
		o.AutocommitDelay = delay
	}
}

func mustUpload(t *testing.T, nav *Navigation, name, content string) *metadata.FileEntry {
	t.Helper()
	file, err := nav.Upload(context.Background(), name, bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	return file
}

func mustRead(t *testing.T, nav *Navigation, file *metadata.FileEntry) string {
	t.Helper()
	r, err := nav.Download(context.Background(), file)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func mustCommit(t *testing.T, nav *Navigation) {
	t.Helper()
	require.NoError(t, nav.Commit(context.Background()))
}

func fileNames(t *testing.T, nav *Navigation) []string {
	t.Helper()
	files, err := nav.ListFiles(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

// assertConsistent checks that every file nav lists can be downloaded and
// that the FileMetadata of each shared file describes that same entry.
func assertConsistent(t *testing.T, nav *Navigation) {
	t.Helper()
	ctx := context.Background()
	files, err := nav.ListFiles(ctx)
	require.NoError(t, err)
	for _, file := range files {
		mustRead(t, nav, file)
		if !file.IsShared() {
			continue
		}
		meta, err := nav.GetFileMetadata(ctx, file)
		require.NoError(t, err, "metadata of %s", file.Name)
		require.Equal(t, file.Block, meta.Block, "metadata of %s", file.Name)
		require.Equal(t, file.Name, meta.Name, "metadata of %s", file.Name)
	}
}

func randomKey(t *testing.T) crypto.SymmetricKey {
	t.Helper()
	k, err := crypto.NewProvider().GenerateSymmetricKey()
	require.NoError(t, err)
	return k
}

// recordingMetrics counts engine events.
type recordingMetrics struct {
	mu         sync.Mutex
	commits    map[string]int
	failures   int
	merges     int
	tombstones int
	fired      int
	dropped    int
}

func (m *recordingMetrics) ObserveCommit(kind, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commits == nil {
		m.commits = make(map[string]int)
	}
	if outcome != "ok" {
		m.failures++
		return
	}
	m.commits[kind]++
}

func (m *recordingMetrics) RecordMerge(string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges++
}

func (m *recordingMetrics) RecordTombstones(deleted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstones += deleted
}

func (m *recordingMetrics) RecordAutocommit(fired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fired {
		m.fired++
	} else {
		m.dropped++
	}
}

func (m *recordingMetrics) snapshot() recordingMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	commits := make(map[string]int, len(m.commits))
	for k, v := range m.commits {
		commits[k] = v
	}
	return recordingMetrics{
		commits:    commits,
		failures:   m.failures,
		merges:     m.merges,
		tombstones: m.tombstones,
		fired:      m.fired,
		dropped:    m.dropped,
	}
}

// faultyBackend injects failures and hooks into a backend.
type faultyBackend struct {
	blob.Backend

	mu           sync.Mutex
	uploadErr    error
	deleteErr    error
	beforeUpload func()
}

func (b *faultyBackend) setUploadErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadErr = err
}

func (b *faultyBackend) setDeleteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteErr = err
}

// onNextConditionalUpload runs hook once, before the next UploadIfMatch.
func (b *faultyBackend) onNextConditionalUpload(hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beforeUpload = hook
}

func (b *faultyBackend) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*blob.UploadResult, error) {
	b.mu.Lock()
	hook := b.beforeUpload
	b.beforeUpload = nil
	err := b.uploadErr
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return b.Backend.UploadIfMatch(ctx, name, r, expectedHash)
}

func (b *faultyBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	err := b.deleteErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Backend.Delete(ctx, name)
}
