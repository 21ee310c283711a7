package gc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/blob/memory"
	metamemory "github.com/marmos91/dittobox/pkg/store/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *memory.MemoryBackend
	volume  *box.Volume
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	backend := memory.NewMemoryBackend()
	volume, err := box.NewVolume(box.Options{
		Backend: backend,
		Factory: metamemory.NewFactory(),
		KeyPair: keys,
		Prefix:  "gc",
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, volume.CreateIndex(context.Background(), backend.URL("")))
	return &fixture{backend: backend, volume: volume}
}

// age makes blobs written from now on look old.
func (f *fixture) age(by time.Duration) {
	f.backend.SetClock(func() time.Time { return time.Now().Add(-by) })
}

func (f *fixture) resetClock() {
	f.backend.SetClock(time.Now)
}

func (f *fixture) upload(t *testing.T, path, content string, commit bool) string {
	t.Helper()
	ctx := context.Background()
	nav, err := f.volume.Navigate(ctx)
	require.NoError(t, err)
	defer func() { _ = nav.Close() }()

	parts := strings.Split(path, "/")
	current := nav
	for _, dir := range parts[:len(parts)-1] {
		folder, err := current.GetFolder(ctx, dir)
		if err != nil {
			folder, err = current.CreateFolder(ctx, dir)
			require.NoError(t, err)
			require.NoError(t, current.Commit(ctx))
		}
		current, err = current.Navigate(ctx, folder)
		require.NoError(t, err)
	}

	file, err := current.Upload(ctx, parts[len(parts)-1], strings.NewReader(content))
	require.NoError(t, err)
	if commit {
		require.NoError(t, current.Commit(ctx))
	}
	return blob.BlockName(file.Block)
}

func TestCollectRemovesOldOrphans(t *testing.T) {
	f := newFixture(t)
	f.age(48 * time.Hour)
	kept := f.upload(t, "a.txt", "referenced", true)
	nested := f.upload(t, "docs/b.txt", "nested", true)
	abandoned := f.upload(t, "c.txt", "never committed", false)
	f.resetClock()
	recent := f.upload(t, "d.txt", "in flight", false)

	c, err := NewCollector(f.volume, f.backend, Config{GracePeriod: 24 * time.Hour})
	require.NoError(t, err)

	stats, err := c.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(4), stats.ExistingCount)
	assert.Equal(t, uint64(2), stats.ReferencedCount)
	assert.Equal(t, uint64(1), stats.RecentCount)
	assert.Equal(t, uint64(1), stats.OrphanedCount)
	assert.Equal(t, uint64(1), stats.DeletedCount)
	assert.Zero(t, stats.FailedCount)

	assert.True(t, f.backend.Exists(kept))
	assert.True(t, f.backend.Exists(nested))
	assert.True(t, f.backend.Exists(recent), "blocks inside the grace period survive")
	assert.False(t, f.backend.Exists(abandoned))
	assert.True(t, f.backend.Exists(f.volume.RootRef()), "snapshots are never touched")
}

func TestCollectDryRun(t *testing.T) {
	f := newFixture(t)
	f.age(48 * time.Hour)
	abandoned := f.upload(t, "c.txt", "never committed", false)
	f.resetClock()

	c, err := NewCollector(f.volume, f.backend, Config{DryRun: true})
	require.NoError(t, err)

	stats, err := c.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.OrphanedCount)
	assert.Zero(t, stats.DeletedCount)
	assert.True(t, f.backend.Exists(abandoned))
	assert.Same(t, stats, c.LastRun())
}

func TestCollectAbortsWhenVolumeUnreadable(t *testing.T) {
	f := newFixture(t)
	f.age(48 * time.Hour)
	kept := f.upload(t, "a.txt", "referenced", true)
	f.resetClock()

	// A corrupted index must not be read as "nothing is referenced".
	f.backend.Put(f.volume.RootRef(), []byte("garbage"))

	c, err := NewCollector(f.volume, f.backend, Config{})
	require.NoError(t, err)

	_, err = c.RunNow(context.Background())
	require.Error(t, err)
	assert.Nil(t, c.LastRun())
	assert.True(t, f.backend.Exists(kept))
}

// unlisted hides the Lister implementation of its inner backend.
type unlisted struct{ blob.Backend }

func TestNewCollectorRequiresListing(t *testing.T) {
	f := newFixture(t)

	_, err := NewCollector(f.volume, unlisted{f.backend}, Config{})
	assert.ErrorIs(t, err, blob.ErrListUnsupported)

	_, err = NewCollector(nil, f.backend, Config{})
	assert.Error(t, err)
}

func TestBackgroundWorker(t *testing.T) {
	f := newFixture(t)
	f.age(48 * time.Hour)
	abandoned := f.upload(t, "c.txt", "never committed", false)
	f.resetClock()

	c, err := NewCollector(f.volume, f.backend, Config{Enabled: true, Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	c.Start()
	c.Start()

	assert.Eventually(t, func() bool { return !f.backend.Exists(abandoned) }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestDisabledCollectorDoesNotStart(t *testing.T) {
	f := newFixture(t)
	c, err := NewCollector(f.volume, f.backend, Config{Interval: time.Millisecond})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, c.Stop(context.Background()))
}

func TestStatsSummary(t *testing.T) {
	start := time.Now()
	s := &Stats{StartTime: start, EndTime: start.Add(time.Second), ExistingCount: 3, DeletedCount: 1}
	assert.Equal(t, time.Second, s.Duration())
	assert.Contains(t, s.Summary(), "existing=3")
	assert.Contains(t, s.Summary(), "deleted=1")
}
