package box

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func currentGeneration(nav *Navigation) uint64 {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	return nav.generation
}

func TestAutocommitWithoutDelayCommitsInline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(0))

	mustUpload(t, nav, "a", "a")
	assert.True(t, nav.IsUnmodified())
	assert.Equal(t, []string{"a"}, fileNames(t, f.session(t)))

	// Children inherit the setting.
	folder, err := nav.CreateFolder(ctx, "x")
	require.NoError(t, err)
	child, err := nav.Navigate(ctx, folder)
	require.NoError(t, err)
	mustUpload(t, child, "y", "y")
	assert.True(t, child.IsUnmodified())
	assert.True(t, nav.IsUnmodified())
}

func TestAutocommitCoalescesBursts(t *testing.T) {
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(300*time.Millisecond))

	for _, name := range []string{"a", "b", "c"} {
		mustUpload(t, nav, name, name)
	}
	assert.False(t, nav.IsUnmodified(), "nothing is committed before the delay")

	require.Eventually(t, nav.IsUnmodified, 5*time.Second, 10*time.Millisecond)

	m := f.metrics.snapshot()
	assert.Equal(t, 1, m.commits["index"])
	assert.Equal(t, 1, m.fired)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, fileNames(t, f.session(t)))
}

func TestStaleAutocommitIsDropped(t *testing.T) {
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(time.Hour))

	mustUpload(t, nav, "a", "a")
	first := currentGeneration(nav)
	mustUpload(t, nav, "b", "b")
	second := currentGeneration(nav)
	require.Greater(t, second, first)

	nav.fire(first)
	assert.False(t, nav.IsUnmodified())
	assert.Equal(t, 1, f.metrics.snapshot().dropped)

	nav.fire(second)
	assert.True(t, nav.IsUnmodified())
	assert.Equal(t, 1, f.metrics.snapshot().fired)
}

func TestDisablingAutocommitCancelsSchedule(t *testing.T) {
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(50*time.Millisecond))

	mustUpload(t, nav, "a", "a")
	nav.SetAutocommit(false)
	time.Sleep(200 * time.Millisecond)

	assert.False(t, nav.IsUnmodified())
	assert.Zero(t, f.metrics.snapshot().fired)

	mustUpload(t, nav, "b", "b")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, nav.IsUnmodified(), "mutations no longer schedule commits")
}

func TestAutocommitDelayCanBeChanged(t *testing.T) {
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(time.Hour))

	nav.SetAutocommitDelay(0)
	mustUpload(t, nav, "a", "a")
	assert.True(t, nav.IsUnmodified())
}

func TestCloseStopsScheduledCommit(t *testing.T) {
	f := newFixture(t)
	nav := f.sessionWith(t, autocommit(time.Hour))

	mustUpload(t, nav, "a", "a")
	generation := currentGeneration(nav)
	require.NoError(t, nav.Close())

	nav.mu.Lock()
	assert.Nil(t, nav.timer)
	nav.mu.Unlock()

	nav.fire(generation)
	assert.Equal(t, 1, f.metrics.snapshot().dropped)
	assert.Empty(t, fileNames(t, f.session(t)), "uncommitted changes are discarded on close")
}
