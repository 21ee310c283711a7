package box

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentDeleteOfSameFile(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		base := f.session(t)
		file := mustUpload(t, base, "f", "shared content")
		mustCommit(t, base)

		a := f.session(t)
		b := f.session(t)

		fa, err := a.GetFile(ctx, "f")
		require.NoError(t, err)
		fb, err := b.GetFile(ctx, "f")
		require.NoError(t, err)

		require.NoError(t, a.DeleteFile(ctx, fa))
		require.NoError(t, b.DeleteFile(ctx, fb))
		require.NoError(t, a.Commit(ctx))
		require.NoError(t, b.Commit(ctx))

		assert.Empty(t, fileNames(t, b))
		assert.Empty(t, fileNames(t, f.session(t)))
		assert.False(t, f.backend.Exists(blob.BlockName(file.Block)))
	})
}

func TestConcurrentDisjointChangesAreMerged(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		a := f.session(t)
		b := f.session(t)

		mustUpload(t, a, "from-a", "a")
		_, err := a.CreateFolder(ctx, "dir-a")
		require.NoError(t, err)
		mustUpload(t, b, "from-b", "b")

		mustCommit(t, a)
		mustCommit(t, b)

		assert.Equal(t, 1, f.metrics.snapshot().merges)

		other := f.session(t)
		assert.ElementsMatch(t, []string{"from-a", "from-b"}, fileNames(t, other))
		has, err := other.HasFolder(ctx, "dir-a")
		require.NoError(t, err)
		assert.True(t, has)

		// The merged session continues from the remote history.
		assert.ElementsMatch(t, []string{"from-a", "from-b"}, fileNames(t, b))
		mustUpload(t, a, "later", "c")
		mustCommit(t, a)
		assert.ElementsMatch(t, []string{"from-a", "from-b", "later"}, fileNames(t, f.session(t)))
	})
}

func TestConcurrentCreateKeepsBothVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.session(t)
	b := f.session(t)

	mustUpload(t, a, "doc", "written by a")
	mustUpload(t, b, "doc", "written by b")
	mustCommit(t, a)
	mustCommit(t, b)

	reader := f.session(t)
	assert.ElementsMatch(t, []string{"doc", "doc" + ConflictSuffix}, fileNames(t, reader))

	doc, err := reader.GetFile(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "written by a", mustRead(t, reader, doc))

	conflict, err := reader.GetFile(ctx, "doc"+ConflictSuffix)
	require.NoError(t, err)
	assert.Equal(t, "written by b", mustRead(t, reader, conflict))
}

func TestConcurrentCreateWithIdenticalContentIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.session(t)
	b := f.session(t)

	fromA := mustUpload(t, a, "doc", "same bytes")
	fromB := mustUpload(t, b, "doc", "same bytes")
	mustCommit(t, a)
	mustCommit(t, b)

	assert.Equal(t, []string{"doc"}, fileNames(t, b))
	doc, err := b.GetFile(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, fromA.Block, doc.Block, "the first committed entry wins")

	assert.True(t, f.backend.Exists(blob.BlockName(fromA.Block)))
	assert.False(t, f.backend.Exists(blob.BlockName(fromB.Block)), "the duplicate block is tombstoned")
}

func TestConcurrentOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := f.session(t)
	mustUpload(t, base, "f", "v1")
	mustCommit(t, base)

	a := f.session(t)
	b := f.session(t)

	_, err := a.Overwrite(ctx, "f", strings.NewReader("v2"))
	require.NoError(t, err)
	mustCommit(t, a)

	stale, err := b.GetFile(ctx, "f")
	require.NoError(t, err)
	require.NoError(t, b.DeleteFile(ctx, stale))
	mustCommit(t, b)

	// The delete targeted a revision that no longer exists; the new one survives.
	reader := f.session(t)
	got, err := reader.GetFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "v2", mustRead(t, reader, got))
}

func TestCommitRacingWriter(t *testing.T) {
	f := newFixture(t)
	faulty := &faultyBackend{Backend: f.backend}
	f.wrapped = faulty

	a := f.session(t)
	b := f.session(t)

	mustUpload(t, a, "mine", "a")
	faulty.onNextConditionalUpload(func() {
		mustUpload(t, b, "theirs", "b")
		mustCommit(t, b)
	})
	mustCommit(t, a)

	assert.ElementsMatch(t, []string{"mine", "theirs"}, fileNames(t, a))
	assert.ElementsMatch(t, []string{"mine", "theirs"}, fileNames(t, f.session(t)))
	assert.Equal(t, 1, f.metrics.snapshot().merges)
}

func TestFailedUploadKeepsChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	faulty := &faultyBackend{Backend: f.backend}
	f.wrapped = faulty
	nav := f.session(t)

	mustUpload(t, nav, "a", "content")
	faulty.setUploadErr(errors.New("backend unavailable"))

	err := nav.Commit(ctx)
	require.Error(t, err)
	assert.True(t, metadata.HasCode(err, metadata.ErrIOFailure), "got %v", err)
	assert.False(t, nav.IsUnmodified(), "the change log survives a failed commit")
	assert.Empty(t, fileNames(t, f.session(t)))

	faulty.setUploadErr(nil)
	require.NoError(t, nav.Commit(ctx))
	assert.True(t, nav.IsUnmodified())
	assert.Equal(t, []string{"a"}, fileNames(t, f.session(t)))
	assert.Equal(t, 1, f.metrics.snapshot().failures)
}

func TestFailedTombstoneDeleteIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	faulty := &faultyBackend{Backend: f.backend}
	f.wrapped = faulty
	nav := f.session(t)

	old := mustUpload(t, nav, "a", "v1")
	mustCommit(t, nav)
	_, err := nav.Overwrite(ctx, "a", strings.NewReader("v2"))
	require.NoError(t, err)

	faulty.setDeleteErr(errors.New("delete refused"))
	require.Error(t, nav.Commit(ctx))

	// The snapshot itself was published.
	reader := f.session(t)
	got, err := reader.GetFile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", mustRead(t, reader, got))
	assert.True(t, f.backend.Exists(blob.BlockName(old.Block)))

	faulty.setDeleteErr(nil)
	require.NoError(t, nav.Commit(ctx))
	assert.False(t, f.backend.Exists(blob.BlockName(old.Block)))
	assert.True(t, nav.IsUnmodified())
}

func TestDeleteBlobsIgnoresMissing(t *testing.T) {
	f := newFixture(t)
	nav := f.session(t)

	require.NoError(t, nav.deleteBlobs(context.Background(), []string{
		blob.BlockName("never-uploaded"),
		blob.BlockName("also-missing"),
	}))
	assert.Equal(t, 2, f.metrics.snapshot().tombstones)
}

func TestCommitIfChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nav := f.session(t)

	before, err := nav.Metadata().Version(ctx)
	require.NoError(t, err)
	require.NoError(t, nav.CommitIfChanged(ctx))
	after, err := nav.Metadata().Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "nothing to commit")

	mustUpload(t, nav, "a", "x")
	require.NoError(t, nav.CommitIfChanged(ctx))
	after, err = nav.Metadata().Version(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, 1, f.metrics.snapshot().commits["index"])
}

func TestCommitFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nav := f.session(t)

	folder, err := nav.CreateFolder(ctx, "x")
	require.NoError(t, err)
	child, err := nav.Navigate(ctx, folder)
	require.NoError(t, err)
	assert.False(t, child.IsIndex())

	mustUpload(t, child, "y", "y")
	mustCommit(t, child)
	assert.Equal(t, 1, f.metrics.snapshot().commits["folder"])
	assert.False(t, nav.IsUnmodified(), "committing a child does not commit the parent")
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.session(t)
	b := f.session(t)

	changes, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	mustUpload(t, b, "remote", "r")
	mustCommit(t, b)
	mustUpload(t, a, "pending", "p")

	changes, err = a.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1, "pending local changes are not reported")
	created, ok := changes[0].(*CreateFileChange)
	require.True(t, ok, "got %T", changes[0])
	assert.Equal(t, "remote", created.File.Name)
	assert.ElementsMatch(t, []string{"remote", "pending"}, fileNames(t, a))
	assert.False(t, a.IsUnmodified(), "pending changes still need a commit")

	changes, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	mustCommit(t, a)
	assert.ElementsMatch(t, []string{"remote", "pending"}, fileNames(t, f.session(t)))
}

func TestRefreshReportsRemoteChanges(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		base := f.session(t)
		mustUpload(t, base, "keep", "k")
		mustUpload(t, base, "gone", "g")
		mustUpload(t, base, "edit", "v1")
		_, err := base.CreateFolder(ctx, "old")
		require.NoError(t, err)
		mustCommit(t, base)

		a := f.session(t)
		b := f.session(t)
		bob, _ := newRecipient(t, f)

		gone, err := b.GetFile(ctx, "gone")
		require.NoError(t, err)
		require.NoError(t, b.DeleteFile(ctx, gone))
		_, err = b.Overwrite(ctx, "edit", strings.NewReader("v2"))
		require.NoError(t, err)
		mustUpload(t, b, "new", "n")
		_, err = b.CreateFolder(ctx, "fresh")
		require.NoError(t, err)
		old, err := b.GetFolder(ctx, "old")
		require.NoError(t, err)
		require.NoError(t, b.DeleteFolder(ctx, old))
		keep, err := b.GetFile(ctx, "keep")
		require.NoError(t, err)
		link, err := b.Share(ctx, keep, bob.Public)
		require.NoError(t, err)
		mustCommit(t, b)

		changes, err := a.Refresh(ctx)
		require.NoError(t, err)
		described := make([]string, 0, len(changes))
		for _, c := range changes {
			described = append(described, Describe(c))
		}
		assert.ElementsMatch(t, []string{
			"delete_folder old",
			"create_folder fresh",
			"delete_file gone",
			"create_file new",
			"update_file edit",
			"update_file keep",
			"insert_share " + link.MetaRef + " to " + bob.Public.Hex(),
		}, described)

		for _, c := range changes {
			if u, ok := c.(*UpdateFileChange); ok && u.New.Name == "keep" {
				assert.False(t, u.Old.IsShared())
				assert.Equal(t, link.MetaRef, u.New.MetaRef)
				assert.Equal(t, u.Old.Block, u.New.Block, "sharing keeps the block")
			}
		}

		// Unsharing shows up as the reverse transition.
		_, err = b.Unshare(ctx, keep)
		require.NoError(t, err)
		mustCommit(t, b)

		changes, err = a.Refresh(ctx)
		require.NoError(t, err)
		described = described[:0]
		for _, c := range changes {
			described = append(described, Describe(c))
		}
		assert.ElementsMatch(t, []string{
			"update_file keep",
			"delete_share " + link.MetaRef + " from " + bob.Public.Hex(),
		}, described)
	})
}

func TestRefreshDeletedIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nav := f.session(t)

	require.NoError(t, f.backend.Delete(ctx, nav.Ref()))
	_, err := nav.Refresh(ctx)
	assert.True(t, metadata.IsNotFound(err), "got %v", err)
}

func TestCreateThenDeleteRacingSameName(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		a := f.session(t)
		b := f.session(t)

		created := mustUpload(t, a, "f", "from-a")
		require.NoError(t, a.DeleteFile(ctx, created))
		mustUpload(t, b, "f", "from-b")
		mustCommit(t, b)
		mustCommit(t, a)

		for _, nav := range []*Navigation{a, f.session(t)} {
			assert.Equal(t, []string{"f"}, fileNames(t, nav), "the deleted file does not come back")
			assertConsistent(t, nav)
			got, err := nav.GetFile(ctx, "f")
			require.NoError(t, err)
			assert.Equal(t, "from-b", mustRead(t, nav, got))
		}
		assert.False(t, f.backend.Exists(blob.BlockName(created.Block)))
	})
}

func TestCreateThenOverwriteRacingSameName(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		a := f.session(t)
		b := f.session(t)

		first := mustUpload(t, a, "f", "a-v1")
		_, err := a.Overwrite(ctx, "f", strings.NewReader("a-v2"))
		require.NoError(t, err)
		mustUpload(t, b, "f", "from-b")
		mustCommit(t, b)
		mustCommit(t, a)

		reader := f.session(t)
		assert.ElementsMatch(t, []string{"f", "f" + ConflictSuffix}, fileNames(t, reader))
		assertConsistent(t, reader)
		assertConsistent(t, a)

		kept, err := reader.GetFile(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, "from-b", mustRead(t, reader, kept))
		renamed, err := reader.GetFile(ctx, "f"+ConflictSuffix)
		require.NoError(t, err)
		assert.Equal(t, "a-v2", mustRead(t, reader, renamed), "the latest local revision survives the rename")
		assert.False(t, f.backend.Exists(blob.BlockName(first.Block)))
	})
}

func TestConcurrentOverwriteOfSharedFile(t *testing.T) {
	forEachFactory(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		base := f.session(t)
		file := mustUpload(t, base, "f", "v1")
		mustCommit(t, base)
		bob, bobVolume := newRecipient(t, f)
		link, err := base.Share(ctx, file, bob.Public)
		require.NoError(t, err)
		mustCommit(t, base)

		a := f.session(t)
		b := f.session(t)
		_, err = a.Overwrite(ctx, "f", strings.NewReader("from-a"))
		require.NoError(t, err)
		_, err = b.Overwrite(ctx, "f", strings.NewReader("from-b"))
		require.NoError(t, err)
		mustCommit(t, b)
		mustCommit(t, a)

		reader := f.session(t)
		assert.ElementsMatch(t, []string{"f", "f" + ConflictSuffix}, fileNames(t, reader))
		assertConsistent(t, reader)

		owner, err := reader.GetFile(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, link.MetaRef, owner.MetaRef)
		assert.Equal(t, "from-b", mustRead(t, reader, owner))
		renamed, err := reader.GetFile(ctx, "f"+ConflictSuffix)
		require.NoError(t, err)
		assert.False(t, renamed.IsShared(), "the renamed revision is not shared")

		meta, err := bobVolume.ReadShare(ctx, link)
		require.NoError(t, err)
		assert.Equal(t, owner.Block, meta.Block)
		assert.Equal(t, "from-b", readShared(t, bobVolume, meta))
	})
}

func TestShareOfRenamedCreateFollowsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.session(t)
	b := f.session(t)
	bob, bobVolume := newRecipient(t, f)

	created := mustUpload(t, a, "f", "from-a")
	mustUpload(t, b, "f", "from-b")
	mustCommit(t, b)

	// Sharing commits the index, which replays the create onto b's snapshot.
	link, err := a.Share(ctx, created, bob.Public)
	require.NoError(t, err)
	assert.True(t, a.IsUnmodified())

	reader := f.session(t)
	assertConsistent(t, reader)
	renamed, err := reader.GetFile(ctx, "f"+ConflictSuffix)
	require.NoError(t, err)
	assert.Equal(t, link.MetaRef, renamed.MetaRef)
	kept, err := reader.GetFile(ctx, "f")
	require.NoError(t, err)
	assert.False(t, kept.IsShared())

	shares, err := reader.ListShares(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, link.MetaRef, shares[0].Ref)

	meta, err := bobVolume.ReadShare(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, renamed.Block, meta.Block)
	assert.Equal(t, "from-a", readShared(t, bobVolume, meta))
}

func TestShareDroppedByMergeIsRevoked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := f.session(t)
	folder, err := base.CreateFolder(ctx, "docs")
	require.NoError(t, err)
	mustCommit(t, base)

	a := f.session(t)
	b := f.session(t)
	bob, bobVolume := newRecipient(t, f)

	// a shares a file b deletes concurrently; the share update no longer
	// matches anything once replayed.
	aFolder, err := a.Navigate(ctx, folder)
	require.NoError(t, err)
	inner := mustUpload(t, aFolder, "inner", "shared soon")
	mustCommit(t, aFolder)

	bFolder, err := b.Navigate(ctx, folder)
	require.NoError(t, err)
	staleInner, err := bFolder.GetFile(ctx, "inner")
	require.NoError(t, err)

	link, err := aFolder.Share(ctx, inner, bob.Public)
	require.NoError(t, err)
	require.NoError(t, bFolder.DeleteFile(ctx, staleInner))
	mustCommit(t, bFolder)
	mustCommit(t, aFolder)

	assert.Empty(t, fileNames(t, aFolder))
	shares, err := f.session(t).ListShares(ctx)
	require.NoError(t, err)
	assert.Empty(t, shares, "a link to a file that lost the merge is revoked")
	assert.False(t, f.backend.Exists(link.MetaRef))

	_, err = bobVolume.ReadShare(ctx, link)
	assert.True(t, metadata.IsNotFound(err), "got %v", err)
}

func TestLiveTombstonesKeepReferencedBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nav := f.session(t)

	file := mustUpload(t, nav, "a", "a")
	folder, err := nav.CreateFolder(ctx, "d")
	require.NoError(t, err)

	live, err := nav.liveTombstones(ctx, []string{
		blob.BlockName(file.Block),
		folder.Ref,
		blob.BlockName("orphan"),
		blob.BlockName("orphan"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{blob.BlockName("orphan")}, live)
}
