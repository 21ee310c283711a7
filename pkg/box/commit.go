package box

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"golang.org/x/sync/errgroup"
)

const (
	// maxCommitAttempts bounds the fetch/merge/upload loop when other
	// writers keep winning the compare-and-swap.
	maxCommitAttempts = 32

	// tombstoneConcurrency bounds parallel blob deletes after a commit.
	tombstoneConcurrency = 8
)

var errTooManyConflicts = errors.New("too many concurrent commits")

type remoteState int

const (
	remoteAbsent remoteState = iota
	remoteUnmodified
	remoteFetched
)

// fetchRemote downloads the remote snapshot unless it still has the hash
// this session last saw.
func (n *Navigation) fetchRemote(ctx context.Context) (remoteState, metadata.MetadataStore, string, error) {
	d, err := n.env.backend.DownloadIfModified(ctx, n.ref, n.lastHash)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		return remoteAbsent, nil, "", nil
	case errors.Is(err, blob.ErrUnmodified):
		return remoteUnmodified, nil, n.lastHash, nil
	case err != nil:
		return 0, nil, "", toStoreError(n.ref, err)
	}
	defer d.Body.Close()

	store, err := n.codec.decode(ctx, n.ref, d.Body)
	if err != nil {
		return 0, nil, "", toStoreError(n.ref, err)
	}
	return remoteFetched, store, d.Hash, nil
}

// adopt replays the ChangeLog onto remote and makes it the local snapshot.
// remote is closed on failure. With detect set, it returns what changed
// between the superseded local snapshot and the adopted one.
func (n *Navigation) adopt(ctx context.Context, remote metadata.MetadataStore, hash string, detect bool) ([]Change, error) {
	remoteVersion, err := remote.Version(ctx)
	if err != nil {
		_ = remote.Close()
		return nil, toStoreError(n.ref, err)
	}

	deleted, err := n.log.Replay(ctx, remote)
	if err != nil {
		_ = remote.Close()
		return nil, toStoreError(n.ref, err)
	}

	var changes []Change
	if detect {
		if changes, err = Diff(ctx, n.store, remote); err != nil {
			_ = remote.Close()
			return nil, toStoreError(n.ref, err)
		}
	}

	if err := n.store.Close(); err != nil {
		logger.Warn("box: close superseded snapshot of %s: %v", n.ref, err)
	}
	n.store = remote
	n.log.SetMerged(deleted)
	n.knownVersion = remoteVersion
	n.lastHash = hash

	n.env.metrics.RecordMerge(n.kindName(), n.log.Len())
	logger.Info("box: merged %d change(s) onto remote %s", n.log.Len(), n.ref)
	return changes, nil
}

// Commit publishes the local snapshot.
//
// The remote snapshot is fetched conditionally. If another writer committed
// since this session last synchronized, the recorded changes are replayed on
// top of the remote snapshot, which then replaces the local one. The upload
// is a compare-and-swap on the remote hash; losing the race restarts from
// the fetch. Blobs orphaned by the committed changes are deleted afterwards.
//
// On error the ChangeLog is left as it was, so Commit can be retried.
func (n *Navigation) Commit(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	return n.commitLocked(ctx)
}

// CommitIfChanged commits only when there are recorded changes.
func (n *Navigation) CommitIfChanged(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	return n.commitIfChangedLocked(ctx)
}

func (n *Navigation) commitIfChangedLocked(ctx context.Context) error {
	if n.log.IsEmpty() {
		return nil
	}
	return n.commitLocked(ctx)
}

func (n *Navigation) commitLocked(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		n.env.metrics.ObserveCommit(n.kindName(), outcome, time.Since(start))
	}()

	// ========================================================================
	// Step 1: Advance the local version
	// ========================================================================

	if err := n.store.BumpVersion(ctx); err != nil {
		return toStoreError(n.ref, err)
	}

	var uploaded *blob.UploadResult
	for attempt := 0; uploaded == nil; attempt++ {
		if attempt == maxCommitAttempts {
			return metadata.NewError(metadata.ErrIOFailure, n.ref, errTooManyConflicts)
		}

		// ====================================================================
		// Step 2: Fetch the remote snapshot if it changed
		// ====================================================================

		state, remote, hash, err := n.fetchRemote(ctx)
		if err != nil {
			return err
		}

		// ====================================================================
		// Step 3: Merge when another writer committed
		// ====================================================================

		switch state {
		case remoteAbsent:
			n.lastHash = ""
		case remoteFetched:
			remoteVersion, err := remote.Version(ctx)
			if err != nil {
				_ = remote.Close()
				return toStoreError(n.ref, err)
			}
			if bytes.Equal(remoteVersion, n.knownVersion) {
				_ = remote.Close()
				n.lastHash = hash
				break
			}
			if _, err := n.adopt(ctx, remote, hash, false); err != nil {
				return err
			}
			if err := n.store.BumpVersion(ctx); err != nil {
				return toStoreError(n.ref, err)
			}
		}

		// ====================================================================
		// Step 4: Compare-and-swap upload
		// ====================================================================

		sealed, err := n.codec.encode(ctx, n.store)
		if err != nil {
			return toStoreError(n.ref, err)
		}
		uploaded, err = n.env.backend.UploadIfMatch(ctx, n.ref, bytes.NewReader(sealed), n.lastHash)
		if errors.Is(err, blob.ErrModified) {
			logger.Debug("box: %s changed during commit, retrying (attempt %d)", n.ref, attempt+1)
			uploaded = nil
			continue
		}
		if err != nil {
			return toStoreError(n.ref, err)
		}
	}

	version, err := n.store.Version(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	n.lastHash = uploaded.Hash
	n.knownVersion = version

	// ========================================================================
	// Step 5: Point FileMetadata at the committed entries
	// ========================================================================

	unowned, err := n.syncFileMetadataLocked(ctx, n.log.SharedRefs())
	if err != nil {
		return err
	}

	// ========================================================================
	// Step 6: Delete orphaned blobs the committed snapshot does not use
	// ========================================================================

	tombstones, err := n.liveTombstones(ctx, append(n.log.Tombstones(), unowned...))
	if err != nil {
		return err
	}
	if err := n.deleteBlobs(ctx, tombstones); err != nil {
		return err
	}

	// ========================================================================
	// Step 7: Forget the committed changes
	// ========================================================================

	logger.Debug("box: committed %s (%d change(s), %d tombstone(s))", n.ref, n.log.Len(), len(tombstones))
	n.log.Clear()

	// Links whose file did not survive the merge must not outlive it.
	for _, ref := range unowned {
		if err := n.index.revokeSharesLocked(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// liveTombstones drops names the local snapshot still references. A replay
// can keep a blob alive that a recorded change had orphaned locally.
func (n *Navigation) liveTombstones(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	referenced := make(map[string]struct{})
	files, err := n.store.ListFiles(ctx)
	if err != nil {
		return nil, toStoreError(n.ref, err)
	}
	for _, f := range files {
		referenced[blob.BlockName(f.Block)] = struct{}{}
		if f.MetaRef != "" {
			referenced[f.MetaRef] = struct{}{}
		}
	}
	folders, err := n.store.ListFolders(ctx)
	if err != nil {
		return nil, toStoreError(n.ref, err)
	}
	for _, f := range folders {
		referenced[f.Ref] = struct{}{}
	}

	live := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := referenced[name]; ok {
			logger.Debug("box: keeping %s, still referenced by %s", name, n.ref)
			continue
		}
		if !slices.Contains(live, name) {
			live = append(live, name)
		}
	}
	return live, nil
}

// deleteBlobs removes names concurrently. Blobs that are already gone are
// not an error.
func (n *Navigation) deleteBlobs(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tombstoneConcurrency)
	for _, name := range names {
		g.Go(func() error {
			err := n.env.backend.Delete(gctx, name)
			if err != nil && !errors.Is(err, blob.ErrNotFound) {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return toStoreError(n.ref, err)
	}

	n.env.metrics.RecordTombstones(len(names))
	return nil
}

// Refresh pulls the remote snapshot without publishing anything. When it
// changed, pending changes are replayed onto it and it becomes the local
// snapshot.
//
// The returned changes describe how the local snapshot moved, as the
// commands that would have produced it: folders and files added or removed,
// files replaced, shared or unshared, and index shares granted or revoked.
// They are informational; applying them again is not required. An empty
// result means nothing visible changed.
func (n *Navigation) Refresh(ctx context.Context) ([]Change, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	state, remote, hash, err := n.fetchRemote(ctx)
	if err != nil {
		return nil, err
	}

	switch state {
	case remoteAbsent:
		if n.lastHash != "" {
			return nil, metadata.NewNotFoundError(n.ref)
		}
		return nil, nil
	case remoteUnmodified:
		return nil, nil
	}

	remoteVersion, err := remote.Version(ctx)
	if err != nil {
		_ = remote.Close()
		return nil, toStoreError(n.ref, err)
	}
	if bytes.Equal(remoteVersion, n.knownVersion) {
		_ = remote.Close()
		n.lastHash = hash
		return nil, nil
	}
	return n.adopt(ctx, remote, hash, true)
}
