package box

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// Navigation is a session over one folder snapshot: the index or a
// subfolder.
//
// Mutations are applied to the local snapshot immediately and recorded in
// the ChangeLog; Commit publishes them. Lookups and listings only read the
// local snapshot.
//
// Thread Safety:
// Safe for concurrent use. All Navigations derived from one index share a
// single lock, because operations cross session boundaries: deleting a
// folder drives its children, and sharing a file updates the index.
type Navigation struct {
	mu *sync.Mutex

	env   *environment
	codec codec
	ref   string

	// index is the explicit handle to the root session. It points at the
	// Navigation itself for the index.
	index *Navigation

	store metadata.MetadataStore
	log   *ChangeLog

	// knownVersion is the last version known to equal the remote snapshot;
	// lastHash is the backend hash of that snapshot ("" if none was seen).
	knownVersion []byte
	lastHash     string

	children map[string]*Navigation

	autocommit bool
	delay      time.Duration
	timer      *time.Timer
	generation uint64

	closed bool
}

func newNavigation(env *environment, mu *sync.Mutex, c codec, ref string, index *Navigation, store metadata.MetadataStore, hash string) (*Navigation, error) {
	version, err := store.Version(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, toStoreError(ref, err)
	}
	n := &Navigation{
		mu:           mu,
		env:          env,
		codec:        c,
		ref:          ref,
		index:        index,
		store:        store,
		log:          NewChangeLog(),
		knownVersion: version,
		lastHash:     hash,
		children:     make(map[string]*Navigation),
		autocommit:   env.autocommit,
		delay:        env.delay,
	}
	if n.index == nil {
		n.index = n
	}
	return n, nil
}

func newIndexNavigation(env *environment, ref string, store metadata.MetadataStore, hash string) (*Navigation, error) {
	return newNavigation(env, &sync.Mutex{}, indexCodec(env), ref, nil, store, hash)
}

// Ref returns the blob name of this snapshot.
func (n *Navigation) Ref() string {
	return n.ref
}

// IsIndex reports whether this is the root session.
func (n *Navigation) IsIndex() bool {
	return n.index == n
}

func (n *Navigation) kindName() string {
	if n.IsIndex() {
		return "index"
	}
	return "folder"
}

func (n *Navigation) checkOpen() error {
	if n.closed {
		return metadata.NewError(metadata.ErrIOFailure, n.ref, fmt.Errorf("navigation closed"))
	}
	return nil
}

// apply performs c on the local snapshot and records it.
func (n *Navigation) apply(ctx context.Context, c Change) (Result, error) {
	res, err := c.Apply(ctx, n.store)
	if err != nil {
		return Result{}, err
	}
	n.log.Record(c)
	n.log.Tombstone(res.Deleted...)
	return res, nil
}

// ============================================================================
// Listing and Lookup
// ============================================================================

func (n *Navigation) ListFiles(ctx context.Context) ([]*metadata.FileEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	files, err := n.store.ListFiles(ctx)
	return files, toStoreError(n.ref, err)
}

func (n *Navigation) ListFolders(ctx context.Context) ([]*metadata.FolderEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	folders, err := n.store.ListFolders(ctx)
	return folders, toStoreError(n.ref, err)
}

func (n *Navigation) ListExternals(ctx context.Context) ([]*metadata.ExternalEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	externals, err := n.store.ListExternals(ctx)
	return externals, toStoreError(n.ref, err)
}

// ListShares lists the shares recorded in this snapshot. Only the index
// holds shares.
func (n *Navigation) ListShares(ctx context.Context) ([]metadata.ShareEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	shares, err := n.store.ListShares(ctx)
	return shares, toStoreError(n.ref, err)
}

func (n *Navigation) GetFile(ctx context.Context, name string) (*metadata.FileEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	file, err := n.store.GetFile(ctx, name)
	return file, toStoreError(name, err)
}

func (n *Navigation) GetFolder(ctx context.Context, name string) (*metadata.FolderEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	folder, err := n.store.GetFolder(ctx, name)
	return folder, toStoreError(name, err)
}

func (n *Navigation) HasFile(ctx context.Context, name string) (bool, error) {
	return n.hasKind(ctx, name, metadata.NameKindFile)
}

func (n *Navigation) HasFolder(ctx context.Context, name string) (bool, error) {
	return n.hasKind(ctx, name, metadata.NameKindFolder)
}

func (n *Navigation) hasKind(ctx context.Context, name string, want metadata.NameKind) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return false, err
	}
	kind, err := n.store.NameKind(ctx, name)
	if err != nil {
		return false, toStoreError(name, err)
	}
	return kind == want, nil
}

func (n *Navigation) ensureFree(ctx context.Context, name string) error {
	kind, err := n.store.NameKind(ctx, name)
	if err != nil {
		return toStoreError(name, err)
	}
	if kind != metadata.NameKindNone {
		return metadata.NewNameConflictError(name)
	}
	return nil
}

// ============================================================================
// Files
// ============================================================================

// Upload stores content as a new file called name.
func (n *Navigation) Upload(ctx context.Context, name string, content io.Reader) (*metadata.FileEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	if err := n.ensureFree(ctx, name); err != nil {
		return nil, err
	}

	file, err := uploadBlock(ctx, n.env, name, content)
	if err != nil {
		return nil, err
	}

	res, err := n.apply(ctx, &CreateFileChange{File: file})
	if err != nil {
		n.dropBlock(ctx, file.Block)
		return nil, toStoreError(name, err)
	}

	logger.Info("box: uploaded %s in %s", name, n.ref)
	return res.File, n.autocommitLocked(ctx)
}

// Overwrite replaces the content of an existing file. The new revision gets
// a fresh key and block. Share fields are carried over; the FileMetadata is
// rewritten once the change is committed.
func (n *Navigation) Overwrite(ctx context.Context, name string, content io.Reader) (*metadata.FileEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	old, err := n.store.GetFile(ctx, name)
	if err != nil {
		return nil, toStoreError(name, err)
	}

	next, err := uploadBlock(ctx, n.env, name, content)
	if err != nil {
		return nil, err
	}
	next.MetaRef = old.MetaRef
	if old.MetaKey != nil {
		k := *old.MetaKey
		next.MetaKey = &k
	}

	res, err := n.apply(ctx, &UpdateFileChange{Old: old, New: next})
	if err != nil {
		n.dropBlock(ctx, next.Block)
		return nil, toStoreError(name, err)
	}

	logger.Info("box: overwrote %s in %s", name, n.ref)
	return res.File, n.autocommitLocked(ctx)
}

// dropBlock removes a block that never made it into a snapshot.
func (n *Navigation) dropBlock(ctx context.Context, block string) {
	if err := n.env.backend.Delete(ctx, blob.BlockName(block)); err != nil {
		logger.Warn("box: remove unreferenced block %s: %v", block, err)
	}
}

// Download returns the decrypted content of file. The caller must Close the
// reader, which removes the scratch plaintext.
func (n *Navigation) Download(ctx context.Context, file *metadata.FileEntry) (io.ReadCloser, error) {
	n.mu.Lock()
	if err := n.checkOpen(); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	env := n.env
	n.mu.Unlock()

	return downloadBlock(ctx, env, file.Name, file.Block, file.Key)
}

// DeleteFile removes file. Removing a shared file also revokes its shares
// and deletes its FileMetadata.
func (n *Navigation) DeleteFile(ctx context.Context, file *metadata.FileEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	if err := n.deleteFileLocked(ctx, file); err != nil {
		return err
	}
	return n.autocommitLocked(ctx)
}

func (n *Navigation) deleteFileLocked(ctx context.Context, file *metadata.FileEntry) error {
	current, err := n.store.GetFile(ctx, file.Name)
	if err != nil {
		return toStoreError(file.Name, err)
	}

	if _, err := n.apply(ctx, &DeleteFileChange{File: current}); err != nil {
		return toStoreError(file.Name, err)
	}
	if current.IsShared() {
		if err := n.index.revokeSharesLocked(ctx, current.MetaRef); err != nil {
			return err
		}
	}

	logger.Info("box: deleted %s from %s", file.Name, n.ref)
	return nil
}

// ============================================================================
// Folders
// ============================================================================

// CreateFolder creates an empty subfolder. Its snapshot is uploaded right
// away so the folder is navigable once the parent commits.
func (n *Navigation) CreateFolder(ctx context.Context, name string) (*metadata.FolderEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	if err := n.ensureFree(ctx, name); err != nil {
		return nil, err
	}

	key, err := n.env.provider.GenerateSymmetricKey()
	if err != nil {
		return nil, toStoreError(name, err)
	}
	folder := &metadata.FolderEntry{Ref: uuid.NewString(), Name: name, Key: key}

	// ========================================================================
	// Step 1: Upload the empty child snapshot
	// ========================================================================

	store, err := n.env.factory.Create(ctx, folder.Ref, n.env.device)
	if err != nil {
		return nil, toStoreError(name, err)
	}
	c := folderCodec(n.env, key)
	sealed, err := c.encode(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, toStoreError(name, err)
	}
	uploaded, err := n.env.backend.UploadIfMatch(ctx, folder.Ref, bytes.NewReader(sealed), "")
	if err != nil {
		_ = store.Close()
		return nil, toStoreError(name, err)
	}

	child, err := newNavigation(n.env, n.mu, c, folder.Ref, n.index, store, uploaded.Hash)
	if err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Record the folder in this snapshot
	// ========================================================================

	res, err := n.apply(ctx, &CreateFolderChange{Folder: folder})
	if err != nil {
		child.closeLocked()
		return nil, toStoreError(name, err)
	}
	n.children[folder.Ref] = child

	logger.Info("box: created folder %s in %s", name, n.ref)
	return res.Folder, n.autocommitLocked(ctx)
}

// Navigate opens a subfolder. Sessions are cached per ref, so navigating
// the same folder twice returns the same Navigation. A missing snapshot or
// a wrong key is reported as ErrNotFound.
func (n *Navigation) Navigate(ctx context.Context, folder *metadata.FolderEntry) (*Navigation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	return n.navigateLocked(ctx, folder)
}

func (n *Navigation) navigateLocked(ctx context.Context, folder *metadata.FolderEntry) (*Navigation, error) {
	if child, ok := n.children[folder.Ref]; ok {
		return child, nil
	}

	d, err := n.env.backend.Download(ctx, folder.Ref)
	if err != nil {
		return nil, toStoreError(folder.Name, err)
	}
	defer d.Body.Close()

	c := folderCodec(n.env, folder.Key)
	store, err := c.decode(ctx, folder.Ref, d.Body)
	if err != nil {
		return nil, notFoundOnDecrypt(folder.Name, err)
	}

	child, err := newNavigation(n.env, n.mu, c, folder.Ref, n.index, store, d.Hash)
	if err != nil {
		return nil, err
	}
	n.children[folder.Ref] = child
	return child, nil
}

// DeleteFolder removes folder and everything below it. The contents are
// deleted and committed in the child first; the child snapshot itself is
// tombstoned in this session.
func (n *Navigation) DeleteFolder(ctx context.Context, folder *metadata.FolderEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	if err := n.deleteFolderLocked(ctx, folder); err != nil {
		return err
	}
	return n.autocommitLocked(ctx)
}

func (n *Navigation) deleteFolderLocked(ctx context.Context, folder *metadata.FolderEntry) error {
	current, err := n.store.GetFolder(ctx, folder.Name)
	if err != nil {
		return toStoreError(folder.Name, err)
	}

	child, err := n.navigateLocked(ctx, current)
	switch {
	case metadata.IsNotFound(err):
		logger.Warn("box: snapshot of %s is gone, removing entry only", current.Name)
	case err != nil:
		return err
	default:
		if err := child.clearLocked(ctx); err != nil {
			return err
		}
		child.closeLocked()
		delete(n.children, current.Ref)
	}

	if _, err := n.apply(ctx, &DeleteFolderChange{Folder: current}); err != nil {
		return toStoreError(folder.Name, err)
	}

	logger.Info("box: deleted folder %s from %s", current.Name, n.ref)
	return nil
}

// clearLocked deletes every entry of this session recursively and commits.
func (n *Navigation) clearLocked(ctx context.Context) error {
	files, err := n.store.ListFiles(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	for _, f := range files {
		if err := n.deleteFileLocked(ctx, f); err != nil {
			return err
		}
	}

	folders, err := n.store.ListFolders(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	for _, f := range folders {
		if err := n.deleteFolderLocked(ctx, f); err != nil {
			return err
		}
	}

	return n.commitIfChangedLocked(ctx)
}

// ============================================================================
// Visiting
// ============================================================================

// VisitFunc is called for every entry below a Navigation. Exactly one of
// file and folder is set. path is slash separated and relative to the
// starting folder.
type VisitFunc func(path string, file *metadata.FileEntry, folder *metadata.FolderEntry) error

// Visit walks files and folders depth first, files of a folder before its
// subfolders.
func (n *Navigation) Visit(ctx context.Context, fn VisitFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	return n.visitLocked(ctx, "", fn)
}

func (n *Navigation) visitLocked(ctx context.Context, prefix string, fn VisitFunc) error {
	files, err := n.store.ListFiles(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	for _, f := range files {
		if err := fn(prefix+f.Name, f, nil); err != nil {
			return err
		}
	}

	folders, err := n.store.ListFolders(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	for _, f := range folders {
		path := prefix + f.Name
		if err := fn(path, nil, f); err != nil {
			return err
		}
		child, err := n.navigateLocked(ctx, f)
		if err != nil {
			return err
		}
		if err := child.visitLocked(ctx, path+"/", fn); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Snapshot Access
// ============================================================================

// IsUnmodified reports whether there is nothing to commit.
func (n *Navigation) IsUnmodified() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.IsEmpty()
}

// Metadata returns the local snapshot. It stays owned by the Navigation.
func (n *Navigation) Metadata() metadata.MetadataStore {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store
}

// SetMetadata replaces the local snapshot and treats its version as the
// last one seen remotely. Recorded changes are kept and will be replayed if
// the next commit finds a different remote version.
func (n *Navigation) SetMetadata(ctx context.Context, store metadata.MetadataStore) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return err
	}
	version, err := store.Version(ctx)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	if store != n.store {
		if err := n.store.Close(); err != nil {
			logger.Warn("box: close replaced snapshot of %s: %v", n.ref, err)
		}
	}
	n.store = store
	n.knownVersion = version
	return nil
}

// HasVersionChanged reports whether other carries a different version than
// the local snapshot.
func (n *Navigation) HasVersionChanged(ctx context.Context, other metadata.MetadataStore) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return false, err
	}
	mine, err := n.store.Version(ctx)
	if err != nil {
		return false, toStoreError(n.ref, err)
	}
	theirs, err := other.Version(ctx)
	if err != nil {
		return false, toStoreError(other.FileName(), err)
	}
	return !bytes.Equal(mine, theirs), nil
}

// Close stops pending autocommits and releases the snapshots of this
// session and its cached children. Uncommitted changes are discarded.
func (n *Navigation) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked()
	return nil
}

func (n *Navigation) closeLocked() {
	if n.closed {
		return
	}
	n.closed = true
	n.generation++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	for ref, child := range n.children {
		child.closeLocked()
		delete(n.children, ref)
	}
	if err := n.store.Close(); err != nil {
		logger.Warn("box: close snapshot of %s: %v", n.ref, err)
	}
}
