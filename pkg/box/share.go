package box

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// FileMetadata is the detached, separately keyed description of a shared
// file. It is all a recipient needs to locate and decrypt the content.
type FileMetadata struct {
	Owner  crypto.PublicKey
	Prefix string
	Block  string
	Name   string
	Size   int64
	MTime  int64
	Key    crypto.SymmetricKey
}

type fileMetadataWire struct {
	Owner  []byte `cbor:"1,keyasint"`
	Prefix string `cbor:"2,keyasint"`
	Block  string `cbor:"3,keyasint"`
	Name   string `cbor:"4,keyasint"`
	Size   int64  `cbor:"5,keyasint"`
	MTime  int64  `cbor:"6,keyasint"`
	Key    []byte `cbor:"7,keyasint"`
}

func fileMetadataOf(owner crypto.PublicKey, file *metadata.FileEntry) *FileMetadata {
	return &FileMetadata{
		Owner:  owner,
		Prefix: file.Prefix,
		Block:  file.Block,
		Name:   file.Name,
		Size:   file.Size,
		MTime:  file.MTime,
		Key:    file.Key,
	}
}

// MarshalBinary encodes the metadata as CBOR.
func (m *FileMetadata) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(fileMetadataWire{
		Owner:  m.Owner[:],
		Prefix: m.Prefix,
		Block:  m.Block,
		Name:   m.Name,
		Size:   m.Size,
		MTime:  m.MTime,
		Key:    m.Key[:],
	})
}

// UnmarshalBinary decodes CBOR produced by MarshalBinary.
func (m *FileMetadata) UnmarshalBinary(data []byte) error {
	var w fileMetadataWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	owner, err := crypto.PublicKeyFromBytes(w.Owner)
	if err != nil {
		return err
	}
	key, err := crypto.SymmetricKeyFromBytes(w.Key)
	if err != nil {
		return err
	}
	*m = FileMetadata{Owner: owner, Prefix: w.Prefix, Block: w.Block, Name: w.Name, Size: w.Size, MTime: w.MTime, Key: key}
	return nil
}

// ExternalReference is a share link. It is handed to the recipient out of
// band, typically as its CBOR encoding.
type ExternalReference struct {
	URL      string
	MetaRef  string
	MetaKey  crypto.SymmetricKey
	Owner    crypto.PublicKey
	Name     string
	IsFolder bool
}

type externalReferenceWire struct {
	URL      string `cbor:"1,keyasint"`
	MetaRef  string `cbor:"2,keyasint"`
	MetaKey  []byte `cbor:"3,keyasint"`
	Owner    []byte `cbor:"4,keyasint"`
	Name     string `cbor:"5,keyasint"`
	IsFolder bool   `cbor:"6,keyasint"`
}

// MarshalBinary encodes the link as CBOR.
func (r *ExternalReference) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(externalReferenceWire{
		URL:      r.URL,
		MetaRef:  r.MetaRef,
		MetaKey:  r.MetaKey[:],
		Owner:    r.Owner[:],
		Name:     r.Name,
		IsFolder: r.IsFolder,
	})
}

// UnmarshalBinary decodes CBOR produced by MarshalBinary.
func (r *ExternalReference) UnmarshalBinary(data []byte) error {
	var w externalReferenceWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	owner, err := crypto.PublicKeyFromBytes(w.Owner)
	if err != nil {
		return err
	}
	key, err := crypto.SymmetricKeyFromBytes(w.MetaKey)
	if err != nil {
		return err
	}
	*r = ExternalReference{URL: w.URL, MetaRef: w.MetaRef, MetaKey: key, Owner: owner, Name: w.Name, IsFolder: w.IsFolder}
	return nil
}

// ============================================================================
// FileMetadata Blobs
// ============================================================================

// writeFileMetadata (re)writes the FileMetadata of a shared file.
func (n *Navigation) writeFileMetadata(ctx context.Context, file *metadata.FileEntry) error {
	plain, err := fileMetadataOf(n.env.keys.Public, file).MarshalBinary()
	if err != nil {
		return toStoreError(file.Name, err)
	}
	var sealed bytes.Buffer
	if err := n.env.provider.EncryptAuthenticated(&sealed, bytes.NewReader(plain), *file.MetaKey); err != nil {
		return toStoreError(file.Name, err)
	}
	if _, err := n.env.backend.Upload(ctx, file.MetaRef, &sealed); err != nil {
		return toStoreError(file.Name, fmt.Errorf("upload file metadata: %w", err))
	}
	return nil
}

// syncFileMetadataLocked rewrites the FileMetadata behind each ref from the
// local entry that owns it, so links follow whichever write won the merge.
// Refs that no entry owns anymore are returned.
func (n *Navigation) syncFileMetadataLocked(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	files, err := n.store.ListFiles(ctx)
	if err != nil {
		return nil, toStoreError(n.ref, err)
	}
	owners := make(map[string]*metadata.FileEntry, len(files))
	for _, f := range files {
		if f.IsShared() {
			owners[f.MetaRef] = f
		}
	}

	var unowned []string
	for _, ref := range refs {
		owner, ok := owners[ref]
		if !ok {
			logger.Debug("box: %s no longer backs a file in %s", ref, n.ref)
			unowned = append(unowned, ref)
			continue
		}
		if err := n.writeFileMetadata(ctx, owner); err != nil {
			return nil, err
		}
	}
	return unowned, nil
}

func readFileMetadata(ctx context.Context, env *environment, metaRef string, metaKey crypto.SymmetricKey) (*FileMetadata, error) {
	d, err := env.backend.Download(ctx, metaRef)
	if err != nil {
		return nil, toStoreError(metaRef, err)
	}
	defer d.Body.Close()

	var plain bytes.Buffer
	if err := env.provider.DecryptAuthenticated(&plain, d.Body, metaKey); err != nil {
		return nil, toStoreError(metaRef, err)
	}
	var m FileMetadata
	if err := m.UnmarshalBinary(plain.Bytes()); err != nil {
		return nil, metadata.NewError(metadata.ErrCorruptMetadata, metaRef, err)
	}
	return &m, nil
}

// GetFileMetadata downloads the FileMetadata of a shared file.
func (n *Navigation) GetFileMetadata(ctx context.Context, file *metadata.FileEntry) (*FileMetadata, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	current, err := n.store.GetFile(ctx, file.Name)
	if err != nil {
		return nil, toStoreError(file.Name, err)
	}
	if !current.IsShared() {
		return nil, metadata.NewNotFoundError(file.Name + " (not shared)")
	}
	return readFileMetadata(ctx, n.env, current.MetaRef, *current.MetaKey)
}

// ============================================================================
// Sharing
// ============================================================================

// Share grants recipient read access to file and returns the link to hand
// over. The first share of a file creates its FileMetadata. Share changes
// are committed to the index immediately.
func (n *Navigation) Share(ctx context.Context, file *metadata.FileEntry, recipient crypto.PublicKey) (*ExternalReference, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	current, err := n.store.GetFile(ctx, file.Name)
	if err != nil {
		return nil, toStoreError(file.Name, err)
	}

	// ========================================================================
	// Step 1: Make the file shareable
	// ========================================================================

	if !current.IsShared() {
		metaKey, err := n.env.provider.GenerateSymmetricKey()
		if err != nil {
			return nil, toStoreError(file.Name, err)
		}
		shared := current.Clone()
		shared.MetaRef = uuid.NewString()
		shared.MetaKey = &metaKey

		if err := n.writeFileMetadata(ctx, shared); err != nil {
			return nil, err
		}
		if _, err := n.apply(ctx, &UpdateFileChange{Old: current, New: shared}); err != nil {
			return nil, toStoreError(file.Name, err)
		}
		current = shared
	}

	// ========================================================================
	// Step 2: Record the share in the index
	// ========================================================================

	share := metadata.ShareEntry{Ref: current.MetaRef, Recipient: recipient.Hex(), Type: metadata.ShareTypeRead}
	if err := n.index.insertShareLocked(ctx, share); err != nil {
		return nil, err
	}

	logger.Info("box: shared %s with %s", current.Name, share.Recipient)

	ref := &ExternalReference{
		URL:     n.env.backend.URL(current.MetaRef),
		MetaRef: current.MetaRef,
		MetaKey: *current.MetaKey,
		Owner:   n.env.keys.Public,
		Name:    current.Name,
	}
	return ref, n.autocommitLocked(ctx)
}

// Unshare revokes every share of file, deletes its FileMetadata and clears
// its share fields. The content key is not rotated: a recipient that kept
// the FileMetadata can still decrypt the current block.
func (n *Navigation) Unshare(ctx context.Context, file *metadata.FileEntry) (*metadata.FileEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	current, err := n.store.GetFile(ctx, file.Name)
	if err != nil {
		return nil, toStoreError(file.Name, err)
	}
	if !current.IsShared() {
		return current, nil
	}

	if err := n.index.revokeSharesLocked(ctx, current.MetaRef); err != nil {
		return nil, err
	}

	res, err := n.apply(ctx, &UpdateFileChange{Old: current, New: current.WithoutShare()})
	if err != nil {
		return nil, toStoreError(file.Name, err)
	}
	n.log.Tombstone(current.MetaRef)

	logger.Info("box: unshared %s", current.Name)
	return res.File, n.autocommitLocked(ctx)
}

// GetSharesOf lists the index shares of file.
func (n *Navigation) GetSharesOf(ctx context.Context, file *metadata.FileEntry) ([]metadata.ShareEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	current, err := n.store.GetFile(ctx, file.Name)
	if err != nil {
		return nil, toStoreError(file.Name, err)
	}
	if !current.IsShared() {
		return []metadata.ShareEntry{}, nil
	}
	shares, err := n.index.store.ListSharesOf(ctx, current.MetaRef)
	return shares, toStoreError(file.Name, err)
}

// insertShareLocked records share and commits the index.
func (n *Navigation) insertShareLocked(ctx context.Context, share metadata.ShareEntry) error {
	existing, err := n.store.ListSharesOf(ctx, share.Ref)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	for _, s := range existing {
		if s == share {
			return nil
		}
	}
	if _, err := n.apply(ctx, &InsertShareChange{Share: share}); err != nil {
		return toStoreError(n.ref, err)
	}
	return n.commitLocked(ctx)
}

// revokeSharesLocked removes every share of ref and commits the index.
func (n *Navigation) revokeSharesLocked(ctx context.Context, ref string) error {
	shares, err := n.store.ListSharesOf(ctx, ref)
	if err != nil {
		return toStoreError(n.ref, err)
	}
	if len(shares) == 0 {
		return nil
	}
	for _, share := range shares {
		if _, err := n.apply(ctx, &DeleteShareChange{Share: share}); err != nil {
			return toStoreError(n.ref, err)
		}
	}
	return n.commitLocked(ctx)
}
