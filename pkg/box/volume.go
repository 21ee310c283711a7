// Package box implements the end-to-end encrypted, versioned namespace on top
// of an untrusted blob backend.
//
// A Volume derives the location of its root index from the owner's key pair.
// Navigating the index yields a Navigation: a session over one folder
// snapshot and the log of changes made to it. Commits upload the snapshot
// with a compare-and-swap; when another device committed first, the session
// adopts the remote snapshot and replays its log onto it before retrying.
//
// Layout in the backend:
//
//	{rootRef}          index snapshot, sealed for the owner
//	{folder ref}       folder snapshot, encrypted under the folder key
//	blocks/{block}     file content, encrypted under the file key
//	{meta ref}         FileMetadata of a shared file, under its meta key
package box

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"github.com/zeebo/blake3"
)

// Options configures a Volume.
type Options struct {
	// Backend stores every blob of the volume. Required.
	Backend blob.Backend

	// Factory creates and loads folder snapshots. Required.
	Factory metadata.Factory

	// KeyPair is the owner identity. Required.
	KeyPair *crypto.KeyPair

	// Provider defaults to crypto.NewProvider().
	Provider crypto.Provider

	// Prefix namespaces the root reference, so one key pair can own several
	// volumes in one backend.
	Prefix string

	// DeviceID identifies this writer in the version chain. A zero value
	// picks a random identifier.
	DeviceID metadata.DeviceID

	// TempDir holds decrypted scratch files. Empty uses os.TempDir().
	TempDir string

	// Autocommit commits after every mutating operation.
	Autocommit bool

	// AutocommitDelay debounces autocommits. Zero commits inline.
	AutocommitDelay time.Duration

	// Metrics is optional.
	Metrics Metrics
}

// environment is shared by a volume and every Navigation derived from it.
type environment struct {
	backend  blob.Backend
	factory  metadata.Factory
	provider crypto.Provider
	keys     *crypto.KeyPair
	device   metadata.DeviceID
	prefix   string
	tempDir  string
	metrics  Metrics

	autocommit bool
	delay      time.Duration
}

// Volume is the entry point of one owner's namespace.
type Volume struct {
	env     *environment
	rootRef string
}

// NewVolume validates opts and returns a Volume. No I/O is performed.
func NewVolume(opts Options) (*Volume, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("metadata factory is required")
	}
	if opts.KeyPair == nil {
		return nil, metadata.NewError(metadata.ErrInvalidKey, "owner key pair", crypto.ErrInvalidKey)
	}

	provider := opts.Provider
	if provider == nil {
		provider = crypto.NewProvider()
	}
	device := opts.DeviceID
	if device == (metadata.DeviceID{}) {
		d, err := metadata.NewDeviceID()
		if err != nil {
			return nil, err
		}
		device = d
	}
	var m Metrics = noopMetrics{}
	if opts.Metrics != nil {
		m = opts.Metrics
	}

	env := &environment{
		backend:    opts.Backend,
		factory:    opts.Factory,
		provider:   provider,
		keys:       opts.KeyPair,
		device:     device,
		prefix:     opts.Prefix,
		tempDir:    opts.TempDir,
		metrics:    m,
		autocommit: opts.Autocommit,
		delay:      opts.AutocommitDelay,
	}
	return &Volume{env: env, rootRef: RootRef(opts.Prefix, opts.KeyPair.Private)}, nil
}

// RootRef derives the blob name of the index: the UUID formed from the first
// 16 bytes of BLAKE3(prefix || private key).
func RootRef(prefix string, private crypto.PrivateKey) string {
	h := blake3.New()
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(private[:])
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	return id.String()
}

// RootRef returns the blob name of the index.
func (v *Volume) RootRef() string {
	return v.rootRef
}

// DeviceID returns the writer identity used by this volume's sessions.
func (v *Volume) DeviceID() metadata.DeviceID {
	return v.env.device
}

// Owner returns the owner's public key.
func (v *Volume) Owner() crypto.PublicKey {
	return v.env.keys.Public
}

// Navigate downloads and opens the index. A missing index or one that is not
// sealed for this owner is reported as ErrNotFound.
func (v *Volume) Navigate(ctx context.Context) (*Navigation, error) {
	d, err := v.env.backend.Download(ctx, v.rootRef)
	if err != nil {
		return nil, toStoreError(v.rootRef, err)
	}
	defer d.Body.Close()

	store, err := indexCodec(v.env).decode(ctx, v.rootRef, d.Body)
	if err != nil {
		return nil, notFoundOnDecrypt(v.rootRef, err)
	}

	logger.Debug("box: opened index %s", v.rootRef)
	return newIndexNavigation(v.env, v.rootRef, store, d.Hash)
}

// CreateIndex bootstraps an empty index whose root location is root. It
// fails with ErrNameConflict if the index already exists.
func (v *Volume) CreateIndex(ctx context.Context, root string) error {
	store, err := v.env.factory.Create(ctx, v.rootRef, v.env.device)
	if err != nil {
		return toStoreError(v.rootRef, err)
	}
	defer store.Close()

	if err := store.SetRoot(ctx, root); err != nil {
		return toStoreError(v.rootRef, err)
	}
	sealed, err := indexCodec(v.env).encode(ctx, store)
	if err != nil {
		return toStoreError(v.rootRef, err)
	}

	_, err = v.env.backend.UploadIfMatch(ctx, v.rootRef, bytes.NewReader(sealed), "")
	if errors.Is(err, blob.ErrModified) {
		return metadata.NewError(metadata.ErrNameConflict, v.rootRef, err)
	}
	if err != nil {
		return toStoreError(v.rootRef, err)
	}

	logger.Info("box: created index %s (root %s)", v.rootRef, root)
	return nil
}

// CreateIndexForBucket creates an index rooted at the public URL of an S3
// bucket prefix.
func (v *Volume) CreateIndexForBucket(ctx context.Context, bucket, prefix string) error {
	return v.CreateIndex(ctx, fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, prefix))
}

// IndexExists reports whether the index blob is present. It does not check
// that the blob can be opened.
func (v *Volume) IndexExists(ctx context.Context) (bool, error) {
	d, err := v.env.backend.Download(ctx, v.rootRef)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, toStoreError(v.rootRef, err)
	}
	_ = d.Body.Close()
	return true, nil
}

// ReadShare fetches the FileMetadata a share link points at.
func (v *Volume) ReadShare(ctx context.Context, ref *ExternalReference) (*FileMetadata, error) {
	return readFileMetadata(ctx, v.env, ref.MetaRef, ref.MetaKey)
}

// DownloadShare decrypts the content described by shared file metadata.
func (v *Volume) DownloadShare(ctx context.Context, meta *FileMetadata) (io.ReadCloser, error) {
	return downloadBlock(ctx, v.env, meta.Name, meta.Block, meta.Key)
}
