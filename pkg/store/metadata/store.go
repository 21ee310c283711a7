// Package metadata defines the per-folder snapshot model of the box engine:
// the MetadataStore interface, its record types, the version chain and the
// error taxonomy shared by every layer above it.
//
// A snapshot describes one folder. It holds files, subfolders, externals
// and (for the root index only) shares, each keyed by a name that is unique
// across all record sets. Every commit advances a hash-chained version
// bound to the committing device, which is how concurrent writers detect
// one another.
package metadata

import (
	"context"
	"io"
)

// MetadataStore is one folder snapshot.
//
// Design Principles:
//   - Every mutating call is a single transaction: it either applies fully
//     or not at all
//   - Lookups of absent entries return ErrNotFound StoreErrors; inserts that
//     collide with any existing name return ErrNameConflict StoreErrors
//   - A store exclusively owns its scratch resources (temp files); Close
//     releases them on every path
//
// Thread Safety:
// Implementations need not be safe for concurrent use. The owning session
// serializes access.
type MetadataStore interface {
	// ========================================================================
	// Identity and Version Chain
	// ========================================================================

	// FileName is the blob name under which this snapshot is stored.
	FileName() string

	// DeviceID is the local writer identity used by BumpVersion.
	DeviceID() DeviceID

	// Version returns the current version identifier.
	Version(ctx context.Context) ([]byte, error)

	// LastChangedBy returns the device that produced the current version.
	LastChangedBy(ctx context.Context) (DeviceID, error)

	// BumpVersion advances the version to NextVersion(current, DeviceID())
	// and records DeviceID() as the last writer.
	BumpVersion(ctx context.Context) error

	// Root returns the backend location string (index only; "" elsewhere).
	Root(ctx context.Context) (string, error)

	// SetRoot records the backend location string.
	SetRoot(ctx context.Context, root string) error

	// NameKind reports which record set owns name.
	NameKind(ctx context.Context, name string) (NameKind, error)

	// ========================================================================
	// Files
	// ========================================================================

	InsertFile(ctx context.Context, file *FileEntry) error
	DeleteFile(ctx context.Context, name string) error
	GetFile(ctx context.Context, name string) (*FileEntry, error)
	ListFiles(ctx context.Context) ([]*FileEntry, error)

	// ========================================================================
	// Folders
	// ========================================================================

	InsertFolder(ctx context.Context, folder *FolderEntry) error
	DeleteFolder(ctx context.Context, name string) error
	GetFolder(ctx context.Context, name string) (*FolderEntry, error)
	ListFolders(ctx context.Context) ([]*FolderEntry, error)

	// ========================================================================
	// Externals
	// ========================================================================

	InsertExternal(ctx context.Context, ext *ExternalEntry) error
	DeleteExternal(ctx context.Context, name string) error
	ListExternals(ctx context.Context) ([]*ExternalEntry, error)

	// ========================================================================
	// Shares (index only)
	// ========================================================================

	// InsertShare fails with ErrNameConflict if the exact share exists.
	InsertShare(ctx context.Context, share ShareEntry) error

	// DeleteShare fails with ErrNotFound if the exact share is absent.
	DeleteShare(ctx context.Context, share ShareEntry) error

	// DeleteSharesOf removes every share of ref and returns how many.
	DeleteSharesOf(ctx context.Context, ref string) (int, error)

	ListShares(ctx context.Context) ([]ShareEntry, error)
	ListSharesOf(ctx context.Context, ref string) ([]ShareEntry, error)

	// ========================================================================
	// Persistence
	// ========================================================================

	// Serialize writes the snapshot in the factory's format.
	Serialize(ctx context.Context, w io.Writer) error

	// Close releases scratch resources. Calling it twice is harmless.
	Close() error
}

// Factory creates and loads snapshots of one concrete format.
type Factory interface {
	// Create returns an empty store at InitialVersion(device).
	Create(ctx context.Context, fileName string, device DeviceID) (MetadataStore, error)

	// Open loads a serialized snapshot. device is the local writer used by
	// later bumps; the snapshot's own last writer is preserved. Structurally
	// invalid input yields ErrCorruptMetadata.
	Open(ctx context.Context, fileName string, device DeviceID, r io.Reader) (MetadataStore, error)
}
