package box

import (
	"context"
	"fmt"

	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// ConflictSuffix is appended to the name of an entry that loses a name
// collision during a merge.
const ConflictSuffix = "_conflict"

// ChangeKind identifies the concrete type of a Change.
type ChangeKind int

const (
	ChangeCreateFile ChangeKind = iota
	ChangeUpdateFile
	ChangeDeleteFile
	ChangeCreateFolder
	ChangeDeleteFolder
	ChangeInsertShare
	ChangeDeleteShare
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreateFile:
		return "create_file"
	case ChangeUpdateFile:
		return "update_file"
	case ChangeDeleteFile:
		return "delete_file"
	case ChangeCreateFolder:
		return "create_folder"
	case ChangeDeleteFolder:
		return "delete_folder"
	case ChangeInsertShare:
		return "insert_share"
	case ChangeDeleteShare:
		return "delete_share"
	default:
		return fmt.Sprintf("change_%d", int(k))
	}
}

// Result describes what applying a Change did to a store.
type Result struct {
	// File is the file entry as it exists after the change, which may be a
	// renamed copy of the recorded one. Nil for non-file changes and for
	// deletes.
	File *metadata.FileEntry

	// Folder is the folder entry as it exists after the change.
	Folder *metadata.FolderEntry

	// Deleted lists blob names that are no longer referenced and may be
	// removed once the snapshot is committed.
	Deleted []string
}

// Change is one recorded mutation of a folder snapshot.
//
// A Change holds all the state it needs and touches nothing but the store it
// is applied to. Applying the same change to a snapshot that already
// reflects it has no effect, which is what makes replay after a concurrent
// write safe.
type Change interface {
	Kind() ChangeKind

	// Apply performs the change on store, resolving name collisions with the
	// merge policy of its kind.
	Apply(ctx context.Context, store metadata.MetadataStore) (Result, error)
}

// conflictName returns name with ConflictSuffix appended until it is free.
func conflictName(ctx context.Context, store metadata.MetadataStore, name string) (string, error) {
	for {
		name += ConflictSuffix
		kind, err := store.NameKind(ctx, name)
		if err != nil {
			return "", err
		}
		if kind == metadata.NameKindNone {
			return name, nil
		}
	}
}

// insertRenamed stores file under the first free conflict name.
func insertRenamed(ctx context.Context, store metadata.MetadataStore, file *metadata.FileEntry) (*metadata.FileEntry, error) {
	name, err := conflictName(ctx, store, file.Name)
	if err != nil {
		return nil, err
	}
	renamed := file.Clone()
	renamed.Name = name
	if err := store.InsertFile(ctx, renamed); err != nil {
		return nil, err
	}
	return renamed, nil
}

// ============================================================================
// CreateFile
// ============================================================================

// CreateFileChange records a newly uploaded file.
type CreateFileChange struct {
	File *metadata.FileEntry
}

func (c *CreateFileChange) Kind() ChangeKind { return ChangeCreateFile }

func (c *CreateFileChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	kind, err := store.NameKind(ctx, c.File.Name)
	if err != nil {
		return Result{}, err
	}

	switch kind {
	case metadata.NameKindNone:
		if err := store.InsertFile(ctx, c.File); err != nil {
			return Result{}, err
		}
		return Result{File: c.File.Clone()}, nil

	case metadata.NameKindFile:
		existing, err := store.GetFile(ctx, c.File.Name)
		if err != nil {
			return Result{}, err
		}
		if existing.IsSame(c.File) {
			return Result{File: existing}, nil
		}
		if existing.SameContent(c.File) {
			// Identical content under the same name: keep the entry that is
			// already committed and drop our copy of the bytes.
			return Result{File: existing, Deleted: []string{blob.BlockName(c.File.Block)}}, nil
		}
	}

	renamed, err := insertRenamed(ctx, store, c.File)
	if err != nil {
		return Result{}, err
	}
	return Result{File: renamed}, nil
}

// ============================================================================
// UpdateFile
// ============================================================================

// UpdateFileChange records a new revision of an existing file. Old is the
// entry the revision was based on. New keeps Old's name.
//
// A revision that changes only share metadata (New.Block == Old.Block) is
// dropped when the remote entry no longer references Old.Block: the file it
// described has been replaced or deleted by another writer.
type UpdateFileChange struct {
	Old *metadata.FileEntry
	New *metadata.FileEntry
}

func (c *UpdateFileChange) Kind() ChangeKind { return ChangeUpdateFile }

func (c *UpdateFileChange) contentChanged() bool {
	return c.Old.Block != c.New.Block
}

func (c *UpdateFileChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	kind, err := store.NameKind(ctx, c.New.Name)
	if err != nil {
		return Result{}, err
	}

	switch kind {
	case metadata.NameKindNone:
		if !c.contentChanged() {
			return Result{}, nil
		}
		if err := store.InsertFile(ctx, c.New); err != nil {
			return Result{}, err
		}
		return Result{File: c.New.Clone()}, nil

	case metadata.NameKindFile:
		existing, err := store.GetFile(ctx, c.New.Name)
		if err != nil {
			return Result{}, err
		}

		switch {
		case existing.Block == c.Old.Block:
			if err := store.DeleteFile(ctx, existing.Name); err != nil {
				return Result{}, err
			}
			if err := store.InsertFile(ctx, c.New); err != nil {
				return Result{}, err
			}
			res := Result{File: c.New.Clone()}
			if c.contentChanged() {
				res.Deleted = []string{blob.BlockName(c.Old.Block)}
			}
			return res, nil

		case existing.Block == c.New.Block:
			return Result{File: existing}, nil

		case !c.contentChanged():
			return Result{File: existing}, nil

		case existing.SameContent(c.New):
			return Result{File: existing, Deleted: []string{blob.BlockName(c.New.Block)}}, nil
		}
	}

	if !c.contentChanged() {
		return Result{}, nil
	}

	// The share metadata belongs to the entry that keeps the name.
	renamed, err := insertRenamed(ctx, store, c.New.WithoutShare())
	if err != nil {
		return Result{}, err
	}
	return Result{File: renamed}, nil
}

// ============================================================================
// DeleteFile
// ============================================================================

// DeleteFileChange records the removal of a file.
type DeleteFileChange struct {
	File *metadata.FileEntry
}

func (c *DeleteFileChange) Kind() ChangeKind { return ChangeDeleteFile }

func (c *DeleteFileChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	existing, err := store.GetFile(ctx, c.File.Name)
	if metadata.IsNotFound(err) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !existing.IsSame(c.File) {
		return Result{}, nil
	}

	if err := store.DeleteFile(ctx, existing.Name); err != nil {
		return Result{}, err
	}

	deleted := []string{blob.BlockName(existing.Block)}
	if existing.MetaRef != "" {
		deleted = append(deleted, existing.MetaRef)
	}
	if c.File.MetaRef != "" && c.File.MetaRef != existing.MetaRef {
		deleted = append(deleted, c.File.MetaRef)
	}
	return Result{Deleted: deleted}, nil
}

// ============================================================================
// CreateFolder
// ============================================================================

// CreateFolderChange records a subfolder whose empty snapshot has already
// been uploaded under Folder.Ref.
type CreateFolderChange struct {
	Folder *metadata.FolderEntry
}

func (c *CreateFolderChange) Kind() ChangeKind { return ChangeCreateFolder }

func (c *CreateFolderChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	kind, err := store.NameKind(ctx, c.Folder.Name)
	if err != nil {
		return Result{}, err
	}

	folder := *c.Folder
	switch kind {
	case metadata.NameKindNone:
	case metadata.NameKindFolder:
		existing, err := store.GetFolder(ctx, c.Folder.Name)
		if err != nil {
			return Result{}, err
		}
		if existing.Ref == c.Folder.Ref {
			return Result{Folder: existing}, nil
		}
		fallthrough
	default:
		name, err := conflictName(ctx, store, c.Folder.Name)
		if err != nil {
			return Result{}, err
		}
		folder.Name = name
	}

	if err := store.InsertFolder(ctx, &folder); err != nil {
		return Result{}, err
	}
	return Result{Folder: &folder}, nil
}

// ============================================================================
// DeleteFolder
// ============================================================================

// DeleteFolderChange records the removal of a subfolder. Its contents were
// removed and committed before the change was recorded.
type DeleteFolderChange struct {
	Folder *metadata.FolderEntry
}

func (c *DeleteFolderChange) Kind() ChangeKind { return ChangeDeleteFolder }

func (c *DeleteFolderChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	existing, err := store.GetFolder(ctx, c.Folder.Name)
	if metadata.IsNotFound(err) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if existing.Ref != c.Folder.Ref {
		return Result{}, nil
	}
	if err := store.DeleteFolder(ctx, existing.Name); err != nil {
		return Result{}, err
	}
	return Result{Deleted: []string{existing.Ref}}, nil
}

// ============================================================================
// Shares
// ============================================================================

// InsertShareChange records a new share in the index.
type InsertShareChange struct {
	Share metadata.ShareEntry
}

func (c *InsertShareChange) Kind() ChangeKind { return ChangeInsertShare }

func (c *InsertShareChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	err := store.InsertShare(ctx, c.Share)
	if err != nil && !metadata.IsNameConflict(err) {
		return Result{}, err
	}
	return Result{}, nil
}

// DeleteShareChange records the removal of a share from the index.
type DeleteShareChange struct {
	Share metadata.ShareEntry
}

func (c *DeleteShareChange) Kind() ChangeKind { return ChangeDeleteShare }

func (c *DeleteShareChange) Apply(ctx context.Context, store metadata.MetadataStore) (Result, error) {
	err := store.DeleteShare(ctx, c.Share)
	if err != nil && !metadata.IsNotFound(err) {
		return Result{}, err
	}
	return Result{}, nil
}
