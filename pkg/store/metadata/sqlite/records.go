package sqlite

import (
	"context"

	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"zombiezen.com/go/sqlite"
)

func symmetricKey(stmt *sqlite.Stmt, col int, what string) (crypto.SymmetricKey, error) {
	k, err := crypto.SymmetricKeyFromBytes(columnBlob(stmt, col))
	if err != nil {
		return k, corrupt(what, err)
	}
	return k, nil
}

// ============================================================================
// Files
// ============================================================================

const fileColumns = "prefix, block, name, size, mtime, key, meta, metakey, hash"

func scanFile(stmt *sqlite.Stmt) (*metadata.FileEntry, error) {
	key, err := symmetricKey(stmt, 5, "file key")
	if err != nil {
		return nil, err
	}
	f := &metadata.FileEntry{
		Prefix:  stmt.ColumnText(0),
		Block:   stmt.ColumnText(1),
		Name:    stmt.ColumnText(2),
		Size:    stmt.ColumnInt64(3),
		MTime:   stmt.ColumnInt64(4),
		Key:     key,
		MetaRef: stmt.ColumnText(6),
		Hash:    columnBlob(stmt, 8),
	}
	if !stmt.ColumnIsNull(7) {
		mk, err := symmetricKey(stmt, 7, "file meta key")
		if err != nil {
			return nil, err
		}
		f.MetaKey = &mk
	}
	return f, nil
}

func (s *SQLiteMetadataStore) InsertFile(ctx context.Context, file *metadata.FileEntry) error {
	return s.tx(ctx, func() error {
		if err := s.ensureFree(file.Name); err != nil {
			return err
		}

		var metaKey any
		if file.MetaKey != nil {
			metaKey = file.MetaKey[:]
		}
		var hash any
		if len(file.Hash) > 0 {
			hash = file.Hash
		}

		err := s.exec("INSERT INTO files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			file.Prefix, file.Block, file.Name, file.Size, file.MTime, file.Key[:],
			nullable(file.MetaRef), metaKey, hash)
		if err != nil {
			return ioError("insert file "+file.Name, err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) DeleteFile(ctx context.Context, name string) error {
	return s.deleteOne(ctx, name, "DELETE FROM files WHERE name = ?", name)
}

func (s *SQLiteMetadataStore) GetFile(ctx context.Context, name string) (*metadata.FileEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var file *metadata.FileEntry
	err := s.query("SELECT "+fileColumns+" FROM files WHERE name = ?", func(stmt *sqlite.Stmt) error {
		f, err := scanFile(stmt)
		file = f
		return err
	}, name)
	if err != nil {
		return nil, asStoreError("get file "+name, err)
	}
	if file == nil {
		return nil, metadata.NewNotFoundError(name)
	}
	return file, nil
}

func (s *SQLiteMetadataStore) ListFiles(ctx context.Context) ([]*metadata.FileEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	files := []*metadata.FileEntry{}
	err := s.query("SELECT "+fileColumns+" FROM files ORDER BY name", func(stmt *sqlite.Stmt) error {
		f, err := scanFile(stmt)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, asStoreError("list files", err)
	}
	return files, nil
}

// ============================================================================
// Folders
// ============================================================================

func scanFolder(stmt *sqlite.Stmt) (*metadata.FolderEntry, error) {
	key, err := symmetricKey(stmt, 2, "folder key")
	if err != nil {
		return nil, err
	}
	return &metadata.FolderEntry{Ref: stmt.ColumnText(0), Name: stmt.ColumnText(1), Key: key}, nil
}

func (s *SQLiteMetadataStore) InsertFolder(ctx context.Context, folder *metadata.FolderEntry) error {
	return s.tx(ctx, func() error {
		if err := s.ensureFree(folder.Name); err != nil {
			return err
		}
		if err := s.exec("INSERT INTO folders (ref, name, key) VALUES (?, ?, ?)", folder.Ref, folder.Name, folder.Key[:]); err != nil {
			return ioError("insert folder "+folder.Name, err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) DeleteFolder(ctx context.Context, name string) error {
	return s.deleteOne(ctx, name, "DELETE FROM folders WHERE name = ?", name)
}

func (s *SQLiteMetadataStore) GetFolder(ctx context.Context, name string) (*metadata.FolderEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var folder *metadata.FolderEntry
	err := s.query("SELECT ref, name, key FROM folders WHERE name = ?", func(stmt *sqlite.Stmt) error {
		f, err := scanFolder(stmt)
		folder = f
		return err
	}, name)
	if err != nil {
		return nil, asStoreError("get folder "+name, err)
	}
	if folder == nil {
		return nil, metadata.NewNotFoundError(name)
	}
	return folder, nil
}

func (s *SQLiteMetadataStore) ListFolders(ctx context.Context) ([]*metadata.FolderEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	folders := []*metadata.FolderEntry{}
	err := s.query("SELECT ref, name, key FROM folders ORDER BY name", func(stmt *sqlite.Stmt) error {
		f, err := scanFolder(stmt)
		if err != nil {
			return err
		}
		folders = append(folders, f)
		return nil
	})
	if err != nil {
		return nil, asStoreError("list folders", err)
	}
	return folders, nil
}

// ============================================================================
// Externals
// ============================================================================

func (s *SQLiteMetadataStore) InsertExternal(ctx context.Context, ext *metadata.ExternalEntry) error {
	return s.tx(ctx, func() error {
		if err := s.ensureFree(ext.Name); err != nil {
			return err
		}
		isFolder := 0
		if ext.IsFolder {
			isFolder = 1
		}
		if err := s.exec("INSERT INTO externals (is_folder, owner, name, key, url) VALUES (?, ?, ?, ?, ?)",
			isFolder, ext.Owner[:], ext.Name, ext.Key[:], ext.URL); err != nil {
			return ioError("insert external "+ext.Name, err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) DeleteExternal(ctx context.Context, name string) error {
	return s.deleteOne(ctx, name, "DELETE FROM externals WHERE name = ?", name)
}

func (s *SQLiteMetadataStore) ListExternals(ctx context.Context) ([]*metadata.ExternalEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	externals := []*metadata.ExternalEntry{}
	err := s.query("SELECT is_folder, owner, name, key, url FROM externals ORDER BY name", func(stmt *sqlite.Stmt) error {
		owner, err := crypto.PublicKeyFromBytes(columnBlob(stmt, 1))
		if err != nil {
			return corrupt("external owner", err)
		}
		key, err := symmetricKey(stmt, 3, "external key")
		if err != nil {
			return err
		}
		externals = append(externals, &metadata.ExternalEntry{
			IsFolder: stmt.ColumnInt(0) != 0,
			Owner:    owner,
			Name:     stmt.ColumnText(2),
			Key:      key,
			URL:      stmt.ColumnText(4),
		})
		return nil
	})
	if err != nil {
		return nil, asStoreError("list externals", err)
	}
	return externals, nil
}

// ============================================================================
// Shares
// ============================================================================

func scanShare(stmt *sqlite.Stmt) metadata.ShareEntry {
	return metadata.ShareEntry{
		Ref:       stmt.ColumnText(0),
		Recipient: stmt.ColumnText(1),
		Type:      metadata.ShareType(stmt.ColumnText(2)),
	}
}

func (s *SQLiteMetadataStore) InsertShare(ctx context.Context, share metadata.ShareEntry) error {
	return s.tx(ctx, func() error {
		exists := false
		err := s.query("SELECT 1 FROM shares WHERE ref = ? AND recipient = ? AND type = ?", func(*sqlite.Stmt) error {
			exists = true
			return nil
		}, share.Ref, share.Recipient, string(share.Type))
		if err != nil {
			return ioError("check share", err)
		}
		if exists {
			return metadata.NewNameConflictError(share.Ref + "->" + share.Recipient)
		}
		if err := s.exec("INSERT INTO shares (ref, recipient, type) VALUES (?, ?, ?)",
			share.Ref, share.Recipient, string(share.Type)); err != nil {
			return ioError("insert share", err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) DeleteShare(ctx context.Context, share metadata.ShareEntry) error {
	return s.deleteOne(ctx, share.Ref+"->"+share.Recipient,
		"DELETE FROM shares WHERE ref = ? AND recipient = ? AND type = ?",
		share.Ref, share.Recipient, string(share.Type))
}

func (s *SQLiteMetadataStore) DeleteSharesOf(ctx context.Context, ref string) (int, error) {
	var n int
	err := s.tx(ctx, func() error {
		if err := s.exec("DELETE FROM shares WHERE ref = ?", ref); err != nil {
			return ioError("delete shares of "+ref, err)
		}
		n = s.conn.Changes()
		return nil
	})
	return n, err
}

func (s *SQLiteMetadataStore) listShares(ctx context.Context, query string, args ...any) ([]metadata.ShareEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	shares := []metadata.ShareEntry{}
	err := s.query(query, func(stmt *sqlite.Stmt) error {
		shares = append(shares, scanShare(stmt))
		return nil
	}, args...)
	if err != nil {
		return nil, ioError("list shares", err)
	}
	return shares, nil
}

func (s *SQLiteMetadataStore) ListShares(ctx context.Context) ([]metadata.ShareEntry, error) {
	return s.listShares(ctx, "SELECT ref, recipient, type FROM shares ORDER BY ref, recipient")
}

func (s *SQLiteMetadataStore) ListSharesOf(ctx context.Context, ref string) ([]metadata.ShareEntry, error) {
	return s.listShares(ctx, "SELECT ref, recipient, type FROM shares WHERE ref = ? ORDER BY recipient", ref)
}

// asStoreError keeps StoreErrors raised inside result callbacks and wraps
// everything else as an I/O failure.
func asStoreError(op string, err error) error {
	if _, ok := metadata.CodeOf(err); ok {
		return err
	}
	return ioError(op, err)
}
