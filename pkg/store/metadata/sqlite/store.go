package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteMetadataStore implements metadata.MetadataStore on an embedded
// SQLite database.
//
// Each store owns one connection to a private temp file. The file holds
// decrypted folder metadata, so Close removes it; callers must Close every
// store they create or open.
type SQLiteMetadataStore struct {
	conn     *sqlite.Conn
	path     string
	tempDir  string
	fileName string
	device   metadata.DeviceID
	closed   bool
}

// Factory creates SQLite snapshots in TempDir.
type Factory struct {
	// TempDir holds the scratch database files. Empty uses os.TempDir().
	TempDir string
}

// NewFactory returns a factory placing scratch files in tempDir.
func NewFactory(tempDir string) *Factory {
	return &Factory{TempDir: tempDir}
}

var _ metadata.Factory = (*Factory)(nil)

func ioError(op string, err error) error {
	return metadata.NewError(metadata.ErrIOFailure, op, err)
}

func corrupt(op string, err error) error {
	return metadata.NewError(metadata.ErrCorruptMetadata, op, err)
}

// scratchFile reserves a path in dir. The caller owns and removes it.
func scratchFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func removeDatabase(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("sqlite snapshot: remove scratch file %s: %v", p, err)
		}
	}
}

func openConn(path string) (*sqlite.Conn, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Create returns an empty snapshot at metadata.InitialVersion(device).
func (f *Factory) Create(ctx context.Context, fileName string, device metadata.DeviceID) (metadata.MetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Reserve the scratch database
	// ========================================================================

	path, err := scratchFile(f.TempDir, "snapshot-*.db")
	if err != nil {
		return nil, ioError("create scratch database", err)
	}
	conn, err := openConn(path)
	if err != nil {
		removeDatabase(path)
		return nil, ioError("open scratch database", err)
	}

	s := &SQLiteMetadataStore{conn: conn, path: path, tempDir: f.TempDir, fileName: fileName, device: device}

	// ========================================================================
	// Step 2: Apply the schema and seed the version chain
	// ========================================================================

	err = s.tx(ctx, func() error {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return err
		}
		if err := s.exec("INSERT INTO spec_version (version) VALUES (?)", specVersion); err != nil {
			return err
		}
		if err := s.exec("INSERT INTO version (version, time) VALUES (?, ?)",
			metadata.InitialVersion(device), time.Now().UnixMilli()); err != nil {
			return err
		}
		return s.setMeta(metaLastChangeBy, device.String())
	})
	if err != nil {
		_ = s.Close()
		return nil, ioError("initialize snapshot", err)
	}

	return s, nil
}

// Open copies a serialized snapshot into a scratch database and validates it.
func (f *Factory) Open(ctx context.Context, fileName string, device metadata.DeviceID, r io.Reader) (metadata.MetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Materialize the plaintext database in scratch storage
	// ========================================================================

	path, err := scratchFile(f.TempDir, "snapshot-*.db")
	if err != nil {
		return nil, ioError("create scratch database", err)
	}
	if err := writeFile(path, r); err != nil {
		removeDatabase(path)
		return nil, ioError("write scratch database", err)
	}

	conn, err := openConn(path)
	if err != nil {
		removeDatabase(path)
		return nil, corrupt("open snapshot", err)
	}
	s := &SQLiteMetadataStore{conn: conn, path: path, tempDir: f.TempDir, fileName: fileName, device: device}

	// ========================================================================
	// Step 2: Validate required rows
	// ========================================================================

	if err := s.validate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *SQLiteMetadataStore) validate() error {
	var spec *int64
	err := sqlitex.Execute(s.conn, "SELECT version FROM spec_version ORDER BY version DESC LIMIT 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			v := stmt.ColumnInt64(0)
			spec = &v
			return nil
		},
	})
	if err != nil {
		return corrupt("read spec version", err)
	}
	if spec == nil {
		return corrupt("snapshot has no spec version", nil)
	}
	if *spec > specVersion {
		return corrupt(fmt.Sprintf("unsupported spec version %d", *spec), nil)
	}

	v, err := s.currentVersion()
	if err != nil {
		return corrupt("read version", err)
	}
	if len(v) != metadata.VersionSize {
		return corrupt("snapshot has no version", nil)
	}

	for _, table := range []string{"files", "folders", "shares", "externals", "meta"} {
		if err := sqlitex.Execute(s.conn, "SELECT count(*) FROM "+table, nil); err != nil {
			return corrupt("missing table "+table, err)
		}
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *SQLiteMetadataStore) check(ctx context.Context) error {
	if s.closed {
		return ioError("snapshot closed", nil)
	}
	return ctx.Err()
}

// tx runs fn inside an IMMEDIATE transaction; any error rolls back.
func (s *SQLiteMetadataStore) tx(ctx context.Context, fn func() error) (err error) {
	if err := s.check(ctx); err != nil {
		return err
	}
	endTransaction, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return ioError("begin transaction", err)
	}
	defer endTransaction(&err)
	return fn()
}

func (s *SQLiteMetadataStore) exec(query string, args ...any) error {
	return sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{Args: args})
}

func (s *SQLiteMetadataStore) query(query string, fn func(stmt *sqlite.Stmt) error, args ...any) error {
	return sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

// nullable maps zero values to SQL NULL.
func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func (s *SQLiteMetadataStore) setMeta(name, value string) error {
	return s.exec("INSERT INTO meta (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value", name, value)
}

func (s *SQLiteMetadataStore) getMeta(name string) (string, bool, error) {
	var value string
	found := false
	err := s.query("SELECT value FROM meta WHERE name = ?", func(stmt *sqlite.Stmt) error {
		value = stmt.ColumnText(0)
		found = true
		return nil
	}, name)
	return value, found, err
}

func (s *SQLiteMetadataStore) currentVersion() ([]byte, error) {
	var v []byte
	err := s.query("SELECT version FROM version ORDER BY id DESC LIMIT 1", func(stmt *sqlite.Stmt) error {
		v = columnBlob(stmt, 0)
		return nil
	})
	return v, err
}

func (s *SQLiteMetadataStore) nameKind(name string) (metadata.NameKind, error) {
	checks := []struct {
		table string
		kind  metadata.NameKind
	}{
		{"files", metadata.NameKindFile},
		{"folders", metadata.NameKindFolder},
		{"externals", metadata.NameKindExternal},
	}
	for _, c := range checks {
		found := false
		err := s.query("SELECT 1 FROM "+c.table+" WHERE name = ?", func(*sqlite.Stmt) error {
			found = true
			return nil
		}, name)
		if err != nil {
			return metadata.NameKindNone, err
		}
		if found {
			return c.kind, nil
		}
	}
	return metadata.NameKindNone, nil
}

func (s *SQLiteMetadataStore) ensureFree(name string) error {
	kind, err := s.nameKind(name)
	if err != nil {
		return ioError("check name", err)
	}
	if kind != metadata.NameKindNone {
		return metadata.NewNameConflictError(name)
	}
	return nil
}

// deleteOne runs a DELETE and reports NotFound when no row matched.
func (s *SQLiteMetadataStore) deleteOne(ctx context.Context, path, query string, args ...any) error {
	return s.tx(ctx, func() error {
		if err := s.exec(query, args...); err != nil {
			return ioError("delete "+path, err)
		}
		if s.conn.Changes() == 0 {
			return metadata.NewNotFoundError(path)
		}
		return nil
	})
}

// ============================================================================
// Identity and Version Chain
// ============================================================================

func (s *SQLiteMetadataStore) FileName() string {
	return s.fileName
}

func (s *SQLiteMetadataStore) DeviceID() metadata.DeviceID {
	return s.device
}

func (s *SQLiteMetadataStore) Version(ctx context.Context) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	v, err := s.currentVersion()
	if err != nil {
		return nil, ioError("read version", err)
	}
	if v == nil {
		return nil, corrupt("snapshot has no version", nil)
	}
	return v, nil
}

func (s *SQLiteMetadataStore) LastChangedBy(ctx context.Context) (metadata.DeviceID, error) {
	if err := s.check(ctx); err != nil {
		return metadata.DeviceID{}, err
	}
	value, found, err := s.getMeta(metaLastChangeBy)
	if err != nil {
		return metadata.DeviceID{}, ioError("read last writer", err)
	}
	if !found {
		return metadata.DeviceID{}, corrupt("snapshot has no last writer", nil)
	}
	d, err := metadata.ParseDeviceID(value)
	if err != nil {
		return d, corrupt("last writer", err)
	}
	return d, nil
}

func (s *SQLiteMetadataStore) BumpVersion(ctx context.Context) error {
	return s.tx(ctx, func() error {
		current, err := s.currentVersion()
		if err != nil {
			return ioError("read version", err)
		}
		next := metadata.NextVersion(current, s.device)
		if err := s.exec("INSERT INTO version (version, time) VALUES (?, ?)", next, time.Now().UnixMilli()); err != nil {
			return ioError("write version", err)
		}
		if err := s.setMeta(metaLastChangeBy, s.device.String()); err != nil {
			return ioError("write last writer", err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) Root(ctx context.Context) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	value, _, err := s.getMeta(metaRoot)
	if err != nil {
		return "", ioError("read root", err)
	}
	return value, nil
}

func (s *SQLiteMetadataStore) SetRoot(ctx context.Context, root string) error {
	return s.tx(ctx, func() error {
		if err := s.setMeta(metaRoot, root); err != nil {
			return ioError("write root", err)
		}
		return nil
	})
}

func (s *SQLiteMetadataStore) NameKind(ctx context.Context, name string) (metadata.NameKind, error) {
	if err := s.check(ctx); err != nil {
		return metadata.NameKindNone, err
	}
	kind, err := s.nameKind(name)
	if err != nil {
		return kind, ioError("check name", err)
	}
	return kind, nil
}

// ============================================================================
// Persistence
// ============================================================================

// Serialize writes a compacted copy of the database produced by VACUUM INTO.
func (s *SQLiteMetadataStore) Serialize(ctx context.Context, w io.Writer) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	path, err := scratchFile(s.tempDir, "serialize-*.db")
	if err != nil {
		return ioError("create serialization file", err)
	}
	// VACUUM INTO refuses to overwrite an existing file.
	_ = os.Remove(path)
	defer removeDatabase(path)

	if err := s.exec("VACUUM INTO ?", path); err != nil {
		return ioError("vacuum snapshot", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return ioError("open serialization file", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return ioError("write snapshot", err)
	}
	return nil
}

// Close closes the connection and removes the scratch database.
func (s *SQLiteMetadataStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	removeDatabase(s.path)
	if err != nil {
		return ioError("close snapshot", err)
	}
	return nil
}
