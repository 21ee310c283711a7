// Package memory implements metadata.MetadataStore with in-memory maps and a
// CBOR wire format.
//
// It is used for tests and for volumes that prefer a compact snapshot over
// the SQLite file format. Both formats describe the same model; a volume
// must use one format for all of its snapshots.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// formatVersion is the snapshot format version written by Serialize.
const formatVersion = 0

// versionRecord is one link of the version chain.
type versionRecord struct {
	Version []byte `cbor:"1,keyasint"`
	Time    int64  `cbor:"2,keyasint"`
}

type fileRecord struct {
	Prefix  string `cbor:"1,keyasint"`
	Block   string `cbor:"2,keyasint"`
	Name    string `cbor:"3,keyasint"`
	Size    int64  `cbor:"4,keyasint"`
	MTime   int64  `cbor:"5,keyasint"`
	Key     []byte `cbor:"6,keyasint"`
	MetaRef string `cbor:"7,keyasint,omitempty"`
	MetaKey []byte `cbor:"8,keyasint,omitempty"`
	Hash    []byte `cbor:"9,keyasint,omitempty"`
}

type folderRecord struct {
	Ref  string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Key  []byte `cbor:"3,keyasint"`
}

type externalRecord struct {
	IsFolder bool   `cbor:"1,keyasint"`
	Owner    []byte `cbor:"2,keyasint"`
	Name     string `cbor:"3,keyasint"`
	Key      []byte `cbor:"4,keyasint"`
	URL      string `cbor:"5,keyasint"`
}

type shareRecord struct {
	Ref       string `cbor:"1,keyasint"`
	Recipient string `cbor:"2,keyasint"`
	Type      string `cbor:"3,keyasint"`
}

// snapshot is the serialized form of a store.
type snapshot struct {
	Format       int              `cbor:"1,keyasint"`
	Versions     []versionRecord  `cbor:"2,keyasint"`
	LastChangeBy string           `cbor:"3,keyasint"`
	Root         string           `cbor:"4,keyasint,omitempty"`
	Files        []fileRecord     `cbor:"5,keyasint,omitempty"`
	Folders      []folderRecord   `cbor:"6,keyasint,omitempty"`
	Externals    []externalRecord `cbor:"7,keyasint,omitempty"`
	Shares       []shareRecord    `cbor:"8,keyasint,omitempty"`
}

// MemoryMetadataStore keeps a snapshot in maps keyed by entry name.
//
// Thread Safety:
// All operations are protected by a single mutex. The owning session already
// serializes access; the lock only guards against misuse.
type MemoryMetadataStore struct {
	mu sync.Mutex

	fileName string
	device   metadata.DeviceID
	closed   bool

	versions     []versionRecord
	lastChangeBy metadata.DeviceID
	root         string

	files     map[string]*metadata.FileEntry
	folders   map[string]*metadata.FolderEntry
	externals map[string]*metadata.ExternalEntry
	shares    map[metadata.ShareEntry]struct{}
}

// Factory creates in-memory snapshots.
type Factory struct{}

// NewFactory returns a memory snapshot factory.
func NewFactory() *Factory {
	return &Factory{}
}

var _ metadata.Factory = (*Factory)(nil)

func newStore(fileName string, device metadata.DeviceID) *MemoryMetadataStore {
	return &MemoryMetadataStore{
		fileName:  fileName,
		device:    device,
		files:     make(map[string]*metadata.FileEntry),
		folders:   make(map[string]*metadata.FolderEntry),
		externals: make(map[string]*metadata.ExternalEntry),
		shares:    make(map[metadata.ShareEntry]struct{}),
	}
}

// Create returns an empty snapshot at metadata.InitialVersion(device).
func (f *Factory) Create(ctx context.Context, fileName string, device metadata.DeviceID) (metadata.MetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newStore(fileName, device)
	s.versions = []versionRecord{{Version: metadata.InitialVersion(device), Time: time.Now().UnixMilli()}}
	s.lastChangeBy = device
	return s, nil
}

// Open decodes a CBOR snapshot.
func (f *Factory) Open(ctx context.Context, fileName string, device metadata.DeviceID, r io.Reader) (metadata.MetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return nil, corrupt("decode snapshot", err)
	}
	if snap.Format > formatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported snapshot format %d", snap.Format), nil)
	}
	if len(snap.Versions) == 0 || len(snap.Versions[len(snap.Versions)-1].Version) != metadata.VersionSize {
		return nil, corrupt("snapshot has no version", nil)
	}
	last, err := metadata.ParseDeviceID(snap.LastChangeBy)
	if err != nil {
		return nil, corrupt("last writer", err)
	}

	s := newStore(fileName, device)
	s.versions = snap.Versions
	s.lastChangeBy = last
	s.root = snap.Root

	for _, rec := range snap.Files {
		file, err := rec.entry()
		if err != nil {
			return nil, err
		}
		s.files[file.Name] = file
	}
	for _, rec := range snap.Folders {
		key, err := keyOf(rec.Key, "folder key")
		if err != nil {
			return nil, err
		}
		s.folders[rec.Name] = &metadata.FolderEntry{Ref: rec.Ref, Name: rec.Name, Key: key}
	}
	for _, rec := range snap.Externals {
		owner, err := crypto.PublicKeyFromBytes(rec.Owner)
		if err != nil {
			return nil, corrupt("external owner", err)
		}
		key, err := keyOf(rec.Key, "external key")
		if err != nil {
			return nil, err
		}
		s.externals[rec.Name] = &metadata.ExternalEntry{
			IsFolder: rec.IsFolder, Owner: owner, Name: rec.Name, Key: key, URL: rec.URL,
		}
	}
	for _, rec := range snap.Shares {
		s.shares[metadata.ShareEntry{Ref: rec.Ref, Recipient: rec.Recipient, Type: metadata.ShareType(rec.Type)}] = struct{}{}
	}
	return s, nil
}

func corrupt(op string, err error) error {
	return metadata.NewError(metadata.ErrCorruptMetadata, op, err)
}

func keyOf(b []byte, what string) (crypto.SymmetricKey, error) {
	k, err := crypto.SymmetricKeyFromBytes(b)
	if err != nil {
		return k, corrupt(what, err)
	}
	return k, nil
}

func (r fileRecord) entry() (*metadata.FileEntry, error) {
	key, err := keyOf(r.Key, "file key")
	if err != nil {
		return nil, err
	}
	f := &metadata.FileEntry{
		Prefix:  r.Prefix,
		Block:   r.Block,
		Name:    r.Name,
		Size:    r.Size,
		MTime:   r.MTime,
		Key:     key,
		MetaRef: r.MetaRef,
		Hash:    r.Hash,
	}
	if len(r.MetaKey) > 0 {
		mk, err := keyOf(r.MetaKey, "file meta key")
		if err != nil {
			return nil, err
		}
		f.MetaKey = &mk
	}
	return f, nil
}

func fileRecordOf(f *metadata.FileEntry) fileRecord {
	r := fileRecord{
		Prefix:  f.Prefix,
		Block:   f.Block,
		Name:    f.Name,
		Size:    f.Size,
		MTime:   f.MTime,
		Key:     bytes.Clone(f.Key[:]),
		MetaRef: f.MetaRef,
		Hash:    f.Hash,
	}
	if f.MetaKey != nil {
		r.MetaKey = bytes.Clone(f.MetaKey[:])
	}
	return r
}

func (s *MemoryMetadataStore) check(ctx context.Context) error {
	if s.closed {
		return metadata.NewError(metadata.ErrIOFailure, "snapshot closed", nil)
	}
	return ctx.Err()
}

func (s *MemoryMetadataStore) kind(name string) metadata.NameKind {
	if _, ok := s.files[name]; ok {
		return metadata.NameKindFile
	}
	if _, ok := s.folders[name]; ok {
		return metadata.NameKindFolder
	}
	if _, ok := s.externals[name]; ok {
		return metadata.NameKindExternal
	}
	return metadata.NameKindNone
}

// ============================================================================
// Identity and Version Chain
// ============================================================================

func (s *MemoryMetadataStore) FileName() string {
	return s.fileName
}

func (s *MemoryMetadataStore) DeviceID() metadata.DeviceID {
	return s.device
}

func (s *MemoryMetadataStore) Version(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return bytes.Clone(s.versions[len(s.versions)-1].Version), nil
}

func (s *MemoryMetadataStore) LastChangedBy(ctx context.Context) (metadata.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return metadata.DeviceID{}, err
	}
	return s.lastChangeBy, nil
}

func (s *MemoryMetadataStore) BumpVersion(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	next := metadata.NextVersion(s.versions[len(s.versions)-1].Version, s.device)
	s.versions = append(s.versions, versionRecord{Version: next, Time: time.Now().UnixMilli()})
	s.lastChangeBy = s.device
	return nil
}

func (s *MemoryMetadataStore) Root(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	return s.root, nil
}

func (s *MemoryMetadataStore) SetRoot(ctx context.Context, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.root = root
	return nil
}

func (s *MemoryMetadataStore) NameKind(ctx context.Context, name string) (metadata.NameKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return metadata.NameKindNone, err
	}
	return s.kind(name), nil
}

// ============================================================================
// Files
// ============================================================================

func (s *MemoryMetadataStore) InsertFile(ctx context.Context, file *metadata.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.kind(file.Name) != metadata.NameKindNone {
		return metadata.NewNameConflictError(file.Name)
	}
	s.files[file.Name] = file.Clone()
	return nil
}

func (s *MemoryMetadataStore) DeleteFile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.files[name]; !ok {
		return metadata.NewNotFoundError(name)
	}
	delete(s.files, name)
	return nil
}

func (s *MemoryMetadataStore) GetFile(ctx context.Context, name string) (*metadata.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	f, ok := s.files[name]
	if !ok {
		return nil, metadata.NewNotFoundError(name)
	}
	return f.Clone(), nil
}

func (s *MemoryMetadataStore) ListFiles(ctx context.Context) ([]*metadata.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	files := make([]*metadata.FileEntry, 0, len(s.files))
	for _, name := range sortedKeys(s.files) {
		files = append(files, s.files[name].Clone())
	}
	return files, nil
}

// ============================================================================
// Folders
// ============================================================================

func (s *MemoryMetadataStore) InsertFolder(ctx context.Context, folder *metadata.FolderEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.kind(folder.Name) != metadata.NameKindNone {
		return metadata.NewNameConflictError(folder.Name)
	}
	c := *folder
	s.folders[folder.Name] = &c
	return nil
}

func (s *MemoryMetadataStore) DeleteFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.folders[name]; !ok {
		return metadata.NewNotFoundError(name)
	}
	delete(s.folders, name)
	return nil
}

func (s *MemoryMetadataStore) GetFolder(ctx context.Context, name string) (*metadata.FolderEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	f, ok := s.folders[name]
	if !ok {
		return nil, metadata.NewNotFoundError(name)
	}
	c := *f
	return &c, nil
}

func (s *MemoryMetadataStore) ListFolders(ctx context.Context) ([]*metadata.FolderEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	folders := make([]*metadata.FolderEntry, 0, len(s.folders))
	for _, name := range sortedKeys(s.folders) {
		c := *s.folders[name]
		folders = append(folders, &c)
	}
	return folders, nil
}

// ============================================================================
// Externals
// ============================================================================

func (s *MemoryMetadataStore) InsertExternal(ctx context.Context, ext *metadata.ExternalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.kind(ext.Name) != metadata.NameKindNone {
		return metadata.NewNameConflictError(ext.Name)
	}
	c := *ext
	s.externals[ext.Name] = &c
	return nil
}

func (s *MemoryMetadataStore) DeleteExternal(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.externals[name]; !ok {
		return metadata.NewNotFoundError(name)
	}
	delete(s.externals, name)
	return nil
}

func (s *MemoryMetadataStore) ListExternals(ctx context.Context) ([]*metadata.ExternalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	externals := make([]*metadata.ExternalEntry, 0, len(s.externals))
	for _, name := range sortedKeys(s.externals) {
		c := *s.externals[name]
		externals = append(externals, &c)
	}
	return externals, nil
}

// ============================================================================
// Shares
// ============================================================================

func (s *MemoryMetadataStore) InsertShare(ctx context.Context, share metadata.ShareEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.shares[share]; ok {
		return metadata.NewNameConflictError(share.Ref + "->" + share.Recipient)
	}
	s.shares[share] = struct{}{}
	return nil
}

func (s *MemoryMetadataStore) DeleteShare(ctx context.Context, share metadata.ShareEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.shares[share]; !ok {
		return metadata.NewNotFoundError(share.Ref + "->" + share.Recipient)
	}
	delete(s.shares, share)
	return nil
}

func (s *MemoryMetadataStore) DeleteSharesOf(ctx context.Context, ref string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for share := range s.shares {
		if share.Ref == ref {
			delete(s.shares, share)
			n++
		}
	}
	return n, nil
}

func (s *MemoryMetadataStore) ListShares(ctx context.Context) ([]metadata.ShareEntry, error) {
	return s.listShares(ctx, func(metadata.ShareEntry) bool { return true })
}

func (s *MemoryMetadataStore) ListSharesOf(ctx context.Context, ref string) ([]metadata.ShareEntry, error) {
	return s.listShares(ctx, func(share metadata.ShareEntry) bool { return share.Ref == ref })
}

func (s *MemoryMetadataStore) listShares(ctx context.Context, keep func(metadata.ShareEntry) bool) ([]metadata.ShareEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	shares := []metadata.ShareEntry{}
	for share := range s.shares {
		if keep(share) {
			shares = append(shares, share)
		}
	}
	slices.SortFunc(shares, compareShares)
	return shares, nil
}

func compareShares(a, b metadata.ShareEntry) int {
	if c := strings.Compare(a.Ref, b.Ref); c != 0 {
		return c
	}
	if c := strings.Compare(a.Recipient, b.Recipient); c != 0 {
		return c
	}
	return strings.Compare(string(a.Type), string(b.Type))
}

// ============================================================================
// Persistence
// ============================================================================

// Serialize writes the snapshot as a single CBOR document. Records are
// sorted by name so equal snapshots encode identically.
func (s *MemoryMetadataStore) Serialize(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	snap := snapshot{
		Format:       formatVersion,
		Versions:     s.versions,
		LastChangeBy: s.lastChangeBy.String(),
		Root:         s.root,
	}
	for _, name := range sortedKeys(s.files) {
		snap.Files = append(snap.Files, fileRecordOf(s.files[name]))
	}
	for _, name := range sortedKeys(s.folders) {
		f := s.folders[name]
		snap.Folders = append(snap.Folders, folderRecord{Ref: f.Ref, Name: f.Name, Key: bytes.Clone(f.Key[:])})
	}
	for _, name := range sortedKeys(s.externals) {
		e := s.externals[name]
		snap.Externals = append(snap.Externals, externalRecord{
			IsFolder: e.IsFolder, Owner: bytes.Clone(e.Owner[:]), Name: e.Name, Key: bytes.Clone(e.Key[:]), URL: e.URL,
		})
	}
	shares := make([]metadata.ShareEntry, 0, len(s.shares))
	for share := range s.shares {
		shares = append(shares, share)
	}
	slices.SortFunc(shares, compareShares)
	for _, share := range shares {
		snap.Shares = append(snap.Shares, shareRecord{Ref: share.Ref, Recipient: share.Recipient, Type: string(share.Type)})
	}

	if err := cbor.NewEncoder(w).Encode(snap); err != nil {
		return metadata.NewError(metadata.ErrIOFailure, "encode snapshot", err)
	}
	return nil
}

// Close marks the store closed. There are no scratch resources to release.
func (s *MemoryMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
