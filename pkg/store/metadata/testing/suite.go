// Package testing provides a reusable contract test suite for
// metadata.Factory implementations.
package testing

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the metadata.MetadataStore contract against any
// snapshot format.
//
// Usage:
//
//	func TestMyFactory(t *testing.T) {
//	    suite := &testing.StoreTestSuite{
//	        NewFactory: func(t *testing.T) metadata.Factory {
//	            return myformat.NewFactory()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewFactory creates a factory for each test.
	NewFactory func(t *testing.T) metadata.Factory
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("InitialVersion", suite.testInitialVersion)
	t.Run("BumpVersion", suite.testBumpVersion)
	t.Run("Files", suite.testFiles)
	t.Run("Folders", suite.testFolders)
	t.Run("Externals", suite.testExternals)
	t.Run("NameUniqueness", suite.testNameUniqueness)
	t.Run("Shares", suite.testShares)
	t.Run("Root", suite.testRoot)
	t.Run("SerializeRoundTrip", suite.testSerializeRoundTrip)
	t.Run("OpenGarbage", suite.testOpenGarbage)
	t.Run("Closed", suite.testClosed)
}

func testContext() context.Context {
	return context.Background()
}

// Device returns a random device identifier.
func Device(t *testing.T) metadata.DeviceID {
	t.Helper()
	d, err := metadata.NewDeviceID()
	require.NoError(t, err)
	return d
}

// Key returns a random symmetric key.
func Key(t *testing.T) crypto.SymmetricKey {
	t.Helper()
	var k crypto.SymmetricKey
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

// File returns a populated file entry named name.
func File(t *testing.T, name, block string) *metadata.FileEntry {
	t.Helper()
	return &metadata.FileEntry{
		Prefix: "",
		Block:  block,
		Name:   name,
		Size:   42,
		MTime:  1_700_000_000_000,
		Key:    Key(t),
		Hash:   bytes.Repeat([]byte{0x11}, 32),
	}
}

func (suite *StoreTestSuite) create(t *testing.T, device metadata.DeviceID) metadata.MetadataStore {
	t.Helper()
	s, err := suite.NewFactory(t).Create(testContext(), "snapshot", device)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (suite *StoreTestSuite) reopen(t *testing.T, s metadata.MetadataStore, device metadata.DeviceID) metadata.MetadataStore {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, s.Serialize(testContext(), &buf))
	opened, err := suite.NewFactory(t).Open(testContext(), s.FileName(), device, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = opened.Close() })
	return opened
}

func (suite *StoreTestSuite) testInitialVersion(t *testing.T) {
	device := Device(t)
	s := suite.create(t, device)

	v, err := s.Version(testContext())
	require.NoError(t, err)
	assert.Equal(t, metadata.InitialVersion(device), v)
	assert.Len(t, v, metadata.VersionSize)

	by, err := s.LastChangedBy(testContext())
	require.NoError(t, err)
	assert.Equal(t, device, by)
	assert.Equal(t, "snapshot", s.FileName())
	assert.Equal(t, device, s.DeviceID())
}

func (suite *StoreTestSuite) testBumpVersion(t *testing.T) {
	device := Device(t)
	s := suite.create(t, device)
	ctx := testContext()

	v0, err := s.Version(ctx)
	require.NoError(t, err)
	require.NoError(t, s.BumpVersion(ctx))
	v1, err := s.Version(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, v0, v1)
	assert.Equal(t, metadata.NextVersion(v0, device), v1)

	// A second device bumping the same snapshot becomes the last writer.
	other := Device(t)
	remote := suite.reopen(t, s, other)
	require.NoError(t, remote.BumpVersion(ctx))
	v2, err := remote.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, metadata.NextVersion(v1, other), v2)

	by, err := remote.LastChangedBy(ctx)
	require.NoError(t, err)
	assert.Equal(t, other, by)
}

func (suite *StoreTestSuite) testFiles(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	plain := File(t, "b.txt", "block-b")
	shared := File(t, "a.txt", "block-a")
	metaKey := Key(t)
	shared.MetaRef = "meta-a"
	shared.MetaKey = &metaKey
	shared.Hash = nil

	require.NoError(t, s.InsertFile(ctx, plain))
	require.NoError(t, s.InsertFile(ctx, shared))

	got, err := s.GetFile(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	assert.False(t, got.IsShared())

	got, err = s.GetFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, got.IsShared())
	assert.Equal(t, metaKey, *got.MetaKey)
	assert.Empty(t, got.Hash)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Name)
	assert.Equal(t, "b.txt", files[1].Name)

	kind, err := s.NameKind(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, metadata.NameKindFile, kind)

	require.NoError(t, s.DeleteFile(ctx, "a.txt"))
	_, err = s.GetFile(ctx, "a.txt")
	assert.True(t, metadata.IsNotFound(err), "deleted file should be gone: %v", err)
	assert.True(t, metadata.IsNotFound(s.DeleteFile(ctx, "a.txt")))
}

func (suite *StoreTestSuite) testFolders(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	folder := &metadata.FolderEntry{Ref: "ref-docs", Name: "docs", Key: Key(t)}
	require.NoError(t, s.InsertFolder(ctx, folder))

	got, err := s.GetFolder(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, folder, got)

	folders, err := s.ListFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*metadata.FolderEntry{folder}, folders)

	kind, err := s.NameKind(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, metadata.NameKindFolder, kind)

	require.NoError(t, s.DeleteFolder(ctx, "docs"))
	_, err = s.GetFolder(ctx, "docs")
	assert.True(t, metadata.IsNotFound(err))
	assert.True(t, metadata.IsNotFound(s.DeleteFolder(ctx, "docs")))
}

func (suite *StoreTestSuite) testExternals(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ext := &metadata.ExternalEntry{IsFolder: true, Owner: kp.Public, Name: "from-alice", Key: Key(t), URL: "memory://ref"}
	require.NoError(t, s.InsertExternal(ctx, ext))

	externals, err := s.ListExternals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*metadata.ExternalEntry{ext}, externals)

	kind, err := s.NameKind(ctx, "from-alice")
	require.NoError(t, err)
	assert.Equal(t, metadata.NameKindExternal, kind)

	require.NoError(t, s.DeleteExternal(ctx, "from-alice"))
	assert.True(t, metadata.IsNotFound(s.DeleteExternal(ctx, "from-alice")))
}

func (suite *StoreTestSuite) testNameUniqueness(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	require.NoError(t, s.InsertFile(ctx, File(t, "x", "block-1")))

	err := s.InsertFile(ctx, File(t, "x", "block-2"))
	assert.True(t, metadata.IsNameConflict(err), "duplicate file: %v", err)

	err = s.InsertFolder(ctx, &metadata.FolderEntry{Ref: "r", Name: "x", Key: Key(t)})
	assert.True(t, metadata.IsNameConflict(err), "folder over file: %v", err)

	err = s.InsertExternal(ctx, &metadata.ExternalEntry{Name: "x", Key: Key(t)})
	assert.True(t, metadata.IsNameConflict(err), "external over file: %v", err)

	got, err := s.GetFile(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "block-1", got.Block, "failed inserts must not modify the store")

	kind, err := s.NameKind(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, metadata.NameKindNone, kind)
}

func (suite *StoreTestSuite) testShares(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	a := metadata.ShareEntry{Ref: "ref-1", Recipient: "bob", Type: metadata.ShareTypeRead}
	b := metadata.ShareEntry{Ref: "ref-1", Recipient: "carol", Type: metadata.ShareTypeRead}
	c := metadata.ShareEntry{Ref: "ref-2", Recipient: "bob", Type: metadata.ShareTypeRead}

	for _, share := range []metadata.ShareEntry{a, b, c} {
		require.NoError(t, s.InsertShare(ctx, share))
	}
	assert.True(t, metadata.IsNameConflict(s.InsertShare(ctx, a)))

	all, err := s.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []metadata.ShareEntry{a, b, c}, all)

	of, err := s.ListSharesOf(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []metadata.ShareEntry{a, b}, of)

	require.NoError(t, s.DeleteShare(ctx, a))
	assert.True(t, metadata.IsNotFound(s.DeleteShare(ctx, a)))

	n, err := s.DeleteSharesOf(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err = s.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []metadata.ShareEntry{c}, all)

	none, err := s.ListSharesOf(ctx, "ref-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func (suite *StoreTestSuite) testRoot(t *testing.T) {
	s := suite.create(t, Device(t))
	ctx := testContext()

	root, err := s.Root(ctx)
	require.NoError(t, err)
	assert.Empty(t, root)

	require.NoError(t, s.SetRoot(ctx, "https://bucket.s3.amazonaws.com/box/"))
	require.NoError(t, s.SetRoot(ctx, "file:///data/box/"))
	root, err = s.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file:///data/box/", root)
}

func (suite *StoreTestSuite) testSerializeRoundTrip(t *testing.T) {
	device := Device(t)
	s := suite.create(t, device)
	ctx := testContext()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	metaKey := Key(t)
	file := File(t, "report.pdf", "block-r")
	file.MetaRef = "meta-r"
	file.MetaKey = &metaKey
	folder := &metadata.FolderEntry{Ref: "ref-f", Name: "photos", Key: Key(t)}
	ext := &metadata.ExternalEntry{Owner: kp.Public, Name: "shared.txt", Key: Key(t), URL: "https://example/x"}
	share := metadata.ShareEntry{Ref: "meta-r", Recipient: kp.Public.Hex(), Type: metadata.ShareTypeRead}

	require.NoError(t, s.InsertFile(ctx, file))
	require.NoError(t, s.InsertFolder(ctx, folder))
	require.NoError(t, s.InsertExternal(ctx, ext))
	require.NoError(t, s.InsertShare(ctx, share))
	require.NoError(t, s.SetRoot(ctx, "memory://"))
	require.NoError(t, s.BumpVersion(ctx))

	version, err := s.Version(ctx)
	require.NoError(t, err)

	other := Device(t)
	opened := suite.reopen(t, s, other)

	gotVersion, err := opened.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, gotVersion)

	by, err := opened.LastChangedBy(ctx)
	require.NoError(t, err)
	assert.Equal(t, device, by, "the snapshot's last writer survives a reload")
	assert.Equal(t, other, opened.DeviceID())

	gotFile, err := opened.GetFile(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, file, gotFile)

	gotFolder, err := opened.GetFolder(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, folder, gotFolder)

	externals, err := opened.ListExternals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*metadata.ExternalEntry{ext}, externals)

	shares, err := opened.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []metadata.ShareEntry{share}, shares)

	root, err := opened.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory://", root)
}

func (suite *StoreTestSuite) testOpenGarbage(t *testing.T) {
	_, err := suite.NewFactory(t).Open(testContext(), "bad", Device(t), bytes.NewReader([]byte("definitely not a snapshot")))
	require.Error(t, err)
	assert.True(t, metadata.HasCode(err, metadata.ErrCorruptMetadata), "got %v", err)
}

func (suite *StoreTestSuite) testClosed(t *testing.T) {
	s, err := suite.NewFactory(t).Create(testContext(), "closed", Device(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err = s.Version(testContext())
	assert.Error(t, err)
}
