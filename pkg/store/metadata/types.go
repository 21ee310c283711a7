package metadata

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/marmos91/dittobox/pkg/crypto"
)

// DeviceIDSize is the length of a DeviceID in bytes.
const DeviceIDSize = 16

// DeviceID identifies a writer of the version chain.
type DeviceID [DeviceIDSize]byte

// NewDeviceID returns a random device identifier.
func NewDeviceID() (DeviceID, error) {
	var d DeviceID
	if _, err := io.ReadFull(rand.Reader, d[:]); err != nil {
		return d, fmt.Errorf("generate device id: %w", err)
	}
	return d, nil
}

// ParseDeviceID decodes a 32 character hex device identifier.
func ParseDeviceID(s string) (DeviceID, error) {
	var d DeviceID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != DeviceIDSize {
		return d, fmt.Errorf("device id %q: expected %d hex bytes", s, DeviceIDSize)
	}
	copy(d[:], b)
	return d, nil
}

func (d DeviceID) String() string {
	return hex.EncodeToString(d[:])
}

// NameKind tells which record set owns a name.
type NameKind int

const (
	NameKindNone NameKind = iota
	NameKindFile
	NameKindFolder
	NameKindExternal
)

func (k NameKind) String() string {
	switch k {
	case NameKindFile:
		return "file"
	case NameKindFolder:
		return "folder"
	case NameKindExternal:
		return "external"
	default:
		return "none"
	}
}

// FileEntry is a file record.
type FileEntry struct {
	// Prefix is the namespace prefix the block lives under.
	Prefix string

	// Block is the random blob name (without the "blocks/" namespace)
	// holding the encrypted content.
	Block string

	Name string
	Size int64

	// MTime is the modification time in milliseconds since the epoch.
	MTime int64

	// Key encrypts the block.
	Key crypto.SymmetricKey

	// MetaRef and MetaKey locate the detached FileMetadata blob. Both are
	// set iff the file is shareable.
	MetaRef string
	MetaKey *crypto.SymmetricKey

	// Hash is the BLAKE3 digest of the plaintext, if known.
	Hash []byte
}

// IsShared reports whether a detached FileMetadata blob exists.
func (f *FileEntry) IsShared() bool {
	return f.MetaRef != "" && f.MetaKey != nil
}

// IsSame reports whether both entries reference the same block.
func (f *FileEntry) IsSame(other *FileEntry) bool {
	return other != nil && f.Block == other.Block
}

// SameContent reports whether both entries carry an equal, known plaintext hash.
func (f *FileEntry) SameContent(other *FileEntry) bool {
	return other != nil && len(f.Hash) > 0 && bytes.Equal(f.Hash, other.Hash)
}

// Clone returns a deep copy.
func (f *FileEntry) Clone() *FileEntry {
	c := *f
	if f.MetaKey != nil {
		k := *f.MetaKey
		c.MetaKey = &k
	}
	c.Hash = bytes.Clone(f.Hash)
	return &c
}

// WithoutShare returns a copy with the share metadata cleared.
func (f *FileEntry) WithoutShare() *FileEntry {
	c := f.Clone()
	c.MetaRef = ""
	c.MetaKey = nil
	return c
}

// FolderEntry is a subfolder record.
type FolderEntry struct {
	// Ref is the blob name of the subfolder's snapshot.
	Ref string

	Name string

	// Key encrypts the subfolder's snapshot.
	Key crypto.SymmetricKey
}

// ShareType is the access level granted by a share.
type ShareType string

// ShareTypeRead is the only share type in use.
const ShareTypeRead ShareType = "READ"

// ShareEntry records that Ref was shared with Recipient. Only the index
// holds shares.
type ShareEntry struct {
	Ref       string
	Recipient string
	Type      ShareType
}

// ExternalEntry is an object another user shared with the owner.
type ExternalEntry struct {
	IsFolder bool
	Owner    crypto.PublicKey
	Name     string
	Key      crypto.SymmetricKey
	URL      string
}
