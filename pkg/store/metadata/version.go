package metadata

import (
	"github.com/zeebo/blake3"
)

// VersionSize is the length of a version identifier.
const VersionSize = 32

const (
	versionTagInitial = 0x00
	versionTagNext    = 0x01
)

// InitialVersion is the version of a freshly created store.
func InitialVersion(device DeviceID) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte{versionTagInitial})
	_, _ = h.Write(device[:])
	return h.Sum(nil)
}

// NextVersion links a new version to its predecessor and the writing device.
func NextVersion(previous []byte, device DeviceID) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte{versionTagNext})
	_, _ = h.Write(previous)
	_, _ = h.Write(device[:])
	return h.Sum(nil)
}
