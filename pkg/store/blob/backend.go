// Package blob defines the named-blob storage contract used by the box
// engine, plus helpers shared by its implementations.
//
// A backend stores opaque, already-encrypted byte strings under
// slash-separated names ("blocks/<uuid>", "<folder-ref>", "<root-ref>").
// Every stored blob has a content hash that changes whenever the blob is
// rewritten; the hash is backend specific (BLAKE3 for fs and memory, ETag
// for S3) and only ever compared against hashes from the same backend.
package blob

import (
	"context"
	"io"
	"strings"
	"time"
)

// Download is the result of a successful read.
//
// Callers must Close Body.
type Download struct {
	// Body streams the stored bytes.
	Body io.ReadCloser

	// Hash identifies this exact content. Pass it to DownloadIfModified or
	// UploadIfMatch to make those operations conditional on it.
	Hash string

	// Size is the stored size in bytes, or -1 when unknown.
	Size int64
}

// UploadResult describes a completed write.
type UploadResult struct {
	// Time is when the backend accepted the write.
	Time time.Time

	// Hash is the content hash of the stored blob.
	Hash string
}

// Backend is a store of named blobs.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Backend interface {
	// Upload stores r under name, replacing any existing blob.
	Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error)

	// UploadIfMatch stores r under name only if the current blob's hash is
	// expectedHash. An empty expectedHash requires that no blob exists yet.
	// Returns ErrModified when the condition does not hold.
	UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*UploadResult, error)

	// Download opens the blob for reading. Returns ErrNotFound if absent.
	Download(ctx context.Context, name string) (*Download, error)

	// DownloadIfModified is Download, except that it returns ErrUnmodified
	// when the blob's hash equals ifNotHash.
	DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*Download, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// URL returns an externally resolvable locator for name.
	URL(name string) string
}

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Lister is implemented by backends that can enumerate their blobs.
//
// Listing is optional: the engine never needs it. Orphan collection does.
type Lister interface {
	// List returns every blob whose name starts with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// List enumerates b. Returns ErrListUnsupported when b is not a Lister.
func List(ctx context.Context, b Backend, prefix string) ([]ObjectInfo, error) {
	l, ok := b.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return l.List(ctx, prefix)
}

// BlocksPrefix is the namespace holding encrypted file contents.
const BlocksPrefix = "blocks/"

// BlockName returns the blob name of a file block.
func BlockName(block string) string {
	return BlocksPrefix + block
}

// ValidateName rejects names that could escape a backend's namespace.
func ValidateName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
