package blob

import "errors"

// ============================================================================
// Standard Blob Backend Errors
// ============================================================================

// Implementations wrap these with the blob name for context:
//
//	return fmt.Errorf("blob %s: %w", name, blob.ErrNotFound)
//
// Callers check them with errors.Is.

var (
	// ErrNotFound indicates the named blob does not exist.
	//
	// Returned by Download and DownloadIfModified. Delete never returns it:
	// deleting a missing blob succeeds.
	ErrNotFound = errors.New("blob not found")

	// ErrUnmodified indicates a conditional download found the blob unchanged.
	//
	// The caller already holds the content identified by the hash it passed.
	ErrUnmodified = errors.New("blob not modified")

	// ErrModified indicates a conditional upload lost a race: the blob's
	// current hash no longer matches the expected one, or the blob exists
	// when it was expected to be absent.
	ErrModified = errors.New("blob modified concurrently")

	// ErrInvalidName indicates a blob name that the backend cannot store.
	ErrInvalidName = errors.New("invalid blob name")

	// ErrListUnsupported indicates a backend that cannot enumerate blobs.
	ErrListUnsupported = errors.New("blob listing not supported")
)
