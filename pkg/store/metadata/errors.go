package metadata

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error raised by a metadata store or by the
// box engine built on top of it.
//
// These are the failure kinds callers are expected to branch on. Transport
// and crypto sentinels from lower layers are translated into a StoreError at
// the engine boundary and kept reachable through Unwrap.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the entry or blob name related to the error (if applicable)
	Path string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a StoreError.
type ErrorCode int

const (
	// ErrNotFound indicates a file, folder, share, blob or key does not
	// exist. A failed authenticated decrypt while navigating also reports
	// ErrNotFound so a wrong key is indistinguishable from a missing blob.
	ErrNotFound ErrorCode = iota

	// ErrNameConflict indicates an insert collided with an existing entry
	ErrNameConflict

	// ErrDecryptionFailed indicates a file block failed authentication
	ErrDecryptionFailed

	// ErrCorruptMetadata indicates a snapshot blob is structurally invalid
	ErrCorruptMetadata

	// ErrIOFailure indicates a local temp-file or backend I/O error
	ErrIOFailure

	// ErrInvalidKey indicates malformed key material
	ErrInvalidKey
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrNameConflict:
		return "name conflict"
	case ErrDecryptionFailed:
		return "decryption failed"
	case ErrCorruptMetadata:
		return "corrupt metadata"
	case ErrIOFailure:
		return "i/o failure"
	case ErrInvalidKey:
		return "invalid key"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// NewError builds a StoreError.
func NewError(code ErrorCode, path string, cause error) *StoreError {
	return &StoreError{Code: code, Message: code.String(), Path: path, Err: cause}
}

// NewNotFoundError reports a missing entry.
func NewNotFoundError(path string) *StoreError {
	return NewError(ErrNotFound, path, nil)
}

// NewNameConflictError reports a colliding insert.
func NewNameConflictError(name string) *StoreError {
	return NewError(ErrNameConflict, name, nil)
}

// CodeOf returns the code of the first StoreError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries a StoreError with the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsNotFound reports whether err is an ErrNotFound StoreError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrNotFound)
}

// IsNameConflict reports whether err is an ErrNameConflict StoreError.
func IsNameConflict(err error) bool {
	return HasCode(err, ErrNameConflict)
}
