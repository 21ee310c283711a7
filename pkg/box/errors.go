package box

import (
	"context"
	"errors"

	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// ============================================================================
// Boundary Error Mapping
// ============================================================================
//
// Transport and crypto sentinels never leave the engine raw. Every error a
// Navigation or Volume returns is either a context error or a
// *metadata.StoreError whose cause chain still reaches the original sentinel.

// toStoreError maps err into a StoreError for path.
func toStoreError(path string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := metadata.CodeOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch {
	case errors.Is(err, blob.ErrNotFound):
		return metadata.NewError(metadata.ErrNotFound, path, err)
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return metadata.NewError(metadata.ErrDecryptionFailed, path, err)
	case errors.Is(err, crypto.ErrInvalidBox):
		return metadata.NewError(metadata.ErrNotFound, path, err)
	case errors.Is(err, crypto.ErrInvalidKey):
		return metadata.NewError(metadata.ErrInvalidKey, path, err)
	default:
		return metadata.NewError(metadata.ErrIOFailure, path, err)
	}
}

// notFoundOnDecrypt reports authentication failures of snapshot blobs as
// ErrNotFound: a wrong key and a missing snapshot look the same to callers.
func notFoundOnDecrypt(path string, err error) error {
	if errors.Is(err, crypto.ErrAuthenticationFailed) || errors.Is(err, crypto.ErrInvalidBox) {
		return metadata.NewError(metadata.ErrNotFound, path, err)
	}
	return toStoreError(path, err)
}
