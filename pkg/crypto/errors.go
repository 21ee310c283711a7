package crypto

import "errors"

var (
	// ErrAuthenticationFailed is returned when a ciphertext fails tag
	// verification, is truncated, or carries an unknown header.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidBox is returned when an anonymous box cannot be opened.
	ErrInvalidBox = errors.New("invalid box")

	// ErrInvalidKey is returned for malformed key material.
	ErrInvalidKey = errors.New("invalid key")
)
