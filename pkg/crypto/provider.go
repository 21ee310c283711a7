// Package crypto provides the authenticated encryption used for every blob
// the box engine writes: a chunked XChaCha20-Poly1305 stream for file blocks,
// folder snapshots and file metadata, and an anonymous NaCl box for the root
// index.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Provider is the capability set the box engine needs.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// GenerateSymmetricKey returns a fresh random key.
	GenerateSymmetricKey() (SymmetricKey, error)

	// EncryptAuthenticated seals src into dst. The output carries its own
	// nonce material.
	EncryptAuthenticated(dst io.Writer, src io.Reader, key SymmetricKey) error

	// DecryptAuthenticated verifies and opens src into dst. Returns
	// ErrAuthenticationFailed on any tag mismatch or truncation.
	DecryptAuthenticated(dst io.Writer, src io.Reader, key SymmetricKey) error

	// CreateAnonymousBox encrypts plaintext for recipient, authenticated as sender.
	CreateAnonymousBox(sender *KeyPair, recipient PublicKey, plaintext []byte) ([]byte, error)

	// OpenAnonymousBox returns the sender key and plaintext, or ErrInvalidBox.
	OpenAnonymousBox(recipient *KeyPair, ciphertext []byte) (PublicKey, []byte, error)
}

// DefaultProvider implements Provider with XChaCha20-Poly1305 and NaCl box.
type DefaultProvider struct{}

// NewProvider returns the default provider.
func NewProvider() *DefaultProvider {
	return &DefaultProvider{}
}

func (DefaultProvider) GenerateSymmetricKey() (SymmetricKey, error) {
	var k SymmetricKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("generate symmetric key: %w", err)
	}
	return k, nil
}

func (DefaultProvider) EncryptAuthenticated(dst io.Writer, src io.Reader, key SymmetricKey) error {
	return EncryptStream(dst, src, key)
}

func (DefaultProvider) DecryptAuthenticated(dst io.Writer, src io.Reader, key SymmetricKey) error {
	return DecryptStream(dst, src, key)
}

func (DefaultProvider) CreateAnonymousBox(sender *KeyPair, recipient PublicKey, plaintext []byte) ([]byte, error) {
	return SealBox(sender, recipient, plaintext)
}

func (DefaultProvider) OpenAnonymousBox(recipient *KeyPair, ciphertext []byte) (PublicKey, []byte, error) {
	return OpenBox(recipient, ciphertext)
}
