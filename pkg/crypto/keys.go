package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of every key type in this package.
const KeySize = 32

// SymmetricKey is a 256-bit key for the streaming AEAD.
type SymmetricKey [KeySize]byte

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is a Curve25519 private key.
type PrivateKey [KeySize]byte

// KeyPair is an asymmetric identity. The public key doubles as the stable
// identifier of its owner.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// IsZero reports whether the key is all zeros, which is never a valid key.
func (k SymmetricKey) IsZero() bool {
	return k == SymmetricKey{}
}

func (k SymmetricKey) String() string {
	return "SymmetricKey(redacted)"
}

// Hex returns the lowercase hex form of the public key.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k PublicKey) String() string {
	return k.Hex()
}

// SymmetricKeyFromBytes validates and copies raw key material.
func SymmetricKeyFromBytes(b []byte) (SymmetricKey, error) {
	var k SymmetricKey
	if len(b) != KeySize {
		return k, fmt.Errorf("symmetric key of %d bytes: %w", len(b), ErrInvalidKey)
	}
	copy(k[:], b)
	if k.IsZero() {
		return k, fmt.Errorf("symmetric key is zero: %w", ErrInvalidKey)
	}
	return k, nil
}

// PublicKeyFromBytes validates and copies a raw public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, fmt.Errorf("public key of %d bytes: %w", len(b), ErrInvalidKey)
	}
	copy(k[:], b)
	return k, nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", ErrInvalidKey)
	}
	return PublicKeyFromBytes(b)
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (*KeyPair, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, fmt.Errorf("read random key: %w", err)
	}
	return KeyPairFromPrivate(priv[:])
}

// KeyPairFromPrivate derives the public half from a private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("private key of %d bytes: %w", len(priv), ErrInvalidKey)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", ErrInvalidKey)
	}

	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	copy(kp.Public[:], pub)
	return kp, nil
}
