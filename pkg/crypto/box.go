package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Anonymous box layout:
//
//	outer = SealAnonymous(inner, recipient)          (ephemeral sender)
//	inner = [32 byte sender public][24 byte nonce][box.Seal(plaintext, nonce, recipient, sender)]
//
// The outer layer hides the sender from anyone but the recipient; the inner
// layer lets the recipient authenticate the static sender key.
const (
	boxNonceSize   = 24
	innerBoxHeader = KeySize + boxNonceSize
)

// SealBox encrypts plaintext for recipient, authenticated as sender.
func SealBox(sender *KeyPair, recipient PublicKey, plaintext []byte) ([]byte, error) {
	if sender == nil {
		return nil, ErrInvalidKey
	}

	var nonce [boxNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	inner := make([]byte, 0, innerBoxHeader+len(plaintext)+box.Overhead)
	inner = append(inner, sender.Public[:]...)
	inner = append(inner, nonce[:]...)
	inner = box.Seal(inner, plaintext, &nonce, (*[KeySize]byte)(&recipient), (*[KeySize]byte)(&sender.Private))

	out, err := box.SealAnonymous(nil, inner, (*[KeySize]byte)(&recipient), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal anonymous box: %w", err)
	}
	return out, nil
}

// OpenBox opens a box produced by SealBox and returns the authenticated
// sender key along with the plaintext.
func OpenBox(recipient *KeyPair, ciphertext []byte) (PublicKey, []byte, error) {
	var sender PublicKey
	if recipient == nil {
		return sender, nil, ErrInvalidKey
	}

	inner, ok := box.OpenAnonymous(nil, ciphertext, (*[KeySize]byte)(&recipient.Public), (*[KeySize]byte)(&recipient.Private))
	if !ok {
		return sender, nil, ErrInvalidBox
	}
	if len(inner) < innerBoxHeader+box.Overhead {
		return sender, nil, fmt.Errorf("inner box too short: %w", ErrInvalidBox)
	}

	copy(sender[:], inner[:KeySize])
	var nonce [boxNonceSize]byte
	copy(nonce[:], inner[KeySize:innerBoxHeader])

	plaintext, ok := box.Open(nil, inner[innerBoxHeader:], &nonce, (*[KeySize]byte)(&sender), (*[KeySize]byte)(&recipient.Private))
	if !ok {
		return PublicKey{}, nil, fmt.Errorf("sender authentication: %w", ErrInvalidBox)
	}
	return sender, plaintext, nil
}
