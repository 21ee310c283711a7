package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Stream format:
//
//	[1 byte version][16 byte random salt] then chunks of
//	ChunkSize plaintext bytes, each sealed with XChaCha20-Poly1305.
//
// The nonce of chunk i is salt || uint64be(i) with the top bit set on the
// final chunk. The header is authenticated as additional data, so
// reordering, truncation and header tampering all fail verification. The
// final chunk may be empty.
const (
	streamVersion  = 0x01
	saltSize       = 16
	headerSize     = 1 + saltSize
	ChunkSize      = 64 * 1024
	sealedChunkLen = ChunkSize + chacha20poly1305.Overhead
	lastChunkFlag  = uint64(1) << 63
)

func chunkNonce(salt []byte, counter uint64, last bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, salt)
	if last {
		counter |= lastChunkFlag
	}
	binary.BigEndian.PutUint64(nonce[saltSize:], counter)
	return nonce
}

// EncryptStream seals src into dst under key.
func EncryptStream(dst io.Writer, src io.Reader, key SymmetricKey) error {
	if key.IsZero() {
		return ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return fmt.Errorf("init cipher: %w", ErrInvalidKey)
	}

	header := make([]byte, headerSize)
	header[0] = streamVersion
	if _, err := io.ReadFull(rand.Reader, header[1:]); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}
	if _, err := dst.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, ChunkSize)
	out := make([]byte, 0, sealedChunkLen)
	salt := header[1:]

	for counter := uint64(0); ; counter++ {
		if counter&lastChunkFlag != 0 {
			return errors.New("stream too long")
		}
		n, err := io.ReadFull(src, buf)
		last := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			last = true
		case err != nil:
			return fmt.Errorf("read plaintext: %w", err)
		}

		out = aead.Seal(out[:0], chunkNonce(salt, counter, last), buf[:n], header)
		if _, err := dst.Write(out); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		if last {
			return nil
		}
	}
}

// DecryptStream verifies and opens a stream produced by EncryptStream.
//
// Chunks are written to dst as soon as they verify, so callers that must not
// expose partial plaintext should decrypt into scratch storage and discard it
// on error.
func DecryptStream(dst io.Writer, src io.Reader, key SymmetricKey) error {
	if key.IsZero() {
		return ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return fmt.Errorf("init cipher: %w", ErrInvalidKey)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("short header: %w", ErrAuthenticationFailed)
		}
		return fmt.Errorf("read header: %w", err)
	}
	if header[0] != streamVersion {
		return fmt.Errorf("unknown stream version %d: %w", header[0], ErrAuthenticationFailed)
	}

	buf := make([]byte, sealedChunkLen)
	out := make([]byte, 0, ChunkSize)
	salt := header[1:]

	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(src, buf)
		last := false
		switch {
		case err == io.EOF:
			// A full chunk was followed by nothing: the final chunk is missing.
			return fmt.Errorf("truncated stream: %w", ErrAuthenticationFailed)
		case err == io.ErrUnexpectedEOF:
			last = true
		case err != nil:
			return fmt.Errorf("read chunk: %w", err)
		}

		out, err = aead.Open(out[:0], chunkNonce(salt, counter, last), buf[:n], header)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", counter, ErrAuthenticationFailed)
		}
		if _, err := dst.Write(out); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
		if last {
			return nil
		}
	}
}
