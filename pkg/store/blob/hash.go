package blob

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// HashBytes returns the hex BLAKE3-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashingReader wraps r and hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader returns a reader that hashes r as it is consumed.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the raw digest of everything read so far.
func (hr *HashingReader) Sum() []byte {
	return hr.h.Sum(nil)
}

// Hex returns the hex digest of everything read so far.
func (hr *HashingReader) Hex() string {
	return hex.EncodeToString(hr.Sum())
}

// Count returns the number of bytes read so far.
func (hr *HashingReader) Count() int64 {
	return hr.n
}
