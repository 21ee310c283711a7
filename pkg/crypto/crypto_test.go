package crypto

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) SymmetricKey {
	t.Helper()
	k, err := NewProvider().GenerateSymmetricKey()
	require.NoError(t, err)
	return k
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func seal(t *testing.T, plaintext []byte, key SymmetricKey) []byte {
	t.Helper()
	var ct bytes.Buffer
	require.NoError(t, EncryptStream(&ct, bytes.NewReader(plaintext), key))
	return ct.Bytes()
}

func TestStreamRoundTrip(t *testing.T) {
	key := mustKey(t)

	sizes := []int{0, 1, 100, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3 * ChunkSize}
	for _, size := range sizes {
		plaintext := randomBytes(t, size)
		ct := seal(t, plaintext, key)

		var out bytes.Buffer
		require.NoError(t, DecryptStream(&out, bytes.NewReader(ct), key), "size %d", size)
		assert.Equal(t, plaintext, out.Bytes(), "size %d", size)
	}
}

func TestStreamWrongKey(t *testing.T) {
	ct := seal(t, []byte("secret"), mustKey(t))

	var out bytes.Buffer
	err := DecryptStream(&out, bytes.NewReader(ct), mustKey(t))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Zero(t, out.Len())
}

func TestStreamTamper(t *testing.T) {
	key := mustKey(t)
	ct := seal(t, randomBytes(t, 1000), key)

	t.Run("FlippedByte", func(t *testing.T) {
		bad := bytes.Clone(ct)
		bad[len(bad)/2] ^= 0xff
		err := DecryptStream(&bytes.Buffer{}, bytes.NewReader(bad), key)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("Header", func(t *testing.T) {
		bad := bytes.Clone(ct)
		bad[3] ^= 0x01
		err := DecryptStream(&bytes.Buffer{}, bytes.NewReader(bad), key)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("Empty", func(t *testing.T) {
		err := DecryptStream(&bytes.Buffer{}, bytes.NewReader(nil), key)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})
}

func TestStreamTruncatedAtChunkBoundary(t *testing.T) {
	key := mustKey(t)
	ct := seal(t, randomBytes(t, 2*ChunkSize), key)

	// Drop the empty final chunk; the stream now ends on a full chunk.
	truncated := ct[:headerSize+2*sealedChunkLen]
	err := DecryptStream(&bytes.Buffer{}, bytes.NewReader(truncated), key)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Drop a whole chunk so a non-final chunk is presented as the last one.
	truncated = ct[:headerSize+sealedChunkLen]
	err = DecryptStream(&bytes.Buffer{}, bytes.NewReader(truncated), key)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestZeroKeyRejected(t *testing.T) {
	err := EncryptStream(&bytes.Buffer{}, bytes.NewReader([]byte("x")), SymmetricKey{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = SymmetricKeyFromBytes(make([]byte, KeySize))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = SymmetricKeyFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestBoxRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	p := NewProvider()
	ct, err := p.CreateAnonymousBox(alice, bob.Public, []byte("index snapshot"))
	require.NoError(t, err)

	sender, plaintext, err := p.OpenAnonymousBox(bob, ct)
	require.NoError(t, err)
	assert.Equal(t, alice.Public, sender)
	assert.Equal(t, []byte("index snapshot"), plaintext)

	// Boxes to self are what the root index uses.
	ct, err = p.CreateAnonymousBox(alice, alice.Public, []byte("self"))
	require.NoError(t, err)
	sender, plaintext, err = p.OpenAnonymousBox(alice, ct)
	require.NoError(t, err)
	assert.Equal(t, alice.Public, sender)
	assert.Equal(t, []byte("self"), plaintext)
}

func TestBoxWrongRecipient(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	ct, err := SealBox(alice, bob.Public, []byte("for bob"))
	require.NoError(t, err)

	_, _, err = OpenBox(eve, ct)
	assert.ErrorIs(t, err, ErrInvalidBox)

	ct[len(ct)-1] ^= 0x01
	_, _, err = OpenBox(bob, ct)
	assert.ErrorIs(t, err, ErrInvalidBox)
}

func TestKeyFileRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	require.NoError(t, SaveKeyPair(path, kp))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)
	assert.Equal(t, kp.Private, loaded.Private)

	parsed, err := ParsePublicKey(kp.Public.Hex())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = ParsePublicKey("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
