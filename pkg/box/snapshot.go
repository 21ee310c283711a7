package box

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// ============================================================================
// Snapshot Codec
// ============================================================================
//
// Pipeline: Serialize -> zstd -> encrypt -> upload. Folder snapshots use the
// streaming AEAD under the folder key; the index is sealed in an anonymous
// box addressed to its owner.

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
)

func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// codec seals and opens the snapshot blob of one folder.
type codec struct {
	env   *environment
	index bool
	key   crypto.SymmetricKey
}

func indexCodec(env *environment) codec {
	return codec{env: env, index: true}
}

func folderCodec(env *environment, key crypto.SymmetricKey) codec {
	return codec{env: env, key: key}
}

// encode returns the sealed snapshot.
func (c codec) encode(ctx context.Context, store metadata.MetadataStore) ([]byte, error) {
	var plain bytes.Buffer
	if err := store.Serialize(ctx, &plain); err != nil {
		return nil, err
	}
	compressed := compress(plain.Bytes())

	if c.index {
		sealed, err := c.env.provider.CreateAnonymousBox(c.env.keys, c.env.keys.Public, compressed)
		if err != nil {
			return nil, fmt.Errorf("seal index: %w", err)
		}
		return sealed, nil
	}

	var sealed bytes.Buffer
	if err := c.env.provider.EncryptAuthenticated(&sealed, bytes.NewReader(compressed), c.key); err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	return sealed.Bytes(), nil
}

// decode authenticates and loads a sealed snapshot named fileName.
func (c codec) decode(ctx context.Context, fileName string, sealed io.Reader) (metadata.MetadataStore, error) {
	var compressed []byte
	if c.index {
		ciphertext, err := io.ReadAll(sealed)
		if err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		sender, plain, err := c.env.provider.OpenAnonymousBox(c.env.keys, ciphertext)
		if err != nil {
			return nil, err
		}
		if sender != c.env.keys.Public {
			return nil, fmt.Errorf("index sealed by %s: %w", sender.Hex(), crypto.ErrInvalidBox)
		}
		compressed = plain
	} else {
		var plain bytes.Buffer
		if err := c.env.provider.DecryptAuthenticated(&plain, sealed, c.key); err != nil {
			return nil, err
		}
		compressed = plain.Bytes()
	}

	data, err := decompress(compressed)
	if err != nil {
		return nil, metadata.NewError(metadata.ErrCorruptMetadata, fileName, err)
	}
	return c.env.factory.Open(ctx, fileName, c.env.device, bytes.NewReader(data))
}
