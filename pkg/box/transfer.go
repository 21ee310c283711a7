package box

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// uploadBlock encrypts content under a fresh key into a scratch file, uploads
// it under a fresh block name and returns the resulting entry for name.
func uploadBlock(ctx context.Context, env *environment, name string, content io.Reader) (*metadata.FileEntry, error) {
	key, err := env.provider.GenerateSymmetricKey()
	if err != nil {
		return nil, toStoreError(name, err)
	}
	block := uuid.NewString()

	// ========================================================================
	// Step 1: Encrypt into scratch storage, hashing the plaintext on the way
	// ========================================================================

	tmp, err := createTemp(env.tempDir, "block-*")
	if err != nil {
		return nil, toStoreError(name, err)
	}
	defer discard(tmp)

	hr := blob.NewHashingReader(content)
	if err := env.provider.EncryptAuthenticated(tmp, hr, key); err != nil {
		return nil, toStoreError(name, fmt.Errorf("encrypt: %w", err))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, toStoreError(name, err)
	}

	// ========================================================================
	// Step 2: Upload the ciphertext
	// ========================================================================

	if _, err := env.backend.Upload(ctx, blob.BlockName(block), tmp); err != nil {
		return nil, toStoreError(name, fmt.Errorf("upload block %s: %w", block, err))
	}

	logger.Debug("box: uploaded %s as block %s (%d bytes)", name, block, hr.Count())

	return &metadata.FileEntry{
		Prefix: env.prefix,
		Block:  block,
		Name:   name,
		Size:   hr.Count(),
		MTime:  time.Now().UnixMilli(),
		Key:    key,
		Hash:   hr.Sum(),
	}, nil
}

// downloadBlock decrypts a block into a scratch file and returns a reader
// that removes the file on Close. No plaintext is returned unless the whole
// block authenticated.
func downloadBlock(ctx context.Context, env *environment, name, block string, key crypto.SymmetricKey) (io.ReadCloser, error) {
	d, err := env.backend.Download(ctx, blob.BlockName(block))
	if err != nil {
		return nil, toStoreError(name, err)
	}
	defer d.Body.Close()

	tmp, err := createTemp(env.tempDir, "plain-*")
	if err != nil {
		return nil, toStoreError(name, err)
	}
	if err := env.provider.DecryptAuthenticated(tmp, d.Body, key); err != nil {
		discard(tmp)
		return nil, toStoreError(name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		discard(tmp)
		return nil, toStoreError(name, err)
	}
	return &deleteOnClose{File: tmp}, nil
}
