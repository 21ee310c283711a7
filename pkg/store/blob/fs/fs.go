package fs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/zeebo/blake3"
)

// FSBackend implements blob.Backend using the local filesystem.
//
// Blob names map directly to paths below the root directory, so
// "blocks/<uuid>" is stored at <root>/blocks/<uuid>. Writes go to a
// temporary file in the destination directory and are renamed into place,
// so readers never observe a partially written blob.
//
// Content hashes are the hex BLAKE3 digest of the stored bytes and are
// computed on read.
//
// Thread Safety:
// Conditional uploads serialize on a per-name mutex. The check-and-swap is
// atomic for all writers in this process; writers in other processes sharing
// the directory are not coordinated.
type FSBackend struct {
	root  string
	locks sync.Map // name -> *sync.Mutex
}

// NewFSBackend creates a filesystem backend rooted at root, creating the
// directory if necessary.
func NewFSBackend(ctx context.Context, root string) (*FSBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}

	return &FSBackend{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FSBackend) Root() string {
	return f.root
}

func (f *FSBackend) path(name string) (string, error) {
	if !blob.ValidateName(name) {
		return "", fmt.Errorf("blob %q: %w", name, blob.ErrInvalidName)
	}
	return filepath.Join(f.root, filepath.FromSlash(name)), nil
}

func (f *FSBackend) lock(name string) func() {
	mu, _ := f.locks.LoadOrStore(name, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// hashFile hashes an open file and rewinds it.
func hashFile(file *os.File) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (f *FSBackend) currentHash(path string) (string, bool, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer file.Close()

	hash, _, err := hashFile(file)
	return hash, true, err
}

func (f *FSBackend) write(ctx context.Context, name string, r io.Reader, expectedHash *string) (*blob.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(name)
	if err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Stream into a temporary file next to the destination
	// ========================================================================

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Removing after a successful rename fails harmlessly.
		_ = os.Remove(tmpName)
	}()

	hr := blob.NewHashingReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", name, err)
	}

	// ========================================================================
	// Step 2: Check the precondition and rename into place
	// ========================================================================

	unlock := f.lock(name)
	defer unlock()

	if expectedHash != nil {
		cur, exists, err := f.currentHash(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		if *expectedHash == "" && exists {
			return nil, fmt.Errorf("blob %s already exists: %w", name, blob.ErrModified)
		}
		if *expectedHash != "" && (!exists || cur != *expectedHash) {
			return nil, fmt.Errorf("blob %s: %w", name, blob.ErrModified)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("rename %s: %w", name, err)
	}

	logger.Debug("fs backend: stored %s (%d bytes)", name, hr.Count())
	return &blob.UploadResult{Time: time.Now(), Hash: hr.Hex()}, nil
}

// Upload atomically replaces the blob at name.
func (f *FSBackend) Upload(ctx context.Context, name string, r io.Reader) (*blob.UploadResult, error) {
	return f.write(ctx, name, r, nil)
}

// UploadIfMatch replaces the blob only if its current hash is expectedHash.
func (f *FSBackend) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*blob.UploadResult, error) {
	return f.write(ctx, name, r, &expectedHash)
}

// Download opens the blob.
func (f *FSBackend) Download(ctx context.Context, name string) (*blob.Download, error) {
	return f.DownloadIfModified(ctx, name, "")
}

// DownloadIfModified opens the blob unless its hash equals ifNotHash.
//
// The hash is computed from the same open file descriptor that is returned,
// so a concurrent rename cannot make Hash and Body disagree.
func (f *FSBackend) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*blob.Download, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", name, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	hash, size, err := hashFile(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("hash %s: %w", name, err)
	}
	if ifNotHash != "" && hash == ifNotHash {
		_ = file.Close()
		return nil, fmt.Errorf("blob %s: %w", name, blob.ErrUnmodified)
	}

	return &blob.Download{Body: file, Hash: hash, Size: size}, nil
}

// Delete removes the blob. A missing blob is not an error.
func (f *FSBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// List walks the root directory. In-flight upload temp files are skipped.
func (f *FSBackend) List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error) {
	var objects []blob.ObjectInfo
	err := filepath.WalkDir(f.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		objects = append(objects, blob.ObjectInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// URL returns a file:// URL for the blob.
func (f *FSBackend) URL(name string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(f.root, filepath.FromSlash(name)))}
	return u.String()
}
