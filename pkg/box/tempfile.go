package box

import (
	"errors"
	"os"

	"github.com/marmos91/dittobox/internal/logger"
)

// createTemp creates a private scratch file. Every caller must hand the file
// to discard or to a deleteOnClose on all paths.
func createTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

// discard closes and removes a scratch file.
func discard(f *os.File) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("box: remove scratch file %s: %v", f.Name(), err)
	}
}

// deleteOnClose serves decrypted content from a scratch file and removes the
// file when the reader is closed.
type deleteOnClose struct {
	*os.File
}

func (d *deleteOnClose) Close() error {
	err := d.File.Close()
	if rmErr := os.Remove(d.File.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
