package blob

import "io"

// ReadAll drains and closes a download.
func ReadAll(d *Download) ([]byte, error) {
	defer d.Body.Close()
	return io.ReadAll(d.Body)
}
