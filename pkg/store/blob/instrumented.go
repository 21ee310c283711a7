package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Metrics receives backend operation telemetry.
//
// A nil Metrics passed to Instrument disables collection.
type Metrics interface {
	// ObserveOperation records one backend call. status is "ok",
	// "not_found", "unmodified", "modified" or "error".
	ObserveOperation(operation, status string, duration time.Duration)

	// RecordBytes records bytes moved; direction is "read" or "write".
	RecordBytes(direction string, bytes int64)
}

type instrumented struct {
	Backend
	metrics Metrics
}

// Instrument wraps b so every call is reported to m. Returns b unchanged when
// m is nil.
func Instrument(b Backend, m Metrics) Backend {
	if m == nil {
		return b
	}
	return &instrumented{Backend: b, metrics: m}
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnmodified):
		return "unmodified"
	case errors.Is(err, ErrModified):
		return "modified"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	countingReader
	closer  io.Closer
	metrics Metrics
}

func (c *countingReadCloser) Close() error {
	c.metrics.RecordBytes("read", c.n)
	return c.closer.Close()
}

func (i *instrumented) upload(op string, fn func(io.Reader) (*UploadResult, error), r io.Reader) (*UploadResult, error) {
	start := time.Now()
	cr := &countingReader{r: r}
	res, err := fn(cr)
	i.metrics.ObserveOperation(op, status(err), time.Since(start))
	if err == nil {
		i.metrics.RecordBytes("write", cr.n)
	}
	return res, err
}

func (i *instrumented) download(op string, fn func() (*Download, error)) (*Download, error) {
	start := time.Now()
	d, err := fn()
	i.metrics.ObserveOperation(op, status(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	d.Body = &countingReadCloser{countingReader: countingReader{r: d.Body}, closer: d.Body, metrics: i.metrics}
	return d, nil
}

func (i *instrumented) Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	return i.upload("upload", func(r io.Reader) (*UploadResult, error) {
		return i.Backend.Upload(ctx, name, r)
	}, r)
}

func (i *instrumented) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*UploadResult, error) {
	return i.upload("upload_if_match", func(r io.Reader) (*UploadResult, error) {
		return i.Backend.UploadIfMatch(ctx, name, r, expectedHash)
	}, r)
}

func (i *instrumented) Download(ctx context.Context, name string) (*Download, error) {
	return i.download("download", func() (*Download, error) {
		return i.Backend.Download(ctx, name)
	})
}

func (i *instrumented) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*Download, error) {
	return i.download("download_if_modified", func() (*Download, error) {
		return i.Backend.DownloadIfModified(ctx, name, ifNotHash)
	})
}

func (i *instrumented) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, name)
	i.metrics.ObserveOperation("delete", status(err), time.Since(start))
	return err
}

func (i *instrumented) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	objects, err := List(ctx, i.Backend, prefix)
	i.metrics.ObserveOperation("list", status(err), time.Since(start))
	return objects, err
}
