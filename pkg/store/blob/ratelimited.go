package blob

import (
	"context"
	"io"
)

// Limiter paces backend traffic. *ratelimiter.RateLimiter implements it.
type Limiter interface {
	// Wait admits one request.
	Wait(ctx context.Context) error

	// WaitBytes admits n transferred bytes.
	WaitBytes(ctx context.Context, n int) error
}

type rateLimited struct {
	Backend
	limiter Limiter
}

// RateLimit wraps b so every request waits for l. Returns b unchanged when l
// is nil.
func RateLimit(b Backend, l Limiter) Backend {
	if l == nil {
		return b
	}
	return &rateLimited{Backend: b, limiter: l}
}

// throttledReader charges every read against the bandwidth limit.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitBytes(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledReadCloser struct {
	throttledReader
	closer io.Closer
}

func (t *throttledReadCloser) Close() error {
	return t.closer.Close()
}

func (l *rateLimited) throttle(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, r: r, limiter: l.limiter}
}

func (l *rateLimited) throttleDownload(ctx context.Context, d *Download) *Download {
	d.Body = &throttledReadCloser{
		throttledReader: throttledReader{ctx: ctx, r: d.Body, limiter: l.limiter},
		closer:          d.Body,
	}
	return d
}

func (l *rateLimited) Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Upload(ctx, name, l.throttle(ctx, r))
}

func (l *rateLimited) UploadIfMatch(ctx context.Context, name string, r io.Reader, expectedHash string) (*UploadResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.UploadIfMatch(ctx, name, l.throttle(ctx, r), expectedHash)
}

func (l *rateLimited) Download(ctx context.Context, name string) (*Download, error) {
	return l.DownloadIfModified(ctx, name, "")
}

func (l *rateLimited) DownloadIfModified(ctx context.Context, name string, ifNotHash string) (*Download, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	d, err := l.Backend.DownloadIfModified(ctx, name, ifNotHash)
	if err != nil {
		return nil, err
	}
	return l.throttleDownload(ctx, d), nil
}

func (l *rateLimited) Delete(ctx context.Context, name string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.Backend.Delete(ctx, name)
}

func (l *rateLimited) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return List(ctx, l.Backend, prefix)
}
