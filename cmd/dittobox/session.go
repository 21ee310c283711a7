package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/config"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// session bundles everything a command needs to work on the volume.
type session struct {
	cfg     *config.Config
	volume  *box.Volume
	backend blob.Backend
	metrics *config.MetricsResult
	closer  io.Closer
}

// loadConfig reads the configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = strings.ToUpper(logLevel)
	}
	if err := logger.Configure(level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession builds the backend and the volume described by the config.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	m := config.InitializeMetrics(cfg)
	backend, closer, err := config.CreateBackend(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	volume, err := config.CreateVolume(cfg, backend, m)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, volume: volume, backend: backend, metrics: m, closer: closer}, nil
}

func (s *session) Close() error {
	return s.closer.Close()
}

// splitPath turns "/a/b/c" into ["a", "b", "c"]. Empty segments are dropped.
func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}

// splitParent separates the last path element from its folder path.
func splitParent(p string) ([]string, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("path %q names the volume root", p)
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// walk navigates from the index through folders. The returned Navigation
// shares its lock and cache with the index, which is closed by the caller.
func walk(ctx context.Context, nav *box.Navigation, folders []string) (*box.Navigation, error) {
	current := nav
	for _, name := range folders {
		folder, err := current.GetFolder(ctx, name)
		if err != nil {
			return nil, err
		}
		if current, err = current.Navigate(ctx, folder); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// withIndex runs fn against a fresh index session and closes everything
// afterwards.
func withIndex(ctx context.Context, fn func(s *session, index *box.Navigation) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	index, err := s.volume.Navigate(ctx)
	if err != nil {
		if metadata.IsNotFound(err) {
			return errors.New("volume index not found (run 'dittobox create-index' first)")
		}
		return err
	}
	defer func() { _ = index.Close() }()

	return fn(s, index)
}

// withFile resolves p to a file and its folder session.
func withFile(ctx context.Context, p string, fn func(s *session, folder *box.Navigation, file *metadata.FileEntry) error) error {
	dirs, name, err := splitParent(p)
	if err != nil {
		return err
	}
	return withIndex(ctx, func(s *session, index *box.Navigation) error {
		folder, err := walk(ctx, index, dirs)
		if err != nil {
			return err
		}
		file, err := folder.GetFile(ctx, name)
		if err != nil {
			return err
		}
		return fn(s, folder, file)
	})
}
