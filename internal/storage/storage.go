// Package storage persists generated artifacts (audio, summaries, covers,
// manifests) and returns a stable reference for each.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/local/audiobooker/internal/config"
)

var ErrNotFound = errors.New("artifact not found")

// Storage writes and reads artifacts by slash-separated key.
type Storage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every artifact under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "s3":
		return NewS3(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// Key joins path elements into a storage key.
func Key(parts ...string) string { return path.Join(parts...) }

// Local stores artifacts under a directory.
type Local struct {
	root string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "data/artifacts"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes atomically through a temp file and returns a file:// ref.
func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return "file://" + p, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) DeletePrefix(_ context.Context, prefix string) error {
	p, err := l.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}
