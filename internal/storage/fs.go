// Package storage is the object-store port used for the artifact mirror.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"
)

// Storage is a flat key/value object store.
type Storage interface {
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
	Reader(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// ReadSeekCloser is returned by seekable backends.
type ReadSeekCloser interface {
	io.ReadCloser
	io.Seeker
}

// SeekableStorage extends Storage with seekable readers
type SeekableStorage interface {
	Storage
	SeekableReader(ctx context.Context, key string) (ReadSeekCloser, error)
}

// FSStorage stores objects as files on an afero filesystem.
type FSStorage struct {
	fs afero.Fs
}

// NewFSStorage stores objects below baseDir on the OS filesystem.
func NewFSStorage(baseDir string) *FSStorage {
	return &FSStorage{fs: afero.NewBasePathFs(afero.NewOsFs(), baseDir)}
}

// NewAferoStorage stores objects on any afero filesystem, e.g. MemMapFs in tests.
func NewAferoStorage(fsys afero.Fs) *FSStorage {
	return &FSStorage{fs: fsys}
}

func clean(key string) string {
	return path.Clean("/" + key)
}

func (s *FSStorage) Writer(_ context.Context, key string) (io.WriteCloser, error) {
	p := clean(key)
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return s.fs.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (s *FSStorage) Reader(_ context.Context, key string) (io.ReadCloser, error) {
	return s.fs.Open(clean(key))
}

func (s *FSStorage) Exists(_ context.Context, key string) (bool, error) {
	_, err := s.fs.Stat(clean(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FSStorage) Size(_ context.Context, key string) (int64, error) {
	info, err := s.fs.Stat(clean(key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FSStorage) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(clean(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStorage) SeekableReader(_ context.Context, key string) (ReadSeekCloser, error) {
	return s.fs.Open(clean(key))
}
