package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Put copies r into key.
func Put(ctx context.Context, st Storage, key string, r io.Reader) error {
	w, err := st.Writer(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	return w.Close()
}

// PutFile copies the file at path on fsys into key.
func PutFile(ctx context.Context, st Storage, key string, fsys afero.Fs, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Put(ctx, st, key, f)
}

// FetchFile writes key to path on fsys, creating parent directories. A partial
// file is removed on failure.
func FetchFile(ctx context.Context, st Storage, key string, fsys afero.Fs, path string) error {
	r, err := st.Reader(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return fmt.Errorf("restore %s: %w", key, err)
	}
	return f.Close()
}
