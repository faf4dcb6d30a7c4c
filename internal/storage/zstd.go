package storage

import (
	"context"
	"fmt"
	"io"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// ZSTDStorage wraps another storage with seekable zstd compression.
// Keys are stored with a .zst suffix so compressed and plain objects never collide.
type ZSTDStorage struct {
	storage SeekableStorage
}

func NewZSTDStorage(storage SeekableStorage) *ZSTDStorage {
	return &ZSTDStorage{storage: storage}
}

func zkey(key string) string { return key + ".zst" }

func (z *ZSTDStorage) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := z.storage.Writer(ctx, zkey(key))
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		w.Close()
		return nil, err
	}

	seekableWriter, err := seekable.NewWriter(w, encoder)
	if err != nil {
		w.Close()
		encoder.Close()
		return nil, err
	}

	return &zstdWriteCloser{
		seekableWriter: seekableWriter,
		underlying:     w,
		encoder:        encoder,
	}, nil
}

func (z *ZSTDStorage) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	return z.SeekableReader(ctx, key)
}

func (z *ZSTDStorage) Exists(ctx context.Context, key string) (bool, error) {
	return z.storage.Exists(ctx, zkey(key))
}

// Size returns the compressed size.
func (z *ZSTDStorage) Size(ctx context.Context, key string) (int64, error) {
	return z.storage.Size(ctx, zkey(key))
}

func (z *ZSTDStorage) Delete(ctx context.Context, key string) error {
	return z.storage.Delete(ctx, zkey(key))
}

func (z *ZSTDStorage) SeekableReader(ctx context.Context, key string) (ReadSeekCloser, error) {
	r, err := z.storage.SeekableReader(ctx, zkey(key))
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		r.Close()
		return nil, err
	}

	seekableReader, err := seekable.NewReader(r, decoder)
	if err != nil {
		decoder.Close()
		r.Close()
		return nil, fmt.Errorf("open seekable zstd %s: %w", key, err)
	}

	return &zstdSeekableReader{
		seekableReader: seekableReader,
		underlying:     r,
		decoder:        decoder,
	}, nil
}

// zstdWriteCloser implements io.WriteCloser with seekable zstd compression
type zstdWriteCloser struct {
	seekableWriter seekable.Writer
	underlying     io.WriteCloser
	encoder        *zstd.Encoder
}

func (w *zstdWriteCloser) Write(p []byte) (n int, err error) {
	return w.seekableWriter.Write(p)
}

func (w *zstdWriteCloser) Close() error {
	// seek table is written on Close
	if err := w.seekableWriter.Close(); err != nil {
		w.underlying.Close()
		return err
	}
	w.encoder.Close()
	return w.underlying.Close()
}

// zstdSeekableReader implements ReadSeekCloser over a seekable zstd stream
type zstdSeekableReader struct {
	seekableReader seekable.Reader
	underlying     io.ReadCloser
	decoder        *zstd.Decoder
}

func (r *zstdSeekableReader) Read(p []byte) (n int, err error) {
	return r.seekableReader.Read(p)
}

func (r *zstdSeekableReader) Seek(offset int64, whence int) (int64, error) {
	return r.seekableReader.Seek(offset, whence)
}

func (r *zstdSeekableReader) Close() error {
	if err := r.seekableReader.Close(); err != nil {
		r.underlying.Close()
		return err
	}
	r.decoder.Close()
	return r.underlying.Close()
}
