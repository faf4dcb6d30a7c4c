package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig holds configuration for Google Cloud Storage
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string // service account JSON; empty uses application default credentials
}

// GCSStorage implements Storage on a Google Cloud Storage bucket.
type GCSStorage struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
}

func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStorage{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

func (g *GCSStorage) object(key string) *gcs.ObjectHandle {
	if g.prefix != "" {
		key = g.prefix + "/" + key
	}
	return g.bucket.Object(key)
}

// Writer streams to the object; the upload completes on Close.
func (g *GCSStorage) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	return g.object(key).NewWriter(ctx), nil
}

func (g *GCSStorage) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Object.NewReader: %w", err)
	}
	return r, nil
}

func (g *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (g *GCSStorage) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := g.object(key).Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("Object.Attrs: %w", err)
	}
	return attrs.Size, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

// SeekableReader issues a new range read after every seek.
func (g *GCSStorage) SeekableReader(ctx context.Context, key string) (ReadSeekCloser, error) {
	attrs, err := g.object(key).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("Object.Attrs: %w", err)
	}
	return &gcsSeekableReader{ctx: ctx, obj: g.object(key), size: attrs.Size}, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

type gcsSeekableReader struct {
	ctx    context.Context
	obj    *gcs.ObjectHandle
	size   int64
	pos    int64
	reader *gcs.Reader
}

func (r *gcsSeekableReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if r.reader == nil {
		rd, err := r.obj.NewRangeReader(r.ctx, r.pos, -1)
		if err != nil {
			return 0, err
		}
		r.reader = rd
	}
	n, err := r.reader.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *gcsSeekableReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.pos + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence value")
	}
	if next < 0 {
		return 0, fmt.Errorf("negative position")
	}
	if next != r.pos && r.reader != nil {
		r.reader.Close()
		r.reader = nil
	}
	r.pos = next
	return r.pos, nil
}

func (r *gcsSeekableReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}
