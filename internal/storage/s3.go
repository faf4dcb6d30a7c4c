package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage implements the Storage interface for S3-compatible storage
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string // Optional prefix for all keys
	tempDir  string // Temp directory for upload buffering
}

// S3Config holds configuration for S3 storage
type S3Config struct {
	Endpoint        string // For S3-compatible services like MinIO, B2, etc.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string // Optional prefix for all keys (e.g., "fileforge/")
	ForcePathStyle  bool   // Required for MinIO and some S3-compatible services
	TempDir         string // Temp directory for upload buffering
}

// NewS3Storage creates a new S3 storage instance
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		tempDir:  cfg.TempDir,
	}, nil
}

// buildKey adds the prefix to a key if configured
func (s *S3Storage) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	prefix := s.prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + key
}

// Writer buffers to a temp file and uploads on Close.
func (s *S3Storage) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	tempFile, err := os.CreateTemp(s.tempDir, "fileforge-s3-upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	writer := &s3Writer{
		ctx:      ctx,
		storage:  s,
		key:      s.buildKey(key),
		tempFile: tempFile,
		tempPath: tempFile.Name(),
	}
	// Set finalizer to ensure cleanup if Close() is never called
	runtime.SetFinalizer(writer, (*s3Writer).cleanup)
	return writer, nil
}

func (s *S3Storage) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return result.Body, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, s.buildKey(key))
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if object exists: %w", err)
	}
	return true, nil
}

func (s *S3Storage) Size(ctx context.Context, key string) (int64, error) {
	return s.sizeOf(ctx, s.buildKey(key))
}

func (s *S3Storage) sizeOf(ctx context.Context, fullKey string) (int64, error) {
	result, err := s.head(ctx, fullKey)
	if err != nil {
		return 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	if result.ContentLength == nil {
		return 0, nil
	}
	return *result.ContentLength, nil
}

func (s *S3Storage) head(ctx context.Context, fullKey string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// SeekableReader supports seeking through range requests.
func (s *S3Storage) SeekableReader(ctx context.Context, key string) (ReadSeekCloser, error) {
	return &s3SeekableReader{
		ctx:     ctx,
		storage: s,
		key:     s.buildKey(key),
	}, nil
}

// s3Writer implements io.WriteCloser for S3 uploads
type s3Writer struct {
	ctx       context.Context
	storage   *S3Storage
	key       string
	tempFile  *os.File
	tempPath  string
	closed    bool
	cleanedUp bool
	mu        sync.Mutex
}

func (w *s3Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("cannot write to closed writer")
	}
	n, err = w.tempFile.Write(p)
	if err != nil {
		w.cleanup()
	}
	return n, err
}

func (w *s3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	runtime.SetFinalizer(w, nil)
	defer w.cleanup()

	if err := w.tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	file, err := os.Open(w.tempPath)
	if err != nil {
		return fmt.Errorf("failed to reopen temp file: %w", err)
	}
	defer file.Close()

	_, err = w.storage.uploader.Upload(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.storage.bucket),
		Key:    aws.String(w.key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", w.key, w.storage.bucket, err)
	}
	return nil
}

// cleanup removes the temporary file - safe to call multiple times
func (w *s3Writer) cleanup() {
	if w.cleanedUp {
		return
	}
	w.cleanedUp = true
	if w.tempFile != nil {
		w.tempFile.Close()
	}
	if w.tempPath != "" {
		os.Remove(w.tempPath)
	}
}

// s3SeekableReader implements a seekable reader for S3 objects using range requests
type s3SeekableReader struct {
	ctx     context.Context
	storage *S3Storage
	key     string
	pos     int64
	reader  io.ReadCloser
	size    int64
	sizeSet bool
}

func (r *s3SeekableReader) Read(p []byte) (n int, err error) {
	if r.reader == nil {
		if err := r.openReader(); err != nil {
			return 0, err
		}
	}
	n, err = r.reader.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *s3SeekableReader) Seek(offset int64, whence int) (int64, error) {
	if r.reader != nil {
		r.reader.Close()
		r.reader = nil
	}
	if !r.sizeSet {
		size, err := r.storage.sizeOf(r.ctx, r.key)
		if err != nil {
			return 0, err
		}
		r.size = size
		r.sizeSet = true
	}

	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence value")
	}
	if r.pos < 0 {
		r.pos = 0
	}
	if r.pos > r.size {
		r.pos = r.size
	}
	return r.pos, nil
}

func (r *s3SeekableReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

func (r *s3SeekableReader) openReader() error {
	var rangeHeader *string
	if r.pos > 0 {
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", r.pos))
	}
	result, err := r.storage.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.storage.bucket),
		Key:    aws.String(r.key),
		Range:  rangeHeader,
	})
	if err != nil {
		return fmt.Errorf("failed to get object from S3: %w", err)
	}
	r.reader = result.Body
	return nil
}
