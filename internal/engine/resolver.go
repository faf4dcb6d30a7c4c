package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"fileforge/internal/domain"
	"fileforge/internal/formats"
	"fileforge/internal/jobs"
	"fileforge/internal/layout"
	"fileforge/internal/models"
	"fileforge/internal/storage"
)

// Download is a validated file ready to be served.
type Download struct {
	Path     string
	Filename string
	MIME     string
	Size     int64
	JobID    string
}

// Resolver maps download tokens to files under the storage root.
type Resolver struct {
	conversions   *jobs.ConversionRepository
	optimizations *jobs.OptimizationRepository
	registry      *formats.Registry
	layout        *layout.Layout
	mirror        storage.Storage
	tombstones    *jobs.Tombstones
	now           func() time.Time
	logger        *slog.Logger
}

func NewResolver(deps *Deps, conversions *jobs.ConversionRepository, optimizations *jobs.OptimizationRepository) *Resolver {
	return &Resolver{
		conversions:   conversions,
		optimizations: optimizations,
		registry:      deps.Registry,
		layout:        deps.Layout,
		mirror:        deps.Mirror,
		tombstones:    deps.Tombstones,
		now:           deps.now,
		logger:        deps.logger().With("component", "resolver"),
	}
}

// Resolve checks, in order: the token exists, the job completed, it has not
// expired, the path stays under the root, and the file is present. A missing
// file is restored from the mirror when one is configured.
func (r *Resolver) Resolve(ctx context.Context, token string) (Download, error) {
	base, format, err := r.find(ctx, token)
	if err != nil {
		return Download{}, err
	}
	if base.Status != domain.StatusCompleted || base.OutputFilename == nil || base.ExpiresAt == nil {
		return Download{}, domain.Errorf(domain.KindNotFound, "download not found")
	}
	if !r.now().Before(*base.ExpiresAt) {
		return Download{}, domain.Errorf(domain.KindExpired, "this download has expired")
	}

	path, err := r.layout.SafeOutputPath(base.Identity(), *base.OutputFilename)
	if err != nil {
		return Download{}, err
	}
	if !r.layout.Exists(path) && !r.restore(ctx, path) {
		return Download{}, domain.Errorf(domain.KindNotFound, "file is no longer available")
	}
	size, err := r.layout.Size(path)
	if err != nil {
		return Download{}, domain.Wrap(domain.KindInternal, err, "stat output")
	}

	mime := r.registry.MIME(format)
	if mime == "application/octet-stream" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			mime = mt.String()
		}
	}
	return Download{Path: path, Filename: *base.OutputFilename, MIME: mime, Size: size, JobID: base.ID}, nil
}

// find looks the token up in both job tables.
func (r *Resolver) find(ctx context.Context, token string) (*models.JobBase, string, error) {
	if token == "" {
		return nil, "", domain.Errorf(domain.KindNotFound, "download not found")
	}
	c, err := r.conversions.FindByToken(ctx, token)
	if err == nil {
		return c.Base(), c.OutputFormat, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", domain.Wrap(domain.KindInternal, err, "lookup download")
	}
	o, err := r.optimizations.FindByToken(ctx, token)
	if err == nil {
		return o.Base(), o.InputFormat, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", domain.Wrap(domain.KindInternal, err, "lookup download")
	}
	if r.tombstones != nil {
		expired, terr := r.tombstones.Expired(ctx, token)
		if terr != nil {
			return nil, "", domain.Wrap(domain.KindInternal, terr, "lookup download")
		}
		if expired {
			return nil, "", domain.Errorf(domain.KindExpired, "this download has expired")
		}
	}
	return nil, "", err
}

func (r *Resolver) restore(ctx context.Context, path string) bool {
	if r.mirror == nil {
		return false
	}
	key := r.layout.Rel(path)
	if ok, err := r.mirror.Exists(ctx, key); err != nil || !ok {
		return false
	}
	if err := storage.FetchFile(ctx, r.mirror, key, r.layout.Fs(), path); err != nil {
		r.logger.Warn("restore from mirror failed", "key", key, "error", err)
		return false
	}
	r.logger.Info("output restored from mirror", "key", key)
	return true
}
