package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gorm.io/gorm"

	"fileforge/internal/converters"
	"fileforge/internal/database/dbtest"
	"fileforge/internal/domain"
	"fileforge/internal/formats"
	"fileforge/internal/imaging"
	"fileforge/internal/jobs"
	"fileforge/internal/layout"
	"fileforge/internal/models"
	"fileforge/internal/quota"
	"fileforge/internal/storage"
)

type stubConverter struct {
	name    string
	in, out string
	err     error

	mu    sync.Mutex
	calls int
	last  converters.Request
}

func (s *stubConverter) Name() string                   { return s.name }
func (s *stubConverter) Priority() int                  { return 10 }
func (s *stubConverter) CanConvert(in, out string) bool { return in == s.in && out == s.out }
func (s *stubConverter) CheckDependencies(context.Context) (bool, []string) {
	return true, nil
}

func (s *stubConverter) Convert(_ context.Context, req converters.Request) error {
	s.mu.Lock()
	s.calls++
	s.last = req
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("<p>converted from "+req.InputFormat+"</p>"), 0o644)
}

func (s *stubConverter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	revoked  []string
	dead     bool
	err      error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, kind JobKind, jobID string, _ domain.Surface) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.enqueued = append(d.enqueued, jobID)
	return fmt.Sprintf("%s-%d", kind, len(d.enqueued)), nil
}

func (d *fakeDispatcher) Revoke(_ context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, taskID)
	return nil
}

func (d *fakeDispatcher) TaskAlive(context.Context, string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.dead, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.enqueued)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	db       *gorm.DB
	deps     *Deps
	conv     *ConversionEngine
	opt      *OptimizationEngine
	resolver *Resolver
	sweeper  *Sweeper
	disp     *fakeDispatcher
	clock    *clock
	mirror   afero.Fs
}

func newEnv(t *testing.T, convs ...converters.Converter) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	db := dbtest.Open(t)
	clk := &clock{t: time.Now().UTC().Truncate(time.Second)}

	l, err := layout.New(afero.NewOsFs(), t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	mirrorFs := afero.NewMemMapFs()
	disp := &fakeDispatcher{}
	deps := &Deps{
		Registry:   formats.New(),
		Pool:       converters.NewPool(context.Background(), logger, convs...),
		Layout:     l,
		Ledger:     quota.NewLedger(quota.NewGormStore(db), logger).WithClock(clk.Now),
		Dispatcher: disp,
		Mirror:     storage.NewAferoStorage(mirrorFs),
		Tombstones: jobs.NewTombstones(db),
		Logger:     logger,
		Now:        clk.Now,
	}
	convRepo := jobs.NewConversionRepository(db)
	optRepo := jobs.NewOptimizationRepository(db)
	batches := jobs.NewBatches(db)
	return &testEnv{
		db:       db,
		deps:     deps,
		conv:     NewConversionEngine(deps, convRepo),
		opt:      NewOptimizationEngine(deps, optRepo, batches, imaging.NewOptimizer("", logger)),
		resolver: NewResolver(deps, convRepo, optRepo),
		sweeper:  NewSweeper(deps, convRepo, optRepo, batches, nil),
		disp:     disp,
		clock:    clk,
		mirror:   mirrorFs,
	}
}

func textUpload(name, body string) Upload {
	return Upload{Filename: name, Size: int64(len(body)), Body: strings.NewReader(body)}
}

func imageUpload(t *testing.T, name string, w, h int) Upload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	var err error
	if strings.HasSuffix(name, ".png") {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		t.Fatal(err)
	}
	return Upload{Filename: name, Size: int64(buf.Len()), Body: bytes.NewReader(buf.Bytes())}
}

var tenant = domain.TenantIdentity("brand-1", "user-1")

func TestConversionLifecycle(t *testing.T) {
	ctx := context.Background()
	stub := &stubConverter{name: "stub", in: "md", out: "html"}
	e := newEnv(t, stub)

	job, err := e.conv.Accept(ctx, ConversionRequest{
		Identity:     tenant,
		File:         textUpload("report.md", "# Report\n\nBody text.\n"),
		TargetFormat: "HTML",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusPending || job.OutputFormat != "html" || job.TaskID == "" {
		t.Fatalf("accepted job = %+v", job.JobBase)
	}
	if e.disp.count() != 1 {
		t.Fatalf("expected one enqueue, got %d", e.disp.count())
	}

	if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	got, err := e.conv.Status(ctx, tenant, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.Progress != domain.ProgressDone {
		t.Fatalf("status %s progress %d", got.Status, got.Progress)
	}
	if got.OutputFilename == nil || *got.OutputFilename != "report.html" {
		t.Fatalf("output filename = %v", got.OutputFilename)
	}
	if got.DownloadToken == nil || got.ExpiresAt == nil || got.ConversionTime == nil {
		t.Fatal("completion fields missing")
	}
	if want := e.clock.Now().Add(24 * time.Hour); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", got.ExpiresAt, want)
	}
	if _, _, monthly, _ := e.deps.Ledger.Usage(ctx, tenant, domain.SurfaceConversion); monthly != 1 {
		t.Fatalf("monthly usage = %d", monthly)
	}

	dl, err := e.resolver.Resolve(ctx, *got.DownloadToken)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Filename != "report.html" || dl.MIME != "text/html" || dl.Size == 0 || dl.JobID != job.ID {
		t.Fatalf("download = %+v", dl)
	}

	// A redelivered task finds the job finished.
	if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	if stub.Calls() != 1 {
		t.Fatalf("converter ran %d times", stub.Calls())
	}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	ctx := context.Background()
	stub := &stubConverter{name: "stub", in: "md", out: "html"}
	e := newEnv(t, stub)

	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if stub.Calls() != 1 {
		t.Fatalf("converter ran %d times", stub.Calls())
	}
	if _, _, monthly, _ := e.deps.Ledger.Usage(ctx, tenant, domain.SurfaceConversion); monthly != 1 {
		t.Fatalf("monthly usage = %d", monthly)
	}
}

func TestConversionFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	stub := &stubConverter{name: "stub", in: "md", out: "html", err: errors.New("exit status 1")}
	e := newEnv(t, stub)

	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	err = e.conv.Execute(ctx, job.ID, 1)
	if !errors.Is(err, domain.ErrConversionFailed) || !domain.Terminal(err) {
		t.Fatalf("expected terminal conversion failure, got %v", err)
	}
	got, _ := e.conv.Repository().Load(ctx, job.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage != "conversion failed" {
		t.Fatalf("status %s message %q", got.Status, got.ErrorMessage)
	}
	if _, _, monthly, _ := e.deps.Ledger.Usage(ctx, tenant, domain.SurfaceConversion); monthly != 0 {
		t.Fatalf("failed job was charged: %d", monthly)
	}
	entries, _ := afero.ReadDir(e.deps.Layout.Fs(), e.deps.Layout.OutputDir(tenant))
	if len(entries) != 0 {
		t.Fatalf("partial output left behind: %d files", len(entries))
	}
}

func TestAcceptRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})

	tests := []struct {
		name   string
		id     domain.Identity
		file   string
		target string
		want   error
	}{
		{"output not producible", tenant, "a.md", "mp3", domain.ErrFormatUnsupported},
		{"unknown input", tenant, "a.xyz", "html", domain.ErrFormatUnsupported},
		{"no converter", tenant, "a.docx", "pdf", domain.ErrNoConverter},
		{"no identity", domain.Identity{}, "a.md", "html", domain.ErrForbidden},
		{"both identities", domain.Identity{TenantID: "t", ClientIP: "1.2.3.4"}, "a.md", "html", domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.conv.Accept(ctx, ConversionRequest{Identity: tt.id, File: textUpload(tt.file, "x"), TargetFormat: tt.target})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if e.disp.count() != 0 {
		t.Fatal("rejected requests must not be enqueued")
	}
	if ok, _ := afero.DirExists(e.deps.Layout.Fs(), e.deps.Layout.InputDir(tenant)); ok {
		t.Fatal("rejected requests must not store input")
	}
}

func TestPublicHourlyQuota(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	visitor := domain.PublicIdentity("203.0.113.9", "test")

	for i := 0; i < 10; i++ {
		if err := e.deps.Ledger.Commit(ctx, visitor, domain.SurfacePublicConversion); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.conv.Accept(ctx, ConversionRequest{Identity: visitor, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if !errors.Is(err, domain.QuotaError(domain.ReasonHourly, "")) {
		t.Fatalf("expected hourly refusal, got %v", err)
	}

	e.clock.Advance(time.Hour)
	if _, err := e.conv.Accept(ctx, ConversionRequest{Identity: visitor, File: textUpload("a.md", "x"), TargetFormat: "html"}); err != nil {
		t.Fatalf("next hour should be accepted: %v", err)
	}
}

func TestEnqueueFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	e.disp.err = errors.New("queue down")

	_, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	list, err := e.conv.List(ctx, tenant, 0, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("row left behind: %d %v", len(list), err)
	}
	entries, _ := afero.ReadDir(e.deps.Layout.Fs(), e.deps.Layout.InputDir(tenant))
	if len(entries) != 0 {
		t.Fatal("input left behind")
	}
}

func TestAlternateFormatNames(t *testing.T) {
	ctx := context.Background()
	stub := &stubConverter{name: "stub", in: "markdown", out: "html"}
	e := newEnv(t, stub)

	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("notes.md", "# hi"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	if stub.last.InputFormat != "markdown" || stub.last.OutputFormat != "html" {
		t.Fatalf("converter saw %s -> %s", stub.last.InputFormat, stub.last.OutputFormat)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})

	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	other := domain.TenantIdentity("brand-2", "user-9")
	if err := e.conv.Cancel(ctx, other, job.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign cancel: %v", err)
	}
	if err := e.conv.Cancel(ctx, tenant, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.conv.Status(ctx, tenant, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancelled job still visible: %v", err)
	}
	if len(e.disp.revoked) != 1 || e.disp.revoked[0] != job.TaskID {
		t.Fatalf("revoked = %v", e.disp.revoked)
	}
	if e.deps.Layout.Exists(e.deps.Layout.InputPath(tenant, job.InputName)) {
		t.Fatal("cancelled input not removed")
	}
	// Executing a cancelled job is a no-op.
	if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}

	done, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("b.md", "x"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.conv.Execute(ctx, done.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.conv.Cancel(ctx, tenant, done.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("completed job cancel: %v", err)
	}
}

func completedConversion(t *testing.T, e *testEnv) *models.ConversionJob {
	t.Helper()
	ctx := context.Background()
	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("report.md", "# r"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.conv.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	got, err := e.conv.Repository().Load(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		e := newEnv(t)
		if _, err := e.resolver.Resolve(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
		job := completedConversion(t, e)
		e.clock.Advance(24 * time.Hour)
		if _, err := e.resolver.Resolve(ctx, *job.DownloadToken); !errors.Is(err, domain.ErrExpired) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("traversal", func(t *testing.T) {
		e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
		job := completedConversion(t, e)
		err := e.db.Model(&models.ConversionJob{}).Where("id = ?", job.ID).
			Update("output_filename", "../../../etc/passwd").Error
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.resolver.Resolve(ctx, *job.DownloadToken); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("restored from mirror", func(t *testing.T) {
		e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
		job := completedConversion(t, e)
		path := e.deps.Layout.OutputPath(tenant, *job.OutputFilename)
		if err := os.Remove(path); err != nil {
			t.Fatal(err)
		}
		dl, err := e.resolver.Resolve(ctx, *job.DownloadToken)
		if err != nil {
			t.Fatal(err)
		}
		if dl.Size == 0 || !e.deps.Layout.Exists(path) {
			t.Fatal("output was not restored")
		}
	})

	t.Run("missing without mirror", func(t *testing.T) {
		e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
		e.deps.Mirror = nil
		e.resolver = NewResolver(e.deps, e.conv.Repository(), e.opt.Repository())
		job := completedConversion(t, e)
		if err := os.Remove(e.deps.Layout.OutputPath(tenant, *job.OutputFilename)); err != nil {
			t.Fatal(err)
		}
		if _, err := e.resolver.Resolve(ctx, *job.DownloadToken); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestPublicOptimizationCeiling(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	visitor := domain.PublicIdentity("198.51.100.7", "test")

	job, err := e.opt.Accept(ctx, OptimizationRequest{
		Identity:     visitor,
		File:         imageUpload(t, "photo.jpg", 2000, 1000),
		QualityLevel: domain.QualityMedium,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Surface != domain.SurfacePublicOptimization {
		t.Fatalf("surface = %s", job.Surface)
	}
	if err := e.opt.Execute(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}
	got, err := e.opt.Status(ctx, visitor, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status %s: %s", got.Status, got.ErrorMessage)
	}
	if *got.FinalWidth != 1536 || *got.FinalHeight != 768 || *got.FinalQuality != 65 {
		t.Fatalf("final %dx%d q%d", *got.FinalWidth, *got.FinalHeight, *got.FinalQuality)
	}
	if *got.OutputFilename != "photo.jpg" || got.CompressionRatio == nil {
		t.Fatalf("output %v ratio %v", *got.OutputFilename, got.CompressionRatio)
	}
	if hourly, _, _, _ := e.deps.Ledger.Usage(ctx, visitor, domain.SurfacePublicOptimization); hourly != 1 {
		t.Fatalf("hourly usage = %d", hourly)
	}
}

func TestOptimizationAcceptChecks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	visitor := domain.PublicIdentity("198.51.100.7", "test")

	if _, err := e.opt.Accept(ctx, OptimizationRequest{Identity: visitor, File: textUpload("a.docx", "x")}); !errors.Is(err, domain.ErrFormatUnsupported) {
		t.Fatalf("docx: %v", err)
	}
	if _, err := e.opt.Accept(ctx, OptimizationRequest{Identity: visitor, File: imageUpload(t, "a.png", 8, 8), QualityLevel: domain.QualityLossless}); !errors.Is(err, domain.ErrFormatUnsupported) {
		t.Fatalf("public lossless: %v", err)
	}

	err := e.db.Create(&models.TenantQuota{
		TenantID: "brand-3", Surface: domain.SurfaceOptimization, MonthlyLimit: 10,
		ResetAt: quota.NextMonth(e.clock.Now()),
	}).Error
	if err != nil {
		t.Fatal(err)
	}
	restricted := domain.TenantIdentity("brand-3", "u")
	if _, err := e.opt.Accept(ctx, OptimizationRequest{Identity: restricted, File: imageUpload(t, "a.png", 8, 8), QualityLevel: domain.QualityLossless}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("lossless without feature: %v", err)
	}
	resize := models.ResizeOptions{Enabled: true, TargetMaxDimension: 4}
	if _, err := e.opt.Accept(ctx, OptimizationRequest{Identity: restricted, File: imageUpload(t, "a.png", 8, 8), Resize: resize}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("resize without feature: %v", err)
	}
	if e.disp.count() != 0 {
		t.Fatal("rejected requests must not be enqueued")
	}
}

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name     string
		surface  domain.Surface
		level    domain.QualityLevel
		resize   models.ResizeOptions
		features quota.Features
		want     Plan
		wantErr  bool
	}{
		{name: "public medium", surface: domain.SurfacePublicOptimization, level: domain.QualityMedium,
			want: Plan{Quality: 65, Ceiling: 1536, PaletteColors: 128}},
		{name: "public compression low", surface: domain.SurfacePublicCompression, level: domain.QualityLow,
			want: Plan{Quality: 35, Ceiling: 1536, PaletteColors: 32}},
		{name: "public lossless refused", surface: domain.SurfacePublicOptimization, level: domain.QualityLossless, wantErr: true},
		{name: "auth medium", surface: domain.SurfaceOptimization, level: domain.QualityMedium,
			want: Plan{Quality: 70, Ceiling: 1600, PaletteColors: 128}},
		{name: "auth high", surface: domain.SurfaceOptimization, level: domain.QualityHigh,
			want: Plan{Quality: 85, Ceiling: 2048}},
		{name: "auth lossless", surface: domain.SurfaceOptimization, level: domain.QualityLossless,
			want: Plan{Quality: 95, Ceiling: 2048, Lossless: true}},
		{name: "tenant resolution clamp", surface: domain.SurfaceOptimization, level: domain.QualityHigh,
			features: quota.Features{MaxResolution: 1000},
			want:     Plan{Quality: 85, Ceiling: 1000}},
		{name: "explicit resize has no default ceiling", surface: domain.SurfaceOptimization, level: domain.QualityHigh,
			resize: models.ResizeOptions{Enabled: true, TargetWidth: 3000},
			want:   Plan{Quality: 85, Bounds: &imaging.Bounds{Width: 3000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlanFor(tt.surface, tt.level, tt.resize, tt.features)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Quality != tt.want.Quality || got.Ceiling != tt.want.Ceiling ||
				got.PaletteColors != tt.want.PaletteColors || got.Lossless != tt.want.Lossless {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if (got.Bounds == nil) != (tt.want.Bounds == nil) || (got.Bounds != nil && *got.Bounds != *tt.want.Bounds) {
				t.Fatalf("bounds %+v, want %+v", got.Bounds, tt.want.Bounds)
			}
		})
	}
}

func TestBatchCommitsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	visitor := domain.PublicIdentity("192.0.2.44", "test")

	batch, members, err := e.opt.AcceptBatch(ctx, BatchRequest{
		Identity: visitor,
		Files: []Upload{
			imageUpload(t, "a.png", 16, 16),
			imageUpload(t, "a.png", 16, 16),
			imageUpload(t, "b.jpg", 16, 16),
		},
		QualityLevel: domain.QualityLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Total != 3 || len(members) != 3 || e.disp.count() != 3 {
		t.Fatalf("batch total %d, members %d, enqueued %d", batch.Total, len(members), e.disp.count())
	}
	if members[0].InputName == members[1].InputName {
		t.Fatal("duplicate names must be stored separately")
	}

	for i, m := range members {
		if err := e.opt.Execute(ctx, m.ID, 1); err != nil {
			t.Fatal(err)
		}
		hourly, _, _, _ := e.deps.Ledger.Usage(ctx, visitor, domain.SurfacePublicCompression)
		want := 0
		if i == len(members)-1 {
			want = 1
		}
		if hourly != want {
			t.Fatalf("after member %d hourly usage = %d, want %d", i, hourly, want)
		}
	}

	got, list, err := e.opt.BatchStatus(ctx, visitor, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Completed != 3 || !got.Committed || len(list) != 3 {
		t.Fatalf("batch %+v with %d members", got, len(list))
	}
	if _, _, err := e.opt.BatchStatus(ctx, domain.PublicIdentity("192.0.2.45", "x"), batch.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign batch status: %v", err)
	}
}

func TestBatchWithFailedMemberIsNotCharged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	visitor := domain.PublicIdentity("192.0.2.50", "test")

	batch, members, err := e.opt.AcceptBatch(ctx, BatchRequest{
		Identity: visitor,
		Files:    []Upload{imageUpload(t, "ok.png", 16, 16), textUpload("broken.png", "not an image")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.opt.Execute(ctx, members[0].ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.opt.Execute(ctx, members[1].ID, 1); !errors.Is(err, domain.ErrOptimizationFailed) {
		t.Fatalf("broken member: %v", err)
	}
	got, _, err := e.opt.BatchStatus(ctx, visitor, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Completed != 1 || got.Failed != 1 || got.Committed {
		t.Fatalf("batch %+v", got)
	}
	if hourly, _, _, _ := e.deps.Ledger.Usage(ctx, visitor, domain.SurfacePublicCompression); hourly != 0 {
		t.Fatalf("failed batch was charged: %d", hourly)
	}
}

func TestBatchIsPublicOnly(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.opt.AcceptBatch(context.Background(), BatchRequest{Identity: tenant, Files: []Upload{textUpload("a.png", "x")}})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("got %v", err)
	}
}

func TestBlockedAddressIsRefusedFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	visitor := domain.PublicIdentity("203.0.113.9", "test")
	for _, s := range []domain.Surface{domain.SurfacePublicCompression, domain.SurfacePublicOptimization, domain.SurfacePublicConversion} {
		if err := e.deps.Ledger.Block(ctx, visitor.ClientIP, s, "abuse"); err != nil {
			t.Fatal(err)
		}
	}

	// Each request also carries a per-file defect that would be reported otherwise.
	_, _, err := e.opt.AcceptBatch(ctx, BatchRequest{
		Identity: visitor,
		Files:    []Upload{imageUpload(t, "a.png", 8, 8), textUpload("notes.docx", "x")},
	})
	if domain.ReasonOf(err) != domain.ReasonBlocked {
		t.Fatalf("batch: %v", err)
	}
	_, _, err = e.opt.AcceptBatch(ctx, BatchRequest{Identity: visitor})
	if domain.ReasonOf(err) != domain.ReasonBlocked {
		t.Fatalf("empty batch: %v", err)
	}
	if _, err := e.opt.Accept(ctx, OptimizationRequest{Identity: visitor, File: textUpload("a.docx", "x")}); domain.ReasonOf(err) != domain.ReasonBlocked {
		t.Fatalf("optimization: %v", err)
	}
	if _, err := e.conv.Accept(ctx, ConversionRequest{Identity: visitor, File: textUpload("a.xyz", "x"), TargetFormat: "html"}); domain.ReasonOf(err) != domain.ReasonBlocked {
		t.Fatalf("conversion: %v", err)
	}
	if e.disp.count() != 0 {
		t.Fatal("blocked requests must not be enqueued")
	}
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	job := completedConversion(t, e)
	l := e.deps.Layout
	out := l.OutputPath(tenant, *job.OutputFilename)
	in := l.InputPath(tenant, job.InputName)

	rep, err := e.sweeper.SweepExpired(ctx)
	if err != nil || rep.Jobs != 0 {
		t.Fatalf("fresh job swept: %+v %v", rep, err)
	}

	e.clock.Advance(25 * time.Hour)
	rep, err = e.sweeper.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Jobs != 1 || rep.Files != 2 {
		t.Fatalf("report %+v", rep)
	}
	if l.Exists(out) || l.Exists(in) {
		t.Fatal("files left behind")
	}
	if ok, _ := afero.Exists(e.mirror, "/"+l.Rel(out)); ok {
		t.Fatal("mirror copy left behind")
	}
	if _, err := e.conv.Repository().Load(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("row left behind: %v", err)
	}

	visitor := domain.PublicIdentity("192.0.2.60", "test")
	if err := e.deps.Ledger.Commit(ctx, visitor, domain.SurfacePublicConversion); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(IdleQuotaAge + time.Hour)
	all, err := e.sweeper.RunAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all.QuotaRows != 1 {
		t.Fatalf("idle quota rows removed = %d", all.QuotaRows)
	}
}

func TestExpiredTokenAfterSweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	job := completedConversion(t, e)
	token := *job.DownloadToken

	e.clock.Advance(25 * time.Hour)
	if rep, err := e.sweeper.SweepExpired(ctx); err != nil || rep.Jobs != 1 {
		t.Fatalf("sweep: %+v %v", rep, err)
	}
	if _, err := e.resolver.Resolve(ctx, token); domain.KindOf(err) != domain.KindExpired {
		t.Fatalf("swept token resolved to %v, want expired", err)
	}

	e.clock.Advance(tombstoneRetention + time.Hour)
	rep, err := e.sweeper.SweepIdle(ctx)
	if err != nil || rep.Tombstones != 1 {
		t.Fatalf("tombstones pruned = %d, %v", rep.Tombstones, err)
	}
	if _, err := e.resolver.Resolve(ctx, token); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("pruned token resolved to %v, want not found", err)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &stubConverter{name: "stub", in: "md", out: "html"})
	job, err := e.conv.Accept(ctx, ConversionRequest{Identity: tenant, File: textUpload("a.md", "x"), TargetFormat: "html"})
	if err != nil {
		t.Fatal(err)
	}
	cutoff := time.Now().Add(time.Minute)

	n, err := e.conv.Requeue(ctx, cutoff, 10)
	if err != nil || n != 0 {
		t.Fatalf("live task requeued: %d %v", n, err)
	}

	e.disp.dead = true
	n, err = e.conv.Requeue(ctx, cutoff, 10)
	if err != nil || n != 1 {
		t.Fatalf("requeued %d, %v", n, err)
	}
	got, _ := e.conv.Repository().Load(ctx, job.ID)
	if got.TaskID == job.TaskID {
		t.Fatal("task id not replaced")
	}
}
