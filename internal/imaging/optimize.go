package imaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"fileforge/internal/utils"
)

// RasterOptions control one in-place re-encode.
type RasterOptions struct {
	Format        string // jpg, png or webp
	Quality       int
	Lossless      bool // webp only
	PaletteColors int  // png only; 0 keeps full colour
	Bounds        *Bounds
	Ceiling       int
}

// Result describes what was written.
type Result struct {
	Width    int
	Height   int
	Quality  int
	Lossless bool
}

// Optimizer re-encodes raster images. Lossy WebP goes through cwebp when it
// is installed; otherwise WebP output is lossless.
type Optimizer struct {
	cwebp     string
	cwebpOnce sync.Once
	cwebpOK   bool
	logger    *slog.Logger
}

func NewOptimizer(cwebp string, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{cwebp: cwebp, logger: logger.With("component", "optimizer")}
}

// LossyWebP reports whether cwebp is usable. The probe runs once.
func (o *Optimizer) LossyWebP(ctx context.Context) bool {
	o.cwebpOnce.Do(func() {
		if o.cwebp == "" {
			return
		}
		err := utils.CheckBinary(ctx, o.cwebp, utils.DefaultTimeoutConfig().DependencyCheck, "-version")
		if err != nil {
			o.logger.Warn("cwebp unavailable, webp output will be lossless", "error", err)
			return
		}
		o.cwebpOK = true
	})
	return o.cwebpOK
}

func (o *Optimizer) OptimizeRaster(ctx context.Context, inPath, outPath string, opts RasterOptions) (Result, error) {
	img, _, err := DecodeFile(inPath)
	if err != nil {
		return Result{}, err
	}
	b := img.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), opts.Bounds, opts.Ceiling)
	img = Resize(img, w, h)
	res := Result{Width: w, Height: h, Quality: opts.Quality}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{}, err
	}

	switch opts.Format {
	case "jpg":
		err = writeFile(outPath, func(wr io.Writer) error { return EncodeJPEG(wr, img, opts.Quality) })
	case "png":
		if opts.PaletteColors > 0 {
			img = Quantize(img, opts.PaletteColors)
		}
		err = writeFile(outPath, func(wr io.Writer) error { return EncodePNG(wr, img) })
	case "webp":
		if !opts.Lossless && o.LossyWebP(ctx) {
			err = o.cwebpEncode(ctx, outPath, func(wr io.Writer) error { return EncodePNG(wr, img) }, opts.Quality)
			break
		}
		if !opts.Lossless {
			o.logger.Warn("lossy webp requested but cwebp is missing, writing lossless", "path", outPath)
		}
		res.Lossless = true
		err = writeFile(outPath, func(wr io.Writer) error { return EncodeWebPLossless(wr, img) })
	default:
		return Result{}, fmt.Errorf("cannot optimize %q", opts.Format)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// cwebpEncode stages the image as PNG and lets cwebp write the lossy output.
func (o *Optimizer) cwebpEncode(ctx context.Context, outPath string, stage func(io.Writer) error, quality int) error {
	tmp, err := os.CreateTemp("", "fileforge-webp-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := stage(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	args := []string{"-quiet", "-q", strconv.Itoa(quality), "-m", "6", "-mt", tmp.Name(), "-o", outPath}
	return utils.WithTimeout(ctx, utils.DefaultTimeoutConfig().ProcessTimeout, func(ctx context.Context) error {
		res, err := utils.RunCommand(ctx, o.logger, o.cwebp, args, "")
		if err != nil {
			os.Remove(outPath)
			return fmt.Errorf("cwebp: %w: %s", err, utils.Tail(strings.TrimSpace(res.Stderr), 400))
		}
		return nil
	})
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
