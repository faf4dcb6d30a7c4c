package converters

import (
	"context"
	"io"

	"fileforge/internal/imaging"
)

var rasterFormats = []string{"jpg", "png", "webp", "tif"}

// ImageConverter re-encodes between raster formats in process.
type ImageConverter struct {
	pairs pairs
}

func NewImageConverter() *ImageConverter {
	return &ImageConverter{pairs: newPairs().add(rasterFormats, rasterFormats)}
}

func (c *ImageConverter) Name() string  { return NameImage }
func (c *ImageConverter) Priority() int { return 50 }

func (c *ImageConverter) CanConvert(in, out string) bool { return c.pairs.has(in, out) }

func (c *ImageConverter) CheckDependencies(context.Context) (bool, []string) { return true, nil }

func (c *ImageConverter) Convert(ctx context.Context, req Request) error {
	img, _, err := imaging.DecodeFile(req.InputPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeOutput(req.OutputPath, func(w io.Writer) error {
		return imaging.Encode(w, img, req.OutputFormat, req.Options.Quality)
	})
}
