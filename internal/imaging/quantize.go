package imaging

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/ericpauley/go-quantize/quantize"
)

// Quantize reduces img to at most colors palette entries with
// Floyd-Steinberg dithering.
func Quantize(img image.Image, colors int) *image.Paletted {
	if colors < 2 {
		colors = 2
	}
	if colors > 256 {
		colors = 256
	}
	q := quantize.MedianCutQuantizer{}
	pal := q.Quantize(make(color.Palette, 0, colors), img)
	b := img.Bounds()
	dst := image.NewPaletted(b, pal)
	draw.FloydSteinberg.Draw(dst, b, img, b.Min)
	return dst
}
