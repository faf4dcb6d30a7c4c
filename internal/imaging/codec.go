// Package imaging decodes, resizes and re-encodes raster images and the
// images embedded in PDFs.
package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decoderNames maps image.Decode format names to canonical format names.
var decoderNames = map[string]string{
	"jpeg": "jpg",
	"png":  "png",
	"webp": "webp",
	"tiff": "tif",
}

// Decode reads any supported raster format and reports its canonical name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, name, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if canonical, ok := decoderNames[name]; ok {
		name = canonical
	}
	return img, name, nil
}

func DecodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return Decode(f)
}

// Opaque reports whether every pixel of img is fully opaque.
func Opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

// Flatten composites img over a solid background into an RGBA image.
// Palette and alpha sources come out as plain RGB.
func Flatten(img image.Image, bg color.Color) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	switch img.(type) {
	case *image.YCbCr, *image.Gray:
	default:
		if !Opaque(img) {
			img = Flatten(img, color.White)
		} else if _, ok := img.(*image.Paletted); ok {
			img = Flatten(img, color.White)
		}
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(w, img)
}

// EncodeWebPLossless writes a VP8L stream.
func EncodeWebPLossless(w io.Writer, img image.Image) error {
	return nativewebp.Encode(w, img, nil)
}

func EncodeTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Encode writes img in the canonical format. quality applies to jpg only;
// webp is written lossless.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "jpg":
		return EncodeJPEG(w, img, quality)
	case "png":
		return EncodePNG(w, img)
	case "webp":
		return EncodeWebPLossless(w, img)
	case "tif":
		return EncodeTIFF(w, img)
	default:
		return fmt.Errorf("cannot encode %q", format)
	}
}
