package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// MinPDFImageBytes is the smallest embedded image stream worth recompressing.
const MinPDFImageBytes = 100 * 1024

// PDFOptions control embedded image recompression.
type PDFOptions struct {
	Quality       int
	Ceiling       int  // longest side of a recompressed image, 0 keeps size
	MinImageBytes int  // defaults to MinPDFImageBytes
	Recompress    bool // false leaves image streams alone
	Collect       bool // drop unused and duplicate objects before writing
}

// PDFResult counts what happened to embedded images.
type PDFResult struct {
	Images   int
	Replaced int
	Skipped  int
}

// OptimizePDF rewrites inPath to outPath, replacing large embedded images with
// smaller JPEG streams when that actually saves bytes.
func OptimizePDF(ctx context.Context, inPath, outPath string, opts PDFOptions, logger *slog.Logger) (PDFResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinImageBytes <= 0 {
		opts.MinImageBytes = MinPDFImageBytes
	}
	f, err := os.Open(inPath)
	if err != nil {
		return PDFResult{}, err
	}
	defer f.Close()
	pctx, err := api.ReadContext(f, newConfiguration())
	if err != nil {
		return PDFResult{}, fmt.Errorf("read pdf: %w", err)
	}

	var res PDFResult
	if opts.Recompress {
		for objNr, entry := range pctx.XRefTable.Table {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if entry == nil || entry.Free || entry.Object == nil {
				continue
			}
			sd, ok := entry.Object.(types.StreamDict)
			if !ok || !isImage(sd) {
				continue
			}
			res.Images++
			if len(sd.Raw) < opts.MinImageBytes {
				continue
			}
			replaced, err := recompressImage(&sd, opts)
			if err != nil {
				logger.Debug("embedded image left as is", "object", objNr, "error", err)
				res.Skipped++
				continue
			}
			if replaced {
				entry.Object = sd
				res.Replaced++
			}
		}
	}

	if opts.Collect {
		if err := api.OptimizeContext(pctx); err != nil {
			return res, fmt.Errorf("optimize pdf: %w", err)
		}
	}
	if err := api.WriteContextFile(pctx, outPath); err != nil {
		return res, fmt.Errorf("write pdf: %w", err)
	}
	return res, nil
}

func isImage(sd types.StreamDict) bool {
	st := sd.Dict.NameEntry("Subtype")
	return st != nil && *st == "Image"
}

// recompressImage decodes a DCT or 8-bit Flate image stream, downsizes it and
// swaps in a JPEG stream if that is strictly smaller. Soft masks and stencil
// masks are separate objects mapped onto the unit square, so they stay valid
// at any size and are left untouched. Color key masks match exact sample
// values, which lossy recompression would break.
func recompressImage(sd *types.StreamDict, opts PDFOptions) (bool, error) {
	if _, ok := sd.Dict["Mask"].(types.Array); ok {
		return false, fmt.Errorf("image has a color key mask")
	}
	img, err := decodeStreamImage(sd)
	if err != nil {
		return false, err
	}
	b := img.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), nil, opts.Ceiling)
	img = Resize(img, w, h)

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, opts.Quality); err != nil {
		return false, err
	}
	if buf.Len() >= len(sd.Raw) {
		return false, nil
	}

	colorSpace := "DeviceRGB"
	if _, ok := img.(*image.Gray); ok {
		colorSpace = "DeviceGray"
	}
	sd.Raw = buf.Bytes()
	sd.Content = nil
	sd.FilterPipeline = []types.PDFFilter{{Name: "DCTDecode"}}
	sd.Dict["Filter"] = types.Name("DCTDecode")
	delete(sd.Dict, "DecodeParms")
	sd.Dict["Width"] = types.Integer(w)
	sd.Dict["Height"] = types.Integer(h)
	sd.Dict["BitsPerComponent"] = types.Integer(8)
	sd.Dict["ColorSpace"] = types.Name(colorSpace)
	sd.Dict["Length"] = types.Integer(len(sd.Raw))
	l := int64(len(sd.Raw))
	sd.StreamLength = &l
	sd.StreamLengthObjNr = nil
	return true, nil
}

func decodeStreamImage(sd *types.StreamDict) (image.Image, error) {
	if len(sd.FilterPipeline) != 1 {
		return nil, fmt.Errorf("unsupported filter chain")
	}
	cs := sd.Dict.NameEntry("ColorSpace")
	if cs == nil || (*cs != "DeviceRGB" && *cs != "DeviceGray") {
		return nil, fmt.Errorf("unsupported color space")
	}

	switch sd.FilterPipeline[0].Name {
	case "DCTDecode":
		return jpeg.Decode(bytes.NewReader(sd.Raw))
	case "FlateDecode":
		bpc := sd.Dict.IntEntry("BitsPerComponent")
		w, h := sd.Dict.IntEntry("Width"), sd.Dict.IntEntry("Height")
		if bpc == nil || *bpc != 8 || w == nil || h == nil {
			return nil, fmt.Errorf("unsupported flate image layout")
		}
		if err := sd.Decode(); err != nil {
			return nil, err
		}
		return rawPixels(sd.Content, *w, *h, *cs)
	default:
		return nil, fmt.Errorf("unsupported filter %s", sd.FilterPipeline[0].Name)
	}
}

func rawPixels(data []byte, w, h int, colorSpace string) (image.Image, error) {
	if colorSpace == "DeviceGray" {
		if len(data) < w*h {
			return nil, fmt.Errorf("short gray image data")
		}
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, data[:w*h])
		return img, nil
	}
	if len(data) < w*h*3 {
		return nil, fmt.Errorf("short rgb image data")
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < w*h*3; i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// newConfiguration reads damaged but recoverable files too.
func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
