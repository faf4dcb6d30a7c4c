package imaging

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Bounds is a requested output size. Zero fields are unconstrained.
type Bounds struct {
	Width        int
	Height       int
	MaxDimension int
	KeepAspect   bool
}

// Fit scales (w, h) down to fit inside (maxW, maxH) keeping the aspect ratio.
// A zero max is unconstrained. It never scales up.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale >= 1 {
		return w, h
	}
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	return nw, nh
}

// TargetSize applies the request (if any) and then caps the longest side at
// ceiling (if positive). The result is never larger than the source.
func TargetSize(w, h int, req *Bounds, ceiling int) (int, int) {
	tw, th := w, h
	if req != nil {
		switch {
		case req.MaxDimension > 0:
			tw, th = Fit(w, h, req.MaxDimension, req.MaxDimension)
		case req.Width > 0 || req.Height > 0:
			if req.KeepAspect {
				tw, th = Fit(w, h, req.Width, req.Height)
			} else {
				if req.Width > 0 {
					tw = min(w, req.Width)
				}
				if req.Height > 0 {
					th = min(h, req.Height)
				}
			}
		}
	}
	if ceiling > 0 {
		tw, th = Fit(tw, th, ceiling, ceiling)
	}
	return tw, th
}

// Resize resamples img to exactly w x h. The source is returned untouched
// when it already has that size.
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
