package converters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"fileforge/internal/imaging"
)

const (
	pageMargin = 15.0
	lineHeight = 5.5
)

// PDFRenderConverter lays out plain text, simple markdown and single images
// on A4 pages.
type PDFRenderConverter struct {
	pairs pairs
}

func NewPDFRenderConverter() *PDFRenderConverter {
	ins := append([]string{"txt", "md"}, rasterFormats...)
	return &PDFRenderConverter{pairs: newPairs().add(ins, []string{"pdf"})}
}

func (c *PDFRenderConverter) Name() string  { return NamePDFRender }
func (c *PDFRenderConverter) Priority() int { return 70 }

func (c *PDFRenderConverter) CanConvert(in, out string) bool { return c.pairs.has(in, out) }

func (c *PDFRenderConverter) CheckDependencies(context.Context) (bool, []string) { return true, nil }

func (c *PDFRenderConverter) Convert(ctx context.Context, req Request) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath)), true)

	var err error
	switch req.InputFormat {
	case "txt", "md":
		err = renderText(ctx, pdf, req.InputPath, req.InputFormat == "md")
	case "jpg", "png", "webp", "tif":
		err = renderImage(pdf, req.InputPath)
	default:
		err = fmt.Errorf("pdf renderer cannot read %s", req.InputFormat)
	}
	if err != nil {
		return err
	}
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	if err := pdf.OutputFileAndClose(req.OutputPath); err != nil {
		os.Remove(req.OutputPath)
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func renderText(ctx context.Context, pdf *gofpdf.Fpdf, path string, markdown bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 11)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	inFence := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if !markdown {
			pdf.MultiCell(0, lineHeight, tr(line), "", "L", false)
			continue
		}
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		switch {
		case inFence:
			pdf.SetFont("Courier", "", 10)
			pdf.MultiCell(0, lineHeight, tr(line), "", "L", false)
			pdf.SetFont("Helvetica", "", 11)
		case strings.HasPrefix(line, "#"):
			level := len(line) - len(strings.TrimLeft(line, "#"))
			size := 20 - 2*float64(min(level, 5))
			pdf.Ln(2)
			pdf.SetFont("Helvetica", "B", size)
			pdf.MultiCell(0, size*0.5, tr(strings.TrimSpace(line[level:])), "", "L", false)
			pdf.SetFont("Helvetica", "", 11)
			pdf.Ln(1)
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			pdf.MultiCell(0, lineHeight, tr("  • "+stripInline(line[2:])), "", "L", false)
		default:
			pdf.MultiCell(0, lineHeight, tr(stripInline(line)), "", "L", false)
		}
	}
	return scanner.Err()
}

// stripInline removes the markdown emphasis and code markers gofpdf cannot style inline.
func stripInline(s string) string {
	return strings.NewReplacer("**", "", "__", "", "`", "").Replace(s)
}

// renderImage places one image on its own page, scaled to fit the printable area.
func renderImage(pdf *gofpdf.Fpdf, path string) error {
	img, name, err := imaging.DecodeFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	imageType := "PNG"
	if name == "jpg" {
		imageType = "JPG"
		err = imaging.EncodeJPEG(&buf, img, 92)
	} else {
		err = imaging.EncodePNG(&buf, img)
	}
	if err != nil {
		return err
	}

	opts := gofpdf.ImageOptions{ImageType: imageType, ReadDpi: false}
	info := pdf.RegisterImageOptionsReader("image", opts, &buf)
	if info == nil {
		return fmt.Errorf("register image: %w", pdf.Error())
	}
	pageW, pageH := pdf.GetPageSize()
	maxW, maxH := pageW-2*pageMargin, pageH-2*pageMargin
	w, h := info.Width(), info.Height()
	scale := min(maxW/w, maxH/h, 1)
	pdf.AddPage()
	pdf.ImageOptions("image", pageMargin, pageMargin, w*scale, h*scale, false, opts, 0, "")
	return nil
}
