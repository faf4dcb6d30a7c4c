package converters

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

var errNoText = errors.New("pdf has no extractable text")

// PDFTextConverter extracts the text layer of a PDF page by page.
type PDFTextConverter struct {
	pairs pairs
}

func NewPDFTextConverter() *PDFTextConverter {
	return &PDFTextConverter{pairs: newPairs().add([]string{"pdf"}, []string{"txt", "md", "html"})}
}

func (c *PDFTextConverter) Name() string  { return NamePDFText }
func (c *PDFTextConverter) Priority() int { return 20 }

func (c *PDFTextConverter) CanConvert(in, out string) bool { return c.pairs.has(in, out) }

func (c *PDFTextConverter) CheckDependencies(context.Context) (bool, []string) { return true, nil }

func (c *PDFTextConverter) Convert(ctx context.Context, req Request) error {
	pages, err := extractPages(ctx, req.InputPath)
	if err != nil {
		return err
	}
	var body string
	switch req.OutputFormat {
	case "txt":
		body = strings.Join(pages, "\n\n")
	case "md":
		body = pagesToMarkdown(pages)
	case "html":
		body = pagesToHTML(pages, req.Options.Standalone)
	default:
		return fmt.Errorf("pdftext cannot produce %q", req.OutputFormat)
	}
	return writeOutput(req.OutputPath, func(w io.Writer) error {
		_, err := io.WriteString(w, body)
		return err
	})
}

// extractPages returns the trimmed text of every page, empty pages included.
func extractPages(ctx context.Context, path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	pages := make([]string, 0, r.NumPage())
	found := false
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			found = true
		}
		pages = append(pages, text)
	}
	if !found {
		return nil, errNoText
	}
	return pages, nil
}

func pagesToMarkdown(pages []string) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if len(pages) > 1 {
			fmt.Fprintf(&b, "## Page %d\n\n", i+1)
		}
		for _, para := range paragraphs(p) {
			b.WriteString(para)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func pagesToHTML(pages []string, standalone bool) string {
	var b strings.Builder
	if standalone {
		b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n")
	}
	for i, p := range pages {
		fmt.Fprintf(&b, "<section class=\"page\" id=\"page-%d\">\n", i+1)
		for _, para := range paragraphs(p) {
			b.WriteString("<p>")
			b.WriteString(html.EscapeString(para))
			b.WriteString("</p>\n")
		}
		b.WriteString("</section>\n")
	}
	if standalone {
		b.WriteString("</body>\n</html>\n")
	}
	return b.String()
}

// paragraphs splits on blank lines and folds the remaining newlines.
func paragraphs(s string) []string {
	var res []string
	for _, block := range strings.Split(s, "\n\n") {
		block = strings.Join(strings.Fields(block), " ")
		if block != "" {
			res = append(res, block)
		}
	}
	return res
}
