package converters

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fileforge/internal/utils"
)

// MarkupConverter runs pandoc. It takes pandoc's own format names
// (plain, markdown) as well as canonical ones.
type MarkupConverter struct {
	binary string
	pairs  pairs
	logger *slog.Logger
}

func NewMarkupConverter(binary string, logger *slog.Logger) *MarkupConverter {
	if binary == "" {
		binary = "pandoc"
	}
	if logger == nil {
		logger = slog.Default()
	}
	docs := []string{"md", "html", "docx", "txt", "odt", "rtf"}
	p := newPairs().
		add([]string{"md", "html", "docx", "odt"}, docs).
		add([]string{"md", "html", "docx", "odt"}, []string{"pdf"})
	return &MarkupConverter{binary: binary, pairs: p, logger: logger.With("converter", NameMarkup)}
}

func (c *MarkupConverter) Name() string  { return NameMarkup }
func (c *MarkupConverter) Priority() int { return 40 }

func (c *MarkupConverter) CanConvert(in, out string) bool {
	return c.pairs.has(canonicalFor(NameMarkup, in), canonicalFor(NameMarkup, out))
}

func (c *MarkupConverter) CheckDependencies(ctx context.Context) (bool, []string) {
	if err := utils.CheckBinary(ctx, c.binary, utils.DefaultTimeoutConfig().DependencyCheck, "--version"); err != nil {
		return false, []string{c.binary}
	}
	return true, nil
}

// pandocArgs builds the command line for req.
func pandocArgs(req Request) []string {
	in := MapFormat(NameMarkup, canonicalFor(NameMarkup, req.InputFormat))
	out := MapFormat(NameMarkup, canonicalFor(NameMarkup, req.OutputFormat))

	args := []string{"-f", in}
	if out != "pdf" {
		args = append(args, "-t", out)
	}
	if req.Options.Wrap != "" {
		args = append(args, "--wrap="+req.Options.Wrap)
	}
	if req.Options.Standalone {
		args = append(args, "--standalone")
	}
	if req.Options.ExtractMedia {
		args = append(args, "--extract-media="+filepath.Join(filepath.Dir(req.OutputPath), "media"))
	}
	if out == "pdf" && req.Options.PDFEngine != "" {
		args = append(args, "--pdf-engine="+req.Options.PDFEngine)
	}
	return append(args, "-o", req.OutputPath, req.InputPath)
}

func (c *MarkupConverter) Convert(ctx context.Context, req Request) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	args := pandocArgs(req)
	return utils.WithTimeout(ctx, utils.DefaultTimeoutConfig().ProcessTimeout, func(ctx context.Context) error {
		res, err := utils.RunCommand(ctx, c.logger, c.binary, args, filepath.Dir(req.InputPath))
		if err != nil {
			os.Remove(req.OutputPath)
			return fmt.Errorf("pandoc: %w: %s", err, utils.Tail(strings.TrimSpace(res.Stderr), 400))
		}
		return nil
	})
}
