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

var (
	textDocs      = []string{"docx", "doc", "odt", "rtf", "txt", "html"}
	presentations = []string{"pptx", "ppt", "odp"}
	spreadsheets  = []string{"xlsx", "xls", "ods", "csv"}
)

// officeFilters are the --convert-to arguments for outputs that need an
// explicit filter.
var officeFilters = map[string]string{
	"txt":  "txt:Text (encoded):UTF8",
	"html": "html:XHTML Writer File:UTF8",
	"csv":  "csv:Text - txt - csv (StarCalc):44,34,76",
}

// OfficeConverter drives a headless office suite (soffice).
type OfficeConverter struct {
	binary string
	pairs  pairs
	logger *slog.Logger
}

func NewOfficeConverter(binary string, logger *slog.Logger) *OfficeConverter {
	if binary == "" {
		binary = "soffice"
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := newPairs().
		add(textDocs, []string{"pdf", "docx", "html", "odt", "txt", "rtf"}).
		add(presentations, []string{"pdf", "pptx", "odp", "html"}).
		add(spreadsheets, []string{"pdf", "xlsx", "ods", "csv", "html"})
	return &OfficeConverter{binary: binary, pairs: p, logger: logger.With("converter", NameOffice)}
}

func (c *OfficeConverter) Name() string  { return NameOffice }
func (c *OfficeConverter) Priority() int { return 30 }

func (c *OfficeConverter) CanConvert(in, out string) bool {
	return c.pairs.has(canonicalFor(NameOffice, in), canonicalFor(NameOffice, out))
}

func (c *OfficeConverter) CheckDependencies(ctx context.Context) (bool, []string) {
	if err := utils.CheckBinary(ctx, c.binary, utils.DefaultTimeoutConfig().DependencyCheck, "--version"); err != nil {
		return false, []string{c.binary}
	}
	return true, nil
}

func (c *OfficeConverter) Convert(ctx context.Context, req Request) error {
	work, err := os.MkdirTemp("", "fileforge-office-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	out := canonicalFor(NameOffice, req.OutputFormat)
	filter := out
	if f, ok := officeFilters[out]; ok {
		filter = f
	}
	outDir := filepath.Join(work, "out")
	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(filepath.Join(work, "profile")),
		"--headless", "--norestore", "--nologo",
		"--convert-to", filter,
		"--outdir", outDir,
		req.InputPath,
	}

	err = utils.WithTimeout(ctx, utils.DefaultTimeoutConfig().ProcessTimeout, func(ctx context.Context) error {
		res, err := utils.RunCommand(ctx, c.logger, c.binary, args, work)
		if err != nil {
			return fmt.Errorf("soffice: %w: %s", err, utils.Tail(strings.TrimSpace(res.Stderr), 400))
		}
		return nil
	})
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	produced := filepath.Join(outDir, base+"."+out)
	if _, err := os.Stat(produced); err != nil {
		return fmt.Errorf("soffice produced no %s output", out)
	}
	return moveFile(produced, req.OutputPath)
}
