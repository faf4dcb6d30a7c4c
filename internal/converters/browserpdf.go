package converters

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/playwright-community/playwright-go"

	"fileforge/internal/browsermgr"
	"fileforge/internal/utils"
)

// BrowserPDFConverter prints HTML to PDF with headless Chromium.
type BrowserPDFConverter struct {
	browser *browsermgr.Manager
}

func NewBrowserPDFConverter(m *browsermgr.Manager) *BrowserPDFConverter {
	return &BrowserPDFConverter{browser: m}
}

func (c *BrowserPDFConverter) Name() string  { return NameBrowser }
func (c *BrowserPDFConverter) Priority() int { return 35 }

func (c *BrowserPDFConverter) CanConvert(in, out string) bool {
	return in == "html" && out == "pdf"
}

func (c *BrowserPDFConverter) CheckDependencies(context.Context) (bool, []string) {
	if c.browser == nil {
		return false, []string{"chromium (browser pdf disabled)"}
	}
	if err := c.browser.Start(); err != nil {
		return false, []string{"chromium: " + err.Error()}
	}
	return true, nil
}

func (c *BrowserPDFConverter) Convert(ctx context.Context, req Request) error {
	abs, err := filepath.Abs(req.InputPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}

	return utils.WithTimeout(ctx, utils.DefaultTimeoutConfig().BrowserTimeout, func(ctx context.Context) error {
		page, release, err := c.browser.Page(ctx)
		if err != nil {
			return fmt.Errorf("acquire page: %w", err)
		}
		defer release()

		src := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
		if _, err := page.Goto(src, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
		}); err != nil {
			return fmt.Errorf("load html: %w", err)
		}
		_, err = page.PDF(playwright.PagePdfOptions{
			Path:            playwright.String(req.OutputPath),
			Format:          playwright.String("A4"),
			PrintBackground: playwright.Bool(true),
		})
		if err != nil {
			os.Remove(req.OutputPath)
			return fmt.Errorf("print pdf: %w", err)
		}
		return nil
	})
}
