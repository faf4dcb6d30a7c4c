package converters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fileforge/internal/utils"
)

var (
	officeInputs  = []string{"docx", "doc", "odt", "rtf", "pptx", "ppt", "odp", "xlsx", "xls", "ods"}
	serviceOutput = []string{"pdf", "html", "docx"}
)

// ServiceConverter posts the input to a local rendering service and stores
// the response body as the output.
type ServiceConverter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	pairs   pairs
	logger  *slog.Logger
}

func NewServiceConverter(baseURL string, timeout time.Duration, logger *slog.Logger) *ServiceConverter {
	if timeout <= 0 {
		timeout = utils.DefaultTimeoutConfig().ServiceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceConverter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		pairs:   newPairs().add(officeInputs, serviceOutput),
		logger:  logger.With("converter", NameService),
	}
}

func (s *ServiceConverter) Name() string  { return NameService }
func (s *ServiceConverter) Priority() int { return 10 }

func (s *ServiceConverter) CanConvert(in, out string) bool { return s.pairs.has(in, out) }

func (s *ServiceConverter) CheckDependencies(ctx context.Context) (bool, []string) {
	if s.baseURL == "" {
		return false, []string{"conversion service url"}
	}
	if err := utils.ValidateServiceURL(s.baseURL); err != nil {
		return false, []string{err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, utils.DefaultTimeoutConfig().DependencyCheck)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false, []string{err.Error()}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, []string{"conversion service at " + s.baseURL}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, []string{fmt.Sprintf("conversion service at %s (status %d)", s.baseURL, resp.StatusCode)}
	}
	return true, nil
}

func (s *ServiceConverter) Convert(ctx context.Context, req Request) error {
	in, err := os.Open(req.InputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			part, err := mw.CreateFormFile("file", filepath.Base(req.InputPath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, in); err != nil {
				return err
			}
			if err := mw.WriteField("input_format", req.InputFormat); err != nil {
				return err
			}
			if err := mw.WriteField("output_format", req.OutputFormat); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/convert", pr)
	if err != nil {
		pr.Close()
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("conversion service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("conversion service returned %d: %s", resp.StatusCode, utils.Tail(strings.TrimSpace(string(body)), 400))
	}

	err = writeOutput(req.OutputPath, func(w io.Writer) error {
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("read conversion service response: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("conversion service returned an empty body")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("service conversion finished", "in", req.InputFormat, "out", req.OutputFormat, "duration", time.Since(start))
	return nil
}
