// Package converters holds the pluggable format converters and the pool that
// selects among them by capability and priority.
package converters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Options are the per-job knobs a converter may honour.
type Options struct {
	Wrap         string // "none" disables line wrapping in text outputs
	Standalone   bool
	ExtractMedia bool
	PDFEngine    string
	Quality      int
}

// Request is one conversion. Formats are already mapped to the names the
// converter expects.
type Request struct {
	InputPath    string
	OutputPath   string
	InputFormat  string
	OutputFormat string
	Options      Options
}

// Converter transforms a file in one format into another.
type Converter interface {
	Name() string
	CanConvert(in, out string) bool
	// Priority orders selection; lower is preferred.
	Priority() int
	// CheckDependencies reports whether the converter can run on this host and
	// what is missing if it cannot.
	CheckDependencies(ctx context.Context) (bool, []string)
	Convert(ctx context.Context, req Request) error
}

// pairs is a capability table of input -> outputs.
type pairs map[string]map[string]bool

func newPairs() pairs { return pairs{} }

// add registers every in -> out combination except identity.
func (p pairs) add(ins, outs []string) pairs {
	for _, in := range ins {
		if p[in] == nil {
			p[in] = map[string]bool{}
		}
		for _, out := range outs {
			if in != out {
				p[in][out] = true
			}
		}
	}
	return p
}

func (p pairs) has(in, out string) bool {
	return p[in][out]
}

// writeOutput creates the output file (and its directory) and hands it to fn.
// A partial file is removed when fn fails.
func writeOutput(path string, fn func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	err = writeOutput(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	if err != nil {
		return err
	}
	return os.Remove(src)
}
