// Package layout owns the on-disk arrangement of inputs and outputs under the storage root.
package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/afero"

	"fileforge/internal/domain"
)

const (
	InputsDir  = "inputs"
	OutputsDir = "outputs"

	stampLayout   = "20060102_150405"
	maxBaseLength = 100
)

// Layout resolves and manages paths below one storage root.
type Layout struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// New returns a Layout rooted at root. The root is made absolute so that
// traversal checks compare like with like.
func New(fsys afero.Fs, root string, logger *slog.Logger) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layout{fs: fsys, root: filepath.Clean(abs), logger: logger}, nil
}

func (l *Layout) Root() string { return l.root }
func (l *Layout) Fs() afero.Fs { return l.fs }

// Stamp formats t as YYYYMMDD_HHMMSS in UTC.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// SanitizeFilename keeps ASCII alphanumerics, space, hyphen, underscore, dot and
// non-ASCII letters. Control characters are dropped and everything else becomes
// an underscore. The base is truncated to 100 characters before the extension.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" && ext != "" {
		// dotfile such as ".env"
		base, ext = ext, ""
	}

	cleanBase := sanitizePart(base)
	cleanExt := sanitizePart(strings.TrimPrefix(ext, "."))

	r := []rune(cleanBase)
	if len(r) > maxBaseLength {
		cleanBase = string(r[:maxBaseLength])
	}
	if strings.Trim(cleanBase, ". ") == "" {
		cleanBase = "file"
	}
	if cleanExt == "" {
		return cleanBase
	}
	return cleanBase + "." + cleanExt
}

func sanitizePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			continue
		case r <= unicode.MaxASCII:
			if isASCIIAlnum(r) || r == ' ' || r == '-' || r == '_' || r == '.' {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		case unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimSpace(b.String())
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// BaseName returns the sanitized name without its extension.
func BaseName(original string) string {
	clean := SanitizeFilename(original)
	ext := filepath.Ext(clean)
	if ext == clean {
		return clean
	}
	return strings.TrimSuffix(clean, ext)
}

// InputName is the stored name of an upload: <stamp>_<sanitized-name>.
func InputName(stampedAt time.Time, original string) string {
	return Stamp(stampedAt) + "_" + SanitizeFilename(original)
}

func (l *Layout) InputDir(id domain.Identity) string {
	return filepath.Join(l.root, InputsDir, id.Folder())
}

func (l *Layout) OutputDir(id domain.Identity) string {
	return filepath.Join(l.root, OutputsDir, id.Folder())
}

// InputPath is the exact expected location of a stored upload.
func (l *Layout) InputPath(id domain.Identity, inputName string) string {
	return filepath.Join(l.InputDir(id), inputName)
}

// WriteInput persists an upload and returns its stored name.
func (l *Layout) WriteInput(id domain.Identity, original string, stampedAt time.Time, r io.Reader) (string, error) {
	dir := l.InputDir(id)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}
	name := InputName(stampedAt, original)
	path := filepath.Join(dir, name)
	f, err := l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = l.fs.Remove(path)
		return "", fmt.Errorf("write input file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close input file: %w", err)
	}
	return name, nil
}

// LocateInput finds the stored upload for a job, tolerating clock drift between
// the request and the worker:
//
//  1. the exact expected path
//  2. first file matching <stamp>_*
//  3. newest file matching <YYYYMMDD_HHMM>*
//  4. newest file in the folder
//
// Steps 2-4 log a warning naming the fallback used.
func (l *Layout) LocateInput(id domain.Identity, inputName string, stampedAt time.Time) (string, error) {
	dir := l.InputDir(id)
	exact := filepath.Join(dir, inputName)
	if inputName != "" && l.Exists(exact) {
		return exact, nil
	}

	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", domain.Wrap(domain.KindInternal, err, "list input folder")
	}
	files := entries[:0]
	for _, e := range entries {
		if e.Mode().IsRegular() {
			files = append(files, e)
		}
	}

	stamp := Stamp(stampedAt)
	for _, e := range files {
		if strings.HasPrefix(e.Name(), stamp+"_") {
			l.logger.Warn("input located by timestamp prefix", "fallback", "timestamp_glob", "expected", inputName, "found", e.Name())
			return filepath.Join(dir, e.Name()), nil
		}
	}

	minute := stamp[:len("20060102_1504")]
	if f := newest(files, minute); f != nil {
		l.logger.Warn("input located by minute prefix", "fallback", "minute_glob", "expected", inputName, "found", f.Name())
		return filepath.Join(dir, f.Name()), nil
	}

	if f := newest(files, ""); f != nil {
		l.logger.Warn("INPUT NOT FOUND BY NAME, USING NEWEST FILE IN FOLDER", "fallback", "newest_in_folder", "expected", inputName, "found", f.Name(), "folder", id.Folder())
		return filepath.Join(dir, f.Name()), nil
	}

	return "", domain.Errorf(domain.KindSourceMissing, "source file %q could not be located", inputName)
}

// newest returns the most recently modified entry whose name has prefix.
// Modification time stands in for ctime, which afero does not expose.
func newest(files []os.FileInfo, prefix string) os.FileInfo {
	var best os.FileInfo
	for _, f := range files {
		if !strings.HasPrefix(f.Name(), prefix) {
			continue
		}
		if best == nil || f.ModTime().After(best.ModTime()) {
			best = f
		}
	}
	return best
}

// OutputFilename returns <sanitized-base>.<ext>, adding a numeric suffix only when
// the name is already taken in the owner's output folder.
func (l *Layout) OutputFilename(id domain.Identity, original, ext string) string {
	base := BaseName(original)
	name := base + "." + ext
	dir := l.OutputDir(id)
	for i := 1; ; i++ {
		if ok, _ := afero.Exists(l.fs, filepath.Join(dir, name)); !ok {
			return name
		}
		name = fmt.Sprintf("%s_%d.%s", base, i, ext)
	}
}

// OutputPath joins an output filename onto the owner's output folder without checks.
func (l *Layout) OutputPath(id domain.Identity, filename string) string {
	return filepath.Join(l.OutputDir(id), filename)
}

// SafeOutputPath resolves the output path and refuses anything that escapes the root.
func (l *Layout) SafeOutputPath(id domain.Identity, filename string) (string, error) {
	return l.Contain(l.OutputPath(id, filename))
}

// Contain returns the absolute form of p if it lies strictly below the root.
func (l *Layout) Contain(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", domain.Wrap(domain.KindForbidden, err, "invalid path")
	}
	if !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		l.logger.Warn("path traversal attempt blocked", "path", p)
		return "", domain.Errorf(domain.KindForbidden, "access denied")
	}
	return abs, nil
}

// Rel returns p relative to the root using forward slashes, for object keys.
func (l *Layout) Rel(p string) string {
	rel, err := filepath.Rel(l.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// Exists reports whether a regular file is present at p.
func (l *Layout) Exists(p string) bool {
	info, err := l.fs.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Size returns the file size at p.
func (l *Layout) Size(p string) (int64, error) {
	info, err := l.fs.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes p; a missing file is not an error.
func (l *Layout) Remove(p string) error {
	if p == "" {
		return nil
	}
	if _, err := l.Contain(p); err != nil {
		return err
	}
	err := l.fs.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DiskUsage sums the sizes of every regular file under the root.
func (l *Layout) DiskUsage() (int64, error) {
	var total int64
	err := afero.Walk(l.fs, l.root, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
