// Package formats is the catalog of supported file formats and their aliases.
package formats

import (
	"sort"
	"strings"
)

type Category string

const (
	CategoryDocument     Category = "document"
	CategoryImage        Category = "image"
	CategoryPresentation Category = "presentation"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryAudio        Category = "audio"
	CategoryVideo        Category = "video"
)

// Descriptor describes one canonical format.
type Descriptor struct {
	Name            string
	Extension       string
	MIME            string
	Category        Category
	CanBeInput      bool
	CanBeOutput     bool
	MaxInputBytes   int64 // optimization variants only, 0 when not optimizable
	DefaultQuality  int
	SupportsQuality bool
	SupportsResize  bool
}

// Registry is read-only after construction.
type Registry struct {
	byName  map[string]Descriptor
	aliases map[string]string
}

const mb = 1024 * 1024

var builtin = []Descriptor{
	{Name: "pdf", Extension: "pdf", MIME: "application/pdf", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true, MaxInputBytes: 50 * mb, DefaultQuality: 85, SupportsQuality: true},
	{Name: "docx", Extension: "docx", MIME: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "doc", Extension: "doc", MIME: "application/msword", Category: CategoryDocument, CanBeInput: true, CanBeOutput: false},
	{Name: "odt", Extension: "odt", MIME: "application/vnd.oasis.opendocument.text", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "rtf", Extension: "rtf", MIME: "application/rtf", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "txt", Extension: "txt", MIME: "text/plain", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "md", Extension: "md", MIME: "text/markdown", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "html", Extension: "html", MIME: "text/html", Category: CategoryDocument, CanBeInput: true, CanBeOutput: true},
	{Name: "jpg", Extension: "jpg", MIME: "image/jpeg", Category: CategoryImage, CanBeInput: true, CanBeOutput: true, MaxInputBytes: 50 * mb, DefaultQuality: 85, SupportsQuality: true, SupportsResize: true},
	{Name: "png", Extension: "png", MIME: "image/png", Category: CategoryImage, CanBeInput: true, CanBeOutput: true, MaxInputBytes: 50 * mb, DefaultQuality: 90, SupportsQuality: true, SupportsResize: true},
	{Name: "webp", Extension: "webp", MIME: "image/webp", Category: CategoryImage, CanBeInput: true, CanBeOutput: true, MaxInputBytes: 50 * mb, DefaultQuality: 80, SupportsQuality: true, SupportsResize: true},
	{Name: "tif", Extension: "tif", MIME: "image/tiff", Category: CategoryImage, CanBeInput: true, CanBeOutput: true, DefaultQuality: 100, SupportsResize: true},
	{Name: "pptx", Extension: "pptx", MIME: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Category: CategoryPresentation, CanBeInput: true, CanBeOutput: true},
	{Name: "ppt", Extension: "ppt", MIME: "application/vnd.ms-powerpoint", Category: CategoryPresentation, CanBeInput: true},
	{Name: "odp", Extension: "odp", MIME: "application/vnd.oasis.opendocument.presentation", Category: CategoryPresentation, CanBeInput: true, CanBeOutput: true},
	{Name: "xlsx", Extension: "xlsx", MIME: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Category: CategorySpreadsheet, CanBeInput: true, CanBeOutput: true},
	{Name: "xls", Extension: "xls", MIME: "application/vnd.ms-excel", Category: CategorySpreadsheet, CanBeInput: true},
	{Name: "ods", Extension: "ods", MIME: "application/vnd.oasis.opendocument.spreadsheet", Category: CategorySpreadsheet, CanBeInput: true, CanBeOutput: true},
	{Name: "csv", Extension: "csv", MIME: "text/csv", Category: CategorySpreadsheet, CanBeInput: true, CanBeOutput: true},
	// Cataloged so uploads get a proper error message; no converter handles them.
	{Name: "mp3", Extension: "mp3", MIME: "audio/mpeg", Category: CategoryAudio},
	{Name: "mp4", Extension: "mp4", MIME: "video/mp4", Category: CategoryVideo},
}

var builtinAliases = map[string]string{
	"markdown":     "md",
	"mdown":        "md",
	"mkd":          "md",
	"mkdn":         "md",
	"jpeg":         "jpg",
	"jpe":          "jpg",
	"jfif":         "jpg",
	"pjpeg":        "jpg",
	"htm":          "html",
	"xhtml":        "html",
	"text":         "txt",
	"plain":        "txt",
	"text/plain":   "txt",
	"tiff":         "tif",
	"word":         "docx",
	"docm":         "docx",
	"dotx":         "docx",
	"dot":          "doc",
	"excel":        "xlsx",
	"xlsm":         "xlsx",
	"powerpoint":   "pptx",
	"pps":          "ppt",
	"ppsx":         "pptx",
	"opendocument": "odt",
	"richtext":     "rtf",
	"acrobat":      "pdf",
}

// New returns a registry with the built-in catalog.
func New() *Registry {
	r := &Registry{
		byName:  make(map[string]Descriptor, len(builtin)),
		aliases: make(map[string]string, len(builtinAliases)),
	}
	for _, d := range builtin {
		r.byName[d.Name] = d
	}
	for k, v := range builtinAliases {
		r.aliases[k] = v
	}
	return r
}

// Normalize lowercases, strips leading dots and applies the alias map.
// Normalize(Normalize(x)) == Normalize(x) for every x.
func (r *Registry) Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimLeft(n, ". \t")
	if canonical, ok := r.aliases[n]; ok {
		return canonical
	}
	return n
}

// FromFilename returns the normalized format implied by the file extension.
func (r *Registry) FromFilename(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return r.Normalize(filename[i+1:])
}

func (r *Registry) Lookup(canonical string) (Descriptor, bool) {
	d, ok := r.byName[canonical]
	return d, ok
}

func (r *Registry) CategoryOf(canonical string) Category {
	return r.byName[canonical].Category
}

func (r *Registry) CanBeInput(canonical string) bool {
	d, ok := r.byName[canonical]
	return ok && d.CanBeInput
}

func (r *Registry) CanBeOutput(canonical string) bool {
	d, ok := r.byName[canonical]
	return ok && d.CanBeOutput
}

// MIME returns the registered MIME type or application/octet-stream.
func (r *Registry) MIME(canonical string) string {
	if d, ok := r.byName[canonical]; ok {
		return d.MIME
	}
	return "application/octet-stream"
}

// Optimizable reports whether the format can be re-encoded in place.
func (r *Registry) Optimizable(canonical string) bool {
	d, ok := r.byName[canonical]
	return ok && d.MaxInputBytes > 0
}

// Aliases returns the alias names that resolve to canonical, sorted.
func (r *Registry) Aliases(canonical string) []string {
	var out []string
	for k, v := range r.aliases {
		if v == canonical && !strings.Contains(k, "/") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Names lists canonical names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
