package converters

const (
	NameService   = "service"
	NamePDFText   = "pdftext"
	NameOffice    = "office"
	NameBrowser   = "browser"
	NameMarkup    = "markup"
	NameImage     = "image"
	NameNative    = "native"
	NamePDFRender = "pdfrender"
)

// familyNames maps canonical format names to what a converter family calls
// them. Converters not listed take canonical names unchanged.
var familyNames = map[string]map[string]string{
	NameMarkup: {"txt": "plain", "md": "markdown"},
	NameOffice: {"plain": "txt", "markdown": "md", "text": "txt"},
}

// familyOrder fixes the order in which family names are tried as alternates.
var familyOrder = []string{NameMarkup, NameOffice}

// MapFormat translates format into the name the named converter expects.
func MapFormat(converter, format string) string {
	if m, ok := familyNames[converter]; ok {
		if mapped, ok := m[format]; ok {
			return mapped
		}
	}
	return format
}

// canonicalFor reverses a family mapping. Used by converters that accept both
// canonical and family names.
func canonicalFor(converter, format string) string {
	for canonical, mapped := range familyNames[converter] {
		if mapped == format {
			return canonical
		}
	}
	return format
}

// Alternates lists other names format may go by: family names first in
// family order, then the given registry aliases. format itself is excluded.
func Alternates(format string, aliases []string) []string {
	seen := map[string]bool{format: true}
	var res []string
	push := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			res = append(res, s)
		}
	}
	for _, fam := range familyOrder {
		push(familyNames[fam][format])
	}
	for _, a := range aliases {
		push(a)
	}
	return res
}

// AlternatePairs enumerates (in, out) combinations built from the alternates
// of both formats, input-major, without the original pair.
func AlternatePairs(in, out string, aliasesOf func(string) []string) [][2]string {
	if aliasesOf == nil {
		aliasesOf = func(string) []string { return nil }
	}
	ins := append([]string{in}, Alternates(in, aliasesOf(in))...)
	outs := append([]string{out}, Alternates(out, aliasesOf(out))...)
	var res [][2]string
	for _, i := range ins {
		for _, o := range outs {
			if i == in && o == out {
				continue
			}
			res = append(res, [2]string{i, o})
		}
	}
	return res
}

// SelectWithAlternates asks the pool for the canonical pair and then for every
// alternate pair in order.
func (p *Pool) SelectWithAlternates(in, out string, aliasesOf func(string) []string) (Converter, [2]string) {
	if c := p.Select(in, out); c != nil {
		return c, [2]string{in, out}
	}
	for _, pair := range AlternatePairs(in, out, aliasesOf) {
		if c := p.Select(pair[0], pair[1]); c != nil {
			return c, pair
		}
	}
	return nil, [2]string{}
}
