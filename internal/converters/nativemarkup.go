package converters

import (
	"bytes"
	"context"
	"fmt"
	htmlstd "html"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
)

// NativeMarkupConverter handles markdown, html and plain text without any
// external binary.
type NativeMarkupConverter struct {
	md    goldmark.Markdown
	pairs pairs
}

func NewNativeMarkupConverter() *NativeMarkupConverter {
	p := newPairs().
		add([]string{"md"}, []string{"html", "txt"}).
		add([]string{"html"}, []string{"md", "txt"}).
		add([]string{"txt"}, []string{"html", "md"})
	return &NativeMarkupConverter{
		md:    goldmark.New(goldmark.WithExtensions(extension.GFM)),
		pairs: p,
	}
}

func (c *NativeMarkupConverter) Name() string  { return NameNative }
func (c *NativeMarkupConverter) Priority() int { return 60 }

func (c *NativeMarkupConverter) CanConvert(in, out string) bool { return c.pairs.has(in, out) }

func (c *NativeMarkupConverter) CheckDependencies(context.Context) (bool, []string) { return true, nil }

func (c *NativeMarkupConverter) Convert(ctx context.Context, req Request) error {
	src, err := os.ReadFile(req.InputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var out string
	switch req.InputFormat + ">" + req.OutputFormat {
	case "md>html":
		body, err := c.renderMarkdown(src)
		if err != nil {
			return err
		}
		out = wrapHTML(body, req.Options.Standalone)
	case "md>txt":
		body, err := c.renderMarkdown(src)
		if err != nil {
			return err
		}
		out = HTMLToText(strings.NewReader(body), false)
	case "html>md":
		out = HTMLToText(bytes.NewReader(src), true)
	case "html>txt":
		out = HTMLToText(bytes.NewReader(src), false)
	case "txt>html":
		out = wrapHTML(textToHTML(string(src)), req.Options.Standalone)
	case "txt>md":
		out = strings.Join(paragraphs(string(src)), "\n\n") + "\n"
	default:
		return fmt.Errorf("native markup cannot convert %s to %s", req.InputFormat, req.OutputFormat)
	}
	return writeOutput(req.OutputPath, func(w io.Writer) error {
		_, err := io.WriteString(w, out)
		return err
	})
}

func (c *NativeMarkupConverter) renderMarkdown(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

func wrapHTML(body string, standalone bool) string {
	if !standalone {
		return body
	}
	return "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n" + body + "</body>\n</html>\n"
}

func textToHTML(s string) string {
	var b strings.Builder
	for _, p := range paragraphs(s) {
		b.WriteString("<p>")
		b.WriteString(htmlstd.EscapeString(p))
		b.WriteString("</p>\n")
	}
	return b.String()
}

var (
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	skippedTags = map[string]bool{"script": true, "style": true, "head": true, "noscript": true, "template": true}
	blockTags   = map[string]bool{
		"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
		"ul": true, "ol": true, "table": true, "tr": true, "blockquote": true, "pre": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	}
)

// HTMLToText walks the token stream and emits plain text, or markdown when
// markdown is set.
func HTMLToText(r io.Reader, markdown bool) string {
	tokenizer := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	pre := 0
	var hrefs []string

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		token := tokenizer.Token()
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name := token.Data
			if skippedTags[name] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if name == "br" {
				b.WriteString("\n")
				continue
			}
			if blockTags[name] {
				b.WriteString("\n\n")
			}
			if name == "pre" {
				pre++
				if markdown {
					b.WriteString("```\n")
				}
			}
			if name == "li" {
				b.WriteString("\n")
				if markdown {
					b.WriteString("- ")
				}
			}
			if name == "td" || name == "th" {
				b.WriteString(" ")
			}
			if !markdown {
				continue
			}
			switch name {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString(strings.Repeat("#", int(name[1]-'0')) + " ")
			case "strong", "b":
				b.WriteString("**")
			case "em", "i":
				b.WriteString("_")
			case "code":
				if pre == 0 {
					b.WriteString("`")
				}
			case "blockquote":
				b.WriteString("> ")
			case "a":
				href := ""
				for _, a := range token.Attr {
					if a.Key == "href" {
						href = a.Val
					}
				}
				hrefs = append(hrefs, href)
				b.WriteString("[")
			}
		case html.EndTagToken:
			name := token.Data
			if skippedTags[name] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if name == "pre" && pre > 0 {
				pre--
				if markdown {
					b.WriteString("\n```")
				}
			}
			if markdown {
				switch name {
				case "strong", "b":
					b.WriteString("**")
				case "em", "i":
					b.WriteString("_")
				case "code":
					if pre == 0 {
						b.WriteString("`")
					}
				case "a":
					if n := len(hrefs); n > 0 {
						href := hrefs[n-1]
						hrefs = hrefs[:n-1]
						b.WriteString("](" + href + ")")
					}
				}
			}
			if blockTags[name] {
				b.WriteString("\n\n")
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := token.Data
			if pre == 0 {
				text = collapseSpace(text)
			}
			b.WriteString(text)
		}
	}
	return tidy(b.String())
}

func collapseSpace(s string) string {
	if strings.TrimSpace(s) == "" {
		if s == "" {
			return ""
		}
		return " "
	}
	lead := s[0] == ' ' || s[0] == '\n' || s[0] == '\t'
	trail := strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\t")
	out := strings.Join(strings.Fields(s), " ")
	if lead {
		out = " " + out
	}
	if trail {
		out += " "
	}
	return out
}

// tidy trims trailing spaces on every line and squeezes blank line runs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(strings.TrimLeft(l, " "), " ")
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s) + "\n"
}
