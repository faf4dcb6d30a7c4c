package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"fileforge/internal/engine"
)

const (
	// directServeLimit is the size below which a file is written in one piece.
	directServeLimit = 10 << 20
	streamChunk      = 8 << 10
)

// Downloads serves completed outputs by token.
type Downloads struct {
	resolver *engine.Resolver
	fs       afero.Fs
	logger   *slog.Logger
}

func NewDownloads(resolver *engine.Resolver, fsys afero.Fs, logger *slog.Logger) *Downloads {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloads{resolver: resolver, fs: fsys, logger: logger.With("component", "download")}
}

func (d *Downloads) ServeDownload(c *gin.Context) {
	dl, err := d.resolver.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, d.logger, err)
		return
	}
	f, err := d.fs.Open(dl.Path)
	if err != nil {
		d.logger.Error("Failed to open download", "job_id", dl.JobID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer f.Close()

	c.Header("Content-Type", dl.MIME)
	c.Header("Content-Disposition", ContentDisposition(dl.Filename))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "private, max-age=0, must-revalidate")
	c.Header("Content-Length", strconv.FormatInt(dl.Size, 10))

	if dl.Size < directServeLimit {
		data, err := io.ReadAll(f)
		if err != nil {
			d.logger.Error("Failed to read download", "job_id", dl.JobID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.Data(http.StatusOK, dl.MIME, data)
		return
	}

	c.Status(http.StatusOK)
	buf := make([]byte, streamChunk)
	c.Stream(func(w io.Writer) bool {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				d.logger.Warn("Client went away during download", "job_id", dl.JobID, "error", werr)
				return false
			}
		}
		if err == io.EOF {
			return false
		}
		if err != nil {
			// Headers are already sent; closing the stream is all that is left.
			d.logger.Error("Error streaming file", "job_id", dl.JobID, "error", err)
			return false
		}
		return true
	})
}

// ContentDisposition builds an attachment header with an ASCII fallback name
// and the RFC 5987 encoded UTF-8 name.
func ContentDisposition(filename string) string {
	var fallback strings.Builder
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			fallback.WriteByte('_')
		case r < 0x20 || r == 0x7f:
		case r < utf8.RuneSelf:
			fallback.WriteRune(r)
		default:
			fallback.WriteByte('_')
		}
	}
	name := fallback.String()
	if name == "" {
		name = "download"
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, name, encodeExtValue(filename))
}

// encodeExtValue percent-encodes everything outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isAttrChar(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func isAttrChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", ch) >= 0
}
