package utils

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// BuildFullURL constructs an absolute URL for the request host from path
// segments. Each segment is escaped.
func BuildFullURL(c *gin.Context, segments ...string) string {
	scheme := "https"
	if c.Request.TLS == nil {
		// Check for forwarded protocol header (common in reverse proxies)
		if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		} else {
			scheme = "http"
		}
	}
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s == "" {
			continue
		}
		for _, part := range strings.Split(s, "/") {
			escaped = append(escaped, url.PathEscape(part))
		}
	}
	return scheme + "://" + c.Request.Host + "/" + strings.Join(escaped, "/")
}
