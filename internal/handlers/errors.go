package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fileforge/internal/domain"
)

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindQuotaExceeded:
		if domain.ReasonOf(err) == domain.ReasonFileSize || domain.ReasonOf(err) == domain.ReasonBatchBytes {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case domain.KindFormatUnsupported, domain.KindNoConverter:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// respondError writes the JSON error body. Internal errors are logged in full
// and reported with a generic message.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	body := gin.H{"error": domain.PublicMessage(err), "kind": domain.KindOf(err)}
	if reason := domain.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", "path", c.FullPath(), "error", err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest reports a malformed request that never reached the engine.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// formError maps a multipart parse failure. An oversized body is reported as a
// file-size quota error.
func formError(c *gin.Context, logger *slog.Logger, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(c, logger, domain.QuotaError(domain.ReasonFileSize, "request body is too large"))
		return
	}
	badRequest(c, "invalid multipart form")
}
