package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fileforge/internal/browsermgr"
	"fileforge/internal/converters"
	"fileforge/internal/database"
)

// Health reports database reachability and converter pool membership.
type Health struct {
	DB      *gorm.DB
	Pool    *converters.Pool
	Browser *browsermgr.Manager
}

// HealthCheckHandler checks the health of the application.
func (h *Health) HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		body := gin.H{"status": "healthy"}
		status := http.StatusOK
		if h.DB == nil || database.Ping(ctx, h.DB) != nil {
			body["status"] = "unhealthy"
			body["error"] = "database connection failed"
			status = http.StatusServiceUnavailable
		}
		if h.Pool != nil {
			body["converters"] = h.Pool.Names()
			body["unavailable_converters"] = h.Pool.Skipped()
			if h.Pool.Len() == 0 && status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
		if h.Browser != nil {
			body["browser"] = gin.H{"healthy": h.Browser.Healthy(), "pages_in_use": h.Browser.InFlight()}
		}
		c.JSON(status, body)
	}
}
