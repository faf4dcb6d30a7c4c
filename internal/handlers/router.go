// Package handlers is the gin HTTP adapter over the conversion and
// optimization engines.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request body ceilings per route group, a little above the largest accepted upload.
const (
	authenticatedBodyLimit = 52 << 20
	publicBodyLimit        = 27 << 20
)

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	API            *API
	Downloads      *Downloads
	Health         *Health
	Verifier       *Verifier
	TrustedProxies []string
	// RiverUI, when set, is mounted at /riverui for AdminTenants only.
	RiverUI      http.Handler
	AdminTenants []string
}

// limitBody caps the request body so oversized uploads fail while parsing.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// NewRouter registers every route.
func NewRouter(opts RouterOptions) (*gin.Engine, error) {
	r := gin.Default()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}

	if opts.Health != nil {
		r.GET("/healthz", opts.Health.HealthCheckHandler())
	}
	r.GET("/download/:token", opts.Downloads.ServeDownload)

	a := opts.API
	authed := r.Group("/api/v1", RequireTenant(opts.Verifier), limitBody(authenticatedBodyLimit))
	{
		authed.POST("/conversions", a.CreateConversion)
		authed.GET("/conversions", a.ListConversions)
		authed.GET("/conversions/:id", a.GetConversion)
		authed.DELETE("/conversions/:id", a.CancelConversion)
		authed.POST("/optimizations", a.CreateOptimization)
		authed.GET("/optimizations", a.ListOptimizations)
		authed.GET("/optimizations/:id", a.GetOptimization)
		authed.DELETE("/optimizations/:id", a.CancelOptimization)
	}

	public := r.Group("/public/v1", PublicIdentity(), limitBody(publicBodyLimit))
	{
		public.POST("/conversions", a.CreateConversion)
		public.GET("/conversions/:id", a.GetConversion)
		public.POST("/optimizations", a.CreateOptimization)
		public.GET("/optimizations/:id", a.GetOptimization)
		public.POST("/compressions", a.CreateCompression)
		public.GET("/compressions/:batch", a.GetCompression)
	}

	if opts.RiverUI != nil {
		admin := r.Group("/riverui", RequireTenant(opts.Verifier), RequireAdmin(opts.AdminTenants))
		admin.Any("/*path", gin.WrapH(opts.RiverUI))
	}
	return r, nil
}
