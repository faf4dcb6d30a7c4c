package domain

import (
	"fmt"
	"time"

	"fileforge/internal/utils"
)

// Surface is one accept path. Each has its own quotas, retention and features.
type Surface string

const (
	SurfaceConversion         Surface = "conversion"
	SurfacePublicConversion   Surface = "public_conversion"
	SurfaceOptimization       Surface = "optimization"
	SurfacePublicOptimization Surface = "public_optimization"
	SurfacePublicCompression  Surface = "public_compression"
)

// Surfaces lists every surface in a stable order.
var Surfaces = []Surface{
	SurfaceConversion,
	SurfacePublicConversion,
	SurfaceOptimization,
	SurfacePublicOptimization,
	SurfacePublicCompression,
}

func ParseSurface(s string) (Surface, error) {
	for _, v := range Surfaces {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown surface %q", s)
}

// Public reports whether the surface is keyed by client IP.
func (s Surface) Public() bool {
	return s != SurfaceConversion && s != SurfaceOptimization
}

// Optimization reports whether jobs on this surface are re-encodes in place.
func (s Surface) Optimization() bool {
	return s == SurfaceOptimization || s == SurfacePublicOptimization || s == SurfacePublicCompression
}

// Policy is the limit table for one surface. Zero means "no limit".
type Policy struct {
	Surface       Surface
	MaxFileBytes  int64
	MaxBatchFiles int
	MaxBatchBytes int64
	MonthlyLimit  int
	HourlyLimit   int
	DailyLimit    int
	Retention     time.Duration
	MaxOutputSide int
	AllowLossless bool
	Retry         utils.RetryConfig
	PDFEngine     string
}

const mb = 1024 * 1024

var authRetry = utils.RetryConfig{
	MaxRetries:   2,
	BackoffType:  utils.LinearBackoff,
	InitialDelay: 60 * time.Second,
}

var publicRetry = utils.RetryConfig{
	MaxRetries:   1,
	BackoffType:  utils.FixedBackoff,
	InitialDelay: 30 * time.Second,
}

var policies = map[Surface]Policy{
	SurfaceConversion: {
		Surface:       SurfaceConversion,
		MaxFileBytes:  50 * mb,
		MonthlyLimit:  100,
		Retention:     24 * time.Hour,
		AllowLossless: true,
		Retry:         authRetry,
		PDFEngine:     "xelatex",
	},
	SurfacePublicConversion: {
		Surface:      SurfacePublicConversion,
		MaxFileBytes: 10 * mb,
		HourlyLimit:  10,
		DailyLimit:   50,
		Retention:    time.Hour,
		Retry:        publicRetry,
		PDFEngine:    "wkhtmltopdf",
	},
	SurfaceOptimization: {
		Surface:       SurfaceOptimization,
		MaxFileBytes:  50 * mb,
		MonthlyLimit:  100,
		Retention:     7 * 24 * time.Hour,
		AllowLossless: true,
		Retry:         authRetry,
	},
	SurfacePublicOptimization: {
		Surface:       SurfacePublicOptimization,
		MaxFileBytes:  10 * mb,
		HourlyLimit:   5,
		DailyLimit:    20,
		Retention:     time.Hour,
		MaxOutputSide: 2048,
		Retry:         publicRetry,
	},
	SurfacePublicCompression: {
		Surface:       SurfacePublicCompression,
		MaxFileBytes:  10 * mb,
		MaxBatchFiles: 20,
		MaxBatchBytes: 25 * mb,
		HourlyLimit:   3,
		DailyLimit:    10,
		Retention:     30 * time.Minute,
		MaxOutputSide: 2048,
		Retry:         publicRetry,
	},
}

// PolicyFor returns the limit table for s. Unknown surfaces get the strictest public policy.
func PolicyFor(s Surface) Policy {
	if p, ok := policies[s]; ok {
		return p
	}
	return policies[SurfacePublicCompression]
}
