package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRetryDelay(t *testing.T) {
	linear := RetryConfig{MaxRetries: 2, BackoffType: LinearBackoff, InitialDelay: 60 * time.Second}
	fixed := RetryConfig{MaxRetries: 1, BackoffType: FixedBackoff, InitialDelay: 30 * time.Second}
	capped := RetryConfig{MaxRetries: 5, BackoffType: LinearBackoff, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		name   string
		config RetryConfig
		retry  int
		want   time.Duration
	}{
		{"linear first retry", linear, 0, 60 * time.Second},
		{"linear second retry", linear, 1, 120 * time.Second},
		{"fixed", fixed, 0, 30 * time.Second},
		{"fixed later", fixed, 3, 30 * time.Second},
		{"linear under cap", capped, 1, 4 * time.Second},
		{"linear capped", capped, 4, 5 * time.Second},
		{"negative retry", linear, -1, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}

	if got := linear.MaxAttempts(); got != 3 {
		t.Errorf("MaxAttempts() = %d, want 3", got)
	}
	if got := BackoffType(7).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}

type sampleRequest struct {
	TargetFormat string `validate:"required"`
	QualityLevel string `validate:"omitempty,oneof=low medium high lossless"`
	Width        int    `validate:"omitempty,min=1,max=10000"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name     string
		req      sampleRequest
		errorMsg string
	}{
		{name: "valid", req: sampleRequest{TargetFormat: "pdf"}},
		{name: "missing target", req: sampleRequest{}, errorMsg: "targetformat is required"},
		{name: "bad quality", req: sampleRequest{TargetFormat: "pdf", QualityLevel: "ultra"}, errorMsg: "qualitylevel must be one of"},
		{name: "width too large", req: sampleRequest{TargetFormat: "pdf", Width: 20000}, errorMsg: "width must be at most 10000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.req)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestValidateServiceURL(t *testing.T) {
	valid := []string{"http://localhost:2004", "https://convert.internal/api"}
	for _, u := range valid {
		if err := ValidateServiceURL(u); err != nil {
			t.Errorf("ValidateServiceURL(%q) = %v", u, err)
		}
	}
	invalid := []string{"", "ftp://host/x", "http://"}
	for _, u := range invalid {
		if err := ValidateServiceURL(u); err == nil {
			t.Errorf("ValidateServiceURL(%q) expected error", u)
		}
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	err = WithTimeout(context.Background(), time.Second, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckBinaryMissing(t *testing.T) {
	if err := CheckBinary(context.Background(), "definitely-not-a-real-binary-xyz", time.Second, "--version"); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if err := CheckBinary(context.Background(), "", time.Second); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestTail(t *testing.T) {
	if got := Tail("abcdef", 3); got != "def" {
		t.Errorf("Tail = %q", got)
	}
	if got := Tail("ab", 3); got != "ab" {
		t.Errorf("Tail = %q", got)
	}
}

func TestBuildFullURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name     string
		proto    string
		tls      bool
		segments []string
		want     string
	}{
		{"plain", "", false, []string{"public/v1/conversions", "abc"}, "http://files.test/public/v1/conversions/abc"},
		{"forwarded https", "https", false, []string{"/download/", "tok"}, "https://files.test/download/tok"},
		{"bogus forwarded proto", "gopher", false, []string{"download", "tok"}, "http://files.test/download/tok"},
		{"tls", "", true, []string{"download", "a b"}, "https://files.test/download/a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "http://files.test/x", nil)
			if tt.proto != "" {
				c.Request.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.tls {
				c.Request.TLS = &tls.ConnectionState{}
			}
			if got := BuildFullURL(c, tt.segments...); got != tt.want {
				t.Errorf("BuildFullURL = %q, want %q", got, tt.want)
			}
		})
	}
}
