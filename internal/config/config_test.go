package config

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileforge/internal/converters"
	"fileforge/internal/database/dbtest"
	"fileforge/internal/quota"
	"fileforge/internal/storage"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FILEFORGE_MAX_WORKERS", "8")
	t.Setenv("CONVERSION_SERVICE_TIMEOUT", "45s")
	t.Setenv("FILEFORGE_TRUSTED_PROXIES", "10.0.0.1,10.0.0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StorageRoot != "./storage" || cfg.QuotaBackend != "postgres" || cfg.MirrorBackend != "none" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.MaxWorkers != 8 {
		t.Fatalf("prefixed variable ignored: %d", cfg.MaxWorkers)
	}
	if cfg.ConversionServiceTimeout != 45*time.Second {
		t.Fatalf("unprefixed variable ignored: %v", cfg.ConversionServiceTimeout)
	}
	if len(cfg.TrustedProxies) != 2 {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxies)
	}
}

func validConfig() Config {
	return Config{
		DBURL:                    "postgres://localhost/fileforge",
		MaxDBConns:               10,
		ListenAddr:               ":8080",
		StorageRoot:              "./storage",
		MaxWorkers:               5,
		ConversionServiceTimeout: 300 * time.Second,
		BrowserPages:             2,
		QuotaBackend:             "postgres",
		MirrorBackend:            "none",
		MirrorPath:               "./mirror",
		LogFormat:                "text",
		LogLevel:                 "info",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "redis without url", mutate: func(c *Config) { c.QuotaBackend = "redis" }, errorMsg: "redisurl"},
		{name: "unknown quota backend", mutate: func(c *Config) { c.QuotaBackend = "memcached" }, errorMsg: "quotabackend must be one of"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.MirrorBackend = "s3" }, errorMsg: "s3bucket"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.MirrorBackend = "gcs" }, errorMsg: "gcsbucket"},
		{name: "compression without mirror", mutate: func(c *Config) { c.MirrorCompress = true }, errorMsg: "mirror compression"},
		{name: "bad service url", mutate: func(c *Config) { c.ConversionServiceURL = "ftp://convert" }, errorMsg: "conversion service url"},
		{name: "zero workers", mutate: func(c *Config) { c.MaxWorkers = 0 }, errorMsg: "maxworkers must be at least 1"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, errorMsg: "logformat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
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

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("empty jwt secret accepted")
	}
	cfg.JWTSecret = "0123456789abcdef"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatal(err)
	}
	cfg.RiverUI = true
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("river ui without admin tenants accepted")
	}
	cfg.AdminTenants = []string{"ops"}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatal(err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "json", "warn").Info("hidden")
	NewLogger(&buf, "json", "warn").Warn("shown", "job_id", "j1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["job_id"] != "j1" {
		t.Fatalf("line = %v", line)
	}

	buf.Reset()
	NewLogger(&buf, "text", "bogus").Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	cfg := validConfig()

	st, err := cfg.Mirror(ctx)
	if err != nil || st != nil {
		t.Fatalf("disabled mirror = %v, %v", st, err)
	}

	cfg.MirrorBackend = "fs"
	cfg.MirrorPath = filepath.Join(t.TempDir(), "mirror")
	st, err = cfg.Mirror(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*storage.FSStorage); !ok {
		t.Fatalf("fs mirror is %T", st)
	}

	cfg.MirrorCompress = true
	st, err = cfg.Mirror(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*storage.ZSTDStorage); !ok {
		t.Fatalf("compressed mirror is %T", st)
	}
}

func TestQuotaStore(t *testing.T) {
	cfg := validConfig()
	st, closeFn, err := cfg.QuotaStore(dbtest.Open(t))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := st.(*quota.GormStore); !ok {
		t.Fatalf("store is %T", st)
	}
}

func TestConvertersWithoutBinaries(t *testing.T) {
	cfg := validConfig()
	cfg.SofficeBinary = "fileforge-missing-soffice"
	cfg.PandocBinary = "fileforge-missing-pandoc"
	logger := NewLogger(&bytes.Buffer{}, "text", "error")

	pool, browser := cfg.Converters(context.Background(), logger)
	if browser != nil {
		t.Fatal("browser manager started while disabled")
	}
	if pool.Len() == 0 {
		t.Fatal("library converters should always register")
	}
	skipped := pool.Skipped()
	for _, name := range []string{converters.NameOffice, converters.NameMarkup} {
		if _, ok := skipped[name]; !ok {
			t.Errorf("%s should be skipped, got %v", name, skipped)
		}
	}
}
