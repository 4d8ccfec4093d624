package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.GC.MaxRevisionAge != 24*time.Hour {
		t.Errorf("expected default max revision age 24h, got %s", cfg.GC.MaxRevisionAge)
	}

	if cfg.Store.AsyncDelay != time.Second {
		t.Errorf("expected default async delay 1s, got %s", cfg.Store.AsyncDelay)
	}

	if cfg.Backend.Type != BackendMemory {
		t.Errorf("expected default backend memory, got %s", cfg.Backend.Type)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oakd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
store:
  clusterId: 7
  asyncDelay: 0s
  compression: zstd
backend:
  type: oxia
oxia:
  endpoint: oxia:6648
blobStore:
  type: s3
  bucket: oak-blobs
gc:
  maxRevisionAge: 2h
  interval: 0s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.ClusterID != 7 {
		t.Errorf("clusterId = %d, want 7", cfg.Store.ClusterID)
	}
	if cfg.Store.AsyncDelay != 0 {
		t.Errorf("asyncDelay = %s, want 0", cfg.Store.AsyncDelay)
	}
	if cfg.GC.MaxRevisionAge != 2*time.Hour {
		t.Errorf("maxRevisionAge = %s, want 2h", cfg.GC.MaxRevisionAge)
	}
	if cfg.Oxia.Namespace != "oak" {
		t.Errorf("namespace = %q, want default oak", cfg.Oxia.Namespace)
	}
	if cfg.BlobStore.Bucket != "oak-blobs" {
		t.Errorf("bucket = %q", cfg.BlobStore.Bucket)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"OAK_CLUSTER_ID":            "3",
		"OAK_GC_MAX_REVISION_AGE":   "90m",
		"OAK_S3_USE_PATH_STYLE":     "true",
		"OAK_LOG_LEVEL":             "debug",
		"OAK_BLOB_INLINE_THRESHOLD": "128",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.ClusterID != 3 {
		t.Errorf("clusterId = %d, want 3", cfg.Store.ClusterID)
	}
	if cfg.GC.MaxRevisionAge != 90*time.Minute {
		t.Errorf("maxRevisionAge = %s, want 90m", cfg.GC.MaxRevisionAge)
	}
	if !cfg.BlobStore.UsePathStyle {
		t.Error("usePathStyle not applied")
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.Observability.LogLevel)
	}
	if cfg.BlobStore.InlineThreshold != 128 {
		t.Errorf("inlineThreshold = %d, want 128", cfg.BlobStore.InlineThreshold)
	}
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "OAK_CLUSTER_ID" {
			return "70000", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected an error for an out of range cluster id")
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeFile(t, "gc:\n  maxRevisionAge: 2h\n")
	t.Setenv("OAK_GC_MAX_REVISION_AGE", "3h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GC.MaxRevisionAge != 3*time.Hour {
		t.Errorf("maxRevisionAge = %s, want 3h", cfg.GC.MaxRevisionAge)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "postgres" }},
		{"oxia without endpoint", func(c *Config) { c.Backend.Type = BackendOxia; c.Oxia.Endpoint = "" }},
		{"s3 without bucket", func(c *Config) { c.BlobStore.Type = BlobStoreS3 }},
		{"negative async delay", func(c *Config) { c.Store.AsyncDelay = -time.Second }},
		{"unknown compression", func(c *Config) { c.Store.Compression = "brotli" }},
		{"negative max revision age", func(c *Config) { c.GC.MaxRevisionAge = -time.Hour }},
		{"zero inline threshold", func(c *Config) { c.BlobStore.InlineThreshold = 0 }},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
