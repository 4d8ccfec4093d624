// Package config provides configuration loading and validation for oakd.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/logging"
)

// Config holds all configuration for an oakd node.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Backend       BackendConfig       `yaml:"backend"`
	Oxia          OxiaConfig          `yaml:"oxia"`
	BlobStore     BlobStoreConfig     `yaml:"blobStore"`
	GC            GCConfig            `yaml:"gc"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StoreConfig struct {
	// ClusterID must be unique among nodes sharing a backend.
	ClusterID      uint16        `yaml:"clusterId" env:"OAK_CLUSTER_ID"`
	AsyncDelay     time.Duration `yaml:"asyncDelay" env:"OAK_ASYNC_DELAY"`
	StaleCommitAge time.Duration `yaml:"staleCommitAge" env:"OAK_STALE_COMMIT_AGE"`
	Compression    string        `yaml:"compression" env:"OAK_COMPRESSION"`
}

// Backend types.
const (
	BackendMemory = "memory"
	BackendOxia   = "oxia"
)

type BackendConfig struct {
	Type string `yaml:"type" env:"OAK_BACKEND"`
}

type OxiaConfig struct {
	Endpoint       string        `yaml:"endpoint" env:"OAK_OXIA_ENDPOINT"`
	Namespace      string        `yaml:"namespace" env:"OAK_OXIA_NAMESPACE"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"OAK_OXIA_REQUEST_TIMEOUT"`
}

// Blob store types.
const (
	BlobStoreMemory = "memory"
	BlobStoreS3     = "s3"
)

type BlobStoreConfig struct {
	Type            string `yaml:"type" env:"OAK_BLOB_STORE"`
	InlineThreshold int    `yaml:"inlineThreshold" env:"OAK_BLOB_INLINE_THRESHOLD"`
	Endpoint        string `yaml:"endpoint" env:"OAK_S3_ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"OAK_S3_BUCKET"`
	Region          string `yaml:"region" env:"OAK_S3_REGION"`
	AccessKey       string `yaml:"accessKey" env:"OAK_S3_ACCESS_KEY"`
	SecretKey       string `yaml:"secretKey" env:"OAK_S3_SECRET_KEY"`
	UsePathStyle    bool   `yaml:"usePathStyle" env:"OAK_S3_USE_PATH_STYLE"`
	KeyPrefix       string `yaml:"keyPrefix" env:"OAK_S3_KEY_PREFIX"`
}

type GCConfig struct {
	MaxRevisionAge     time.Duration `yaml:"maxRevisionAge" env:"OAK_GC_MAX_REVISION_AGE"`
	Interval           time.Duration `yaml:"interval" env:"OAK_GC_INTERVAL"`
	OrphanBlobInterval time.Duration `yaml:"orphanBlobInterval" env:"OAK_GC_ORPHAN_BLOB_INTERVAL"`
	OrphanBlobTTL      time.Duration `yaml:"orphanBlobTTL" env:"OAK_GC_ORPHAN_BLOB_TTL"`
}

type AdminConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"OAK_ADMIN_ADDR"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"OAK_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"OAK_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"OAK_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			ClusterID:      1,
			AsyncDelay:     time.Second,
			StaleCommitAge: 10 * time.Minute,
			Compression:    "snappy",
		},
		Backend: BackendConfig{
			Type: BackendMemory,
		},
		Oxia: OxiaConfig{
			Endpoint:       "localhost:6648",
			Namespace:      "oak",
			RequestTimeout: 30 * time.Second,
		},
		BlobStore: BlobStoreConfig{
			Type:            BlobStoreMemory,
			InlineThreshold: 4096,
			Region:          "us-east-1",
		},
		GC: GCConfig{
			MaxRevisionAge:     24 * time.Hour,
			Interval:           time.Hour,
			OrphanBlobInterval: time.Hour,
			OrphanBlobTTL:      24 * time.Hour,
		},
		Admin: AdminConfig{
			ListenAddr: ":8080",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path loads only the defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides every field carrying an env tag whose variable is set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	return applyEnv(reflect.ValueOf(c).Elem(), lookup)
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, lookup); err != nil {
				return err
			}
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint16:
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return err
		}
		field.SetUint(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.AsyncDelay < 0 {
		errs = append(errs, errors.New("store.asyncDelay must not be negative"))
	}
	if c.Store.StaleCommitAge <= 0 {
		errs = append(errs, errors.New("store.staleCommitAge must be positive"))
	}
	if _, err := document.ParseCompression(c.Store.Compression); err != nil {
		errs = append(errs, fmt.Errorf("store.compression: %w", err))
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendOxia:
		if c.Oxia.Endpoint == "" {
			errs = append(errs, errors.New("oxia.endpoint is required for the oxia backend"))
		}
		if c.Oxia.Namespace == "" {
			errs = append(errs, errors.New("oxia.namespace is required for the oxia backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type %q is not one of %s, %s", c.Backend.Type, BackendMemory, BackendOxia))
	}

	switch c.BlobStore.Type {
	case BlobStoreMemory:
	case BlobStoreS3:
		if c.BlobStore.Bucket == "" {
			errs = append(errs, errors.New("blobStore.bucket is required for the s3 blob store"))
		}
	default:
		errs = append(errs, fmt.Errorf("blobStore.type %q is not one of %s, %s", c.BlobStore.Type, BlobStoreMemory, BlobStoreS3))
	}
	if c.BlobStore.InlineThreshold <= 0 {
		errs = append(errs, errors.New("blobStore.inlineThreshold must be positive"))
	}

	if c.GC.MaxRevisionAge < 0 {
		errs = append(errs, errors.New("gc.maxRevisionAge must not be negative"))
	}
	if c.GC.Interval < 0 || c.GC.OrphanBlobInterval < 0 {
		errs = append(errs, errors.New("gc intervals must not be negative"))
	}
	if c.GC.OrphanBlobInterval > 0 && c.GC.OrphanBlobTTL <= 0 {
		errs = append(errs, errors.New("gc.orphanBlobTTL must be positive when orphan blob scans are enabled"))
	}

	if !validLevel(c.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("observability.logLevel %q is not one of debug, info, warn, error", c.Observability.LogLevel))
	}
	if f := strings.ToLower(c.Observability.LogFormat); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("observability.logFormat %q is not one of json, text", c.Observability.LogFormat))
	}
	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ConfigureLogging sets up the global logger from the observability
// settings.
func (c *Config) ConfigureLogging() *logging.Logger {
	return logging.Configure(c.Observability.LogLevel, c.Observability.LogFormat)
}
