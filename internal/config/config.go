// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. HARVESTER_PATHS_RAW_ROOT.
const EnvPrefix = "HARVESTER"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Download  DownloadConfig  `mapstructure:"download"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	CKAN      CKANConfig      `mapstructure:"ckan"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// PathsConfig sets the on-disk layout.
type PathsConfig struct {
	RawRoot      string `mapstructure:"raw_root" validate:"required"`
	CSVRoot      string `mapstructure:"csv_root" validate:"required"`
	Catalog      string `mapstructure:"catalog"`
	InventoryCSV string `mapstructure:"inventory_csv"`
	Readme       string `mapstructure:"readme"`
}

// HTTPConfig controls outbound requests.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent" validate:"required"`
	PageTimeout   time.Duration `mapstructure:"page_timeout" validate:"gt=0"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout" validate:"gt=0"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// DownloadConfig holds the size ceiling applied to every download.
type DownloadConfig struct {
	SizeLimitBytes int64 `mapstructure:"size_limit_bytes" validate:"gt=0"`
}

// IngestConfig governs catalog ingestion.
type IngestConfig struct {
	MaxLinksPerDataset int           `mapstructure:"max_links_per_dataset" validate:"gt=0"`
	Pause              time.Duration `mapstructure:"pause" validate:"gte=0"`
	BlockedDomains     []string      `mapstructure:"blocked_domains"`
}

// CKANConfig points at a CKAN open-data portal.
type CKANConfig struct {
	APIBase    string `mapstructure:"api_base" validate:"required,url"`
	PortalHost string `mapstructure:"portal_host"`
	Namespace  string `mapstructure:"namespace" validate:"required"`
}

// NormalizeConfig bounds archive expansion.
type NormalizeConfig struct {
	MaxArchiveDepth   int   `mapstructure:"max_archive_depth" validate:"gt=0"`
	MaxArchiveMembers int   `mapstructure:"max_archive_members" validate:"gt=0"`
	MaxExtractBytes   int64 `mapstructure:"max_extract_bytes" validate:"gt=0"`
}

// LedgerConfig enables the optional Postgres outcome ledger.
type LedgerConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// MirrorConfig selects where normalized CSVs are mirrored.
type MirrorConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=none local gcs"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds notification settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port           int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry spans. Without a project id spans
// stay in-process.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.raw_root", "data/raw")
	v.SetDefault("paths.csv_root", "data/csv")
	v.SetDefault("paths.catalog", "data/datasets_catalog.csv")
	v.SetDefault("paths.inventory_csv", "data/inventory.csv")
	v.SetDefault("paths.readme", "README.md")
	v.SetDefault("http.user_agent", "OpenData-Ingest/1.0 (+https://github.com/JakeFAU/opendata-harvester)")
	v.SetDefault("http.page_timeout", "60s")
	v.SetDefault("http.probe_timeout", "60s")
	v.SetDefault("http.stream_timeout", "180s")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("download.size_limit_bytes", 50*1024*1024)
	v.SetDefault("ingest.max_links_per_dataset", 3)
	v.SetDefault("ingest.pause", "300ms")
	v.SetDefault("ckan.api_base", "https://data.nsw.gov.au/data/api/3/action")
	v.SetDefault("ckan.portal_host", "data.nsw.gov.au")
	v.SetDefault("ckan.namespace", "nsw")
	v.SetDefault("normalize.max_archive_depth", 3)
	v.SetDefault("normalize.max_archive_members", 1000)
	v.SetDefault("normalize.max_extract_bytes", 1<<30)
	v.SetDefault("ledger.table", "ingest_attempts")
	v.SetDefault("mirror.provider", "none")
	v.SetDefault("mirror.prefix", "csv")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "opendata-harvester")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return val
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s must satisfy %s=%s", key, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s must satisfy %s", key, fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	switch c.Mirror.Provider {
	case "local":
		if c.Mirror.BaseDir == "" {
			return fmt.Errorf("mirror.base_dir must be set when mirror.provider is local")
		}
	case "gcs":
		if c.Mirror.GCSBucket == "" {
			return fmt.Errorf("mirror.gcs_bucket must be set when mirror.provider is gcs")
		}
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Download.SizeLimitBytes > c.Normalize.MaxExtractBytes {
		return fmt.Errorf("normalize.max_extract_bytes must be >= download.size_limit_bytes")
	}
	return nil
}
