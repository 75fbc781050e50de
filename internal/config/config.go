// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Log        LogConfig     `mapstructure:"log"`
	DB         DBConfig      `mapstructure:"db"`
	State      StateConfig   `mapstructure:"state"`
	HTTP       HTTPConfig    `mapstructure:"http"`
	Retry      RetryConfig   `mapstructure:"retry"`
	Geocode    GeocodeConfig `mapstructure:"geocode"`
	Archive    ArchiveConfig `mapstructure:"archive"`
	Server     ServerConfig  `mapstructure:"server"`
	TrueCar    SourceConfig  `mapstructure:"truecar"`
	Autotrader SourceConfig  `mapstructure:"autotrader"`
	Edmunds    EdmundsConfig `mapstructure:"edmunds"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the mode's default level when set.
	Level string `mapstructure:"level"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StateConfig locates the per-source scrape state files.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// HTTPConfig configures the JSON fetcher and the shared request cadence.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Requests per Per, per source. Zero disables throttling.
	Requests int           `mapstructure:"requests"`
	Per      time.Duration `mapstructure:"per"`
	// QueueDepth is how many parsed pages may wait for the database.
	QueueDepth int `mapstructure:"queue_depth"`
}

// RetryConfig is the job-level backoff schedule.
type RetryConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Rate        float64       `mapstructure:"rate"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      bool          `mapstructure:"jitter"`
}

// GeocodeConfig points at the geocoding providers. An empty URL disables
// that provider.
type GeocodeConfig struct {
	CensusURL    string `mapstructure:"census_url"`
	NominatimURL string `mapstructure:"nominatim_url"`
	CacheSize    int    `mapstructure:"cache_size"`
}

// ArchiveConfig selects where raw vendor payloads are kept.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig is the on-disk archive root.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig is the archive bucket.
type GCSArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Enabled reports whether payloads are archived at all.
func (a ArchiveConfig) Enabled() bool {
	return a.Backend != "" && a.Backend != ArchiveNone
}

// ServerConfig controls the query API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheSize      int           `mapstructure:"cache_size"`
}

// SourceConfig overrides a paginated source. Zero bounds keep the
// source's defaults.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Lower   int    `mapstructure:"lower"`
	Upper   int    `mapstructure:"upper"`
}

// EdmundsConfig drives the browser-backed source.
type EdmundsConfig struct {
	SearchURL  string        `mapstructure:"search_url"`
	FirstPage  int           `mapstructure:"first_page"`
	LastPage   int           `mapstructure:"last_page"`
	Radius     int           `mapstructure:"radius"`
	UserAgent  string        `mapstructure:"user_agent"`
	ExecPath   string        `mapstructure:"exec_path"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	Settle     time.Duration `mapstructure:"settle"`
}

// Load builds a Config from an optional .env file, an optional YAML file
// and CARHARVEST_* environment variables, in increasing precedence.
func Load(path, envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CARHARVEST")
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

// loadEnvFile exports the variables in envFile without overriding ones
// already set. A missing default .env is ignored; a missing explicit file
// is not.
func loadEnvFile(envFile string) error {
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	err := godotenv.Load(envFile)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", envFile, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("state.dir", "state")
	v.SetDefault("http.user_agent", "carharvest/0.1")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.requests", 1)
	v.SetDefault("http.per", time.Second)
	v.SetDefault("http.queue_depth", 4)
	v.SetDefault("retry.initial", 5*time.Second)
	v.SetDefault("retry.rate", 2.0)
	v.SetDefault("retry.max", 30*time.Minute)
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("geocode.census_url", "https://geocoding.geo.census.gov/geocoder/locations/address")
	v.SetDefault("geocode.nominatim_url", "http://127.0.0.1:8080/search")
	v.SetDefault("geocode.cache_size", 4096)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.local.base_dir", "archive")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.cache_size", 256)
	for _, src := range []string{"truecar", "autotrader"} {
		v.SetDefault(src+".base_url", "")
		v.SetDefault(src+".lower", 0)
		v.SetDefault(src+".upper", 0)
	}
	v.SetDefault("edmunds.search_url", "")
	v.SetDefault("edmunds.first_page", 1)
	v.SetDefault("edmunds.last_page", 10000)
	v.SetDefault("edmunds.radius", 500)
	v.SetDefault("edmunds.user_agent", "")
	v.SetDefault("edmunds.exec_path", "")
	v.SetDefault("edmunds.nav_timeout", 45*time.Second)
	v.SetDefault("edmunds.settle", 3*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.Requests < 0 || c.HTTP.Per < 0 {
		return fmt.Errorf("http.requests and http.per must be >= 0")
	}
	if c.HTTP.QueueDepth < 0 {
		return fmt.Errorf("http.queue_depth must be >= 0")
	}
	if c.Retry.Initial <= 0 {
		return fmt.Errorf("retry.initial must be > 0")
	}
	if c.Retry.Rate < 1 {
		return fmt.Errorf("retry.rate must be >= 1")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	switch c.Archive.Backend {
	case "", ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, local, gcs, memory", c.Archive.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	for name, s := range map[string]SourceConfig{"truecar": c.TrueCar, "autotrader": c.Autotrader} {
		if s.Lower < 0 || s.Upper < 0 {
			return fmt.Errorf("%s bounds must be >= 0", name)
		}
		if s.Upper != 0 && s.Upper < s.Lower {
			return fmt.Errorf("%s.upper must be >= %s.lower", name, name)
		}
	}
	if c.Edmunds.FirstPage < 1 || c.Edmunds.LastPage < c.Edmunds.FirstPage {
		return fmt.Errorf("edmunds pages must satisfy 1 <= first_page <= last_page")
	}
	return nil
}
