// Package config loads dirindex settings from defaults, an optional
// dirindex.yaml, DIRINDEX_* environment variables and bound command flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mordilloSan/dirindex/indexing"
	"github.com/mordilloSan/dirindex/indexing/iteminfo"
	"github.com/mordilloSan/dirindex/internal/format"
	"github.com/mordilloSan/dirindex/site"
)

const (
	EnvPrefix  = "DIRINDEX"
	configName = "dirindex"

	// DisabledDB turns the build store off when used as db_path.
	DisabledDB = "-"
)

type ScanConfig struct {
	IgnorePrefix  string   `mapstructure:"ignore_prefix"`
	HiddenPrefix  string   `mapstructure:"hidden_prefix"`
	IndexDocument string   `mapstructure:"index_document"`
	Exclude       []string `mapstructure:"exclude"`
}

type SitemapConfig struct {
	ExcludeSuffixes []string `mapstructure:"exclude_suffixes"`
	MaxEntries      int      `mapstructure:"max_entries"`
}

type ServeConfig struct {
	Listen     string        `mapstructure:"listen"`
	Socket     string        `mapstructure:"socket"`
	Schedule   string        `mapstructure:"schedule"`
	Interval   time.Duration `mapstructure:"interval"`
	Watch      bool          `mapstructure:"watch"`
	Debounce   time.Duration `mapstructure:"debounce"`
	KeepBuilds int           `mapstructure:"keep_builds"`
}

type PublishConfig struct {
	Bucket      string `mapstructure:"bucket"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	Prefix      string `mapstructure:"prefix"`
	Concurrency int    `mapstructure:"concurrency"`
	PathStyle   bool   `mapstructure:"path_style"`
}

type Config struct {
	SiteURL       string `mapstructure:"site"`
	Base          string `mapstructure:"base"`
	TrailingSlash string `mapstructure:"trailing_slash"`
	PublicDir     string `mapstructure:"public_dir"`
	OutDir        string `mapstructure:"out_dir"`
	CacheDir      string `mapstructure:"cache_dir"`
	DBPath        string `mapstructure:"db_path"`
	Locale        string `mapstructure:"locale"`
	Timezone      string `mapstructure:"timezone"`
	Verbose       bool   `mapstructure:"verbose"`

	Scan    ScanConfig    `mapstructure:"scan"`
	Sitemap SitemapConfig `mapstructure:"sitemap"`
	Serve   ServeConfig   `mapstructure:"serve"`
	Publish PublishConfig `mapstructure:"publish"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// SetDefaults registers every key so environment variables can override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("site", "https://static.lolifamily.js.org")
	v.SetDefault("base", "/")
	v.SetDefault("trailing_slash", string(site.TrailingAlways))
	v.SetDefault("public_dir", "public")
	v.SetDefault("out_dir", "dist")
	v.SetDefault("cache_dir", ".cache")
	v.SetDefault("db_path", "")
	v.SetDefault("locale", "zh-CN")
	v.SetDefault("timezone", format.DefaultTimezone)
	v.SetDefault("verbose", false)

	v.SetDefault("scan.ignore_prefix", "_")
	v.SetDefault("scan.hidden_prefix", ".")
	v.SetDefault("scan.index_document", "index.html")
	v.SetDefault("scan.exclude", []string{})

	v.SetDefault("sitemap.exclude_suffixes", site.DefaultExcludeSuffixes)
	v.SetDefault("sitemap.max_entries", site.DefaultSitemapEntries)

	v.SetDefault("serve.listen", ":3000")
	v.SetDefault("serve.socket", "")
	v.SetDefault("serve.schedule", "")
	v.SetDefault("serve.interval", time.Duration(0))
	v.SetDefault("serve.watch", true)
	v.SetDefault("serve.debounce", 500*time.Millisecond)
	v.SetDefault("serve.keep_builds", 5)

	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.concurrency", 8)
	v.SetDefault("publish.path_style", false)
}

// Load reads the configuration. An explicit file must exist; otherwise
// dirindex.yaml is looked up in the working directory and is optional.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.CacheDir, "dirindex.db")
	}
	if c.Serve.Schedule == "" && c.Serve.Interval > 0 {
		c.Serve.Schedule = "@every " + c.Serve.Interval.String()
	}
	if c.Publish.Concurrency <= 0 {
		c.Publish.Concurrency = 1
	}
}

// Validate checks the values that would otherwise fail deep inside a build.
func (c *Config) Validate() error {
	var errs []error
	if _, err := site.New(c.SiteURL, c.Base, site.TrailingAlways); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.Base, "/") || !strings.HasSuffix(c.Base, "/") {
		errs = append(errs, fmt.Errorf("base %q must start and end with /", c.Base))
	}
	if _, err := site.ParseTrailingSlash(c.TrailingSlash); err != nil {
		errs = append(errs, err)
	}
	if c.PublicDir == "" {
		errs = append(errs, errors.New("public_dir is required"))
	}
	if c.OutDir == "" {
		errs = append(errs, errors.New("out_dir is required"))
	}
	if _, err := iteminfo.ParseLocale(c.Locale); err != nil {
		errs = append(errs, err)
	}
	if _, err := format.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, err)
	}
	if c.Serve.KeepBuilds < 1 {
		errs = append(errs, fmt.Errorf("serve.keep_builds must be at least 1, got %d", c.Serve.KeepBuilds))
	}
	if c.Serve.Interval < 0 {
		errs = append(errs, fmt.Errorf("serve.interval must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StoreEnabled reports whether builds are recorded in sqlite.
func (c *Config) StoreEnabled() bool {
	return c.DBPath != DisabledDB
}

// ScanOptions translates the scan section into indexing options.
func (c *Config) ScanOptions() (indexing.Options, error) {
	tag, err := iteminfo.ParseLocale(c.Locale)
	if err != nil {
		return indexing.Options{}, err
	}
	return indexing.Options{
		IgnorePrefix:  c.Scan.IgnorePrefix,
		HiddenPrefix:  c.Scan.HiddenPrefix,
		IndexDocument: c.Scan.IndexDocument,
		Exclude:       c.Scan.Exclude,
		Locale:        tag,
	}, nil
}

// Site returns the public site description.
func (c *Config) Site() (*site.Site, error) {
	ts, err := site.ParseTrailingSlash(c.TrailingSlash)
	if err != nil {
		return nil, err
	}
	return site.New(c.SiteURL, c.Base, ts)
}

func (c *Config) Location() (*time.Location, error) {
	return format.LoadLocation(c.Timezone)
}
