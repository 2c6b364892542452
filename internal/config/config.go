// Package config holds img2mind settings loaded from YAML and overridden by
// environment variables and flags.
package config

import (
	"bytes"
	"fmt"
	"image/color"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/img2mind/internal/feature"
	"github.com/ivlev/img2mind/internal/module"
	"github.com/ivlev/img2mind/internal/target"
)

// EnvPrefix prefixes environment overrides: compile.workers is read from
// IMG2MIND_COMPILE_WORKERS.
const EnvPrefix = "IMG2MIND"

type Config struct {
	Module  ModuleConfig  `yaml:"module" mapstructure:"module"`
	Compile CompileConfig `yaml:"compile" mapstructure:"compile"`
	Overlay OverlayConfig `yaml:"overlay" mapstructure:"overlay"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

type ModuleConfig struct {
	Location         string        `yaml:"location" mapstructure:"location"` // http(s) URL, s3://bucket/key or path
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" mapstructure:"memory_limit_pages"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
}

type CompileConfig struct {
	InputDir    string  `yaml:"input_dir" mapstructure:"input_dir"`   // scanned when no paths are given
	OutputDir   string  `yaml:"output_dir" mapstructure:"output_dir"` // artifacts and overlays land here
	Extractor   string  `yaml:"extractor" mapstructure:"extractor"`
	Codec       string  `yaml:"codec" mapstructure:"codec"`
	Workers     int     `yaml:"workers" mapstructure:"workers"` // 0 = physical CPUs
	Debug       bool    `yaml:"debug" mapstructure:"debug"`
	MaxPixels   int     `yaml:"max_pixels" mapstructure:"max_pixels"`
	MaxFeatures int     `yaml:"max_features" mapstructure:"max_features"`
	Threshold   float64 `yaml:"threshold" mapstructure:"threshold"`
	BlurRadius  float64 `yaml:"blur_radius" mapstructure:"blur_radius"` // negative disables the pre-blur
	HarrisK     float64 `yaml:"harris_k" mapstructure:"harris_k"`
	PDFDPI      int     `yaml:"pdf_dpi" mapstructure:"pdf_dpi"`
}

type OverlayConfig struct {
	Radius  float64 `yaml:"radius" mapstructure:"radius"`
	Color   string  `yaml:"color" mapstructure:"color"` // #rrggbb or #rrggbbaa
	QRStamp bool    `yaml:"qr_stamp" mapstructure:"qr_stamp"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Path    string        `yaml:"path" mapstructure:"path"`
	MaxAge  time.Duration `yaml:"max_age" mapstructure:"max_age"` // 0 keeps entries forever
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level" mapstructure:"level"` // debug, info, warn, error
	Development bool   `yaml:"development" mapstructure:"development"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Module: ModuleConfig{
			Location:     module.DefaultLocation,
			FetchTimeout: time.Minute,
		},
		Compile: CompileConfig{
			InputDir:    "input",
			OutputDir:   "output",
			Extractor:   "harris",
			Codec:       "binary",
			MaxPixels:   64 << 20,
			MaxFeatures: feature.DefaultOptions().MaxFeatures,
			Threshold:   feature.DefaultOptions().Threshold,
			BlurRadius:  feature.DefaultOptions().BlurRadius,
			HarrisK:     feature.DefaultOptions().K,
			PDFDPI:      150,
		},
		Overlay: OverlayConfig{
			Radius: 3,
			Color:  "#ff0000",
		},
		Cache: CacheConfig{
			Path: "img2mind-cache.db",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 64 << 20,
			RequestTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve layers v's environment and bound flags over base. Keys follow
// the YAML names, e.g. "compile.workers".
func Resolve(v *viper.Viper, base *Config) (*Config, error) {
	// Round-trip through YAML so viper learns every key and its default.
	data, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(tree); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a batch.
func (c *Config) Validate() error {
	if c.Module.Location == "" {
		return fmt.Errorf("module.location is empty")
	}
	if _, err := feature.NewExtractor(c.Compile.Extractor, feature.Options{}); err != nil {
		return fmt.Errorf("compile.extractor: %w", err)
	}
	if _, err := target.CodecByName(c.Compile.Codec); err != nil {
		return fmt.Errorf("compile.codec: %w", err)
	}
	if c.Compile.Workers < 0 {
		return fmt.Errorf("compile.workers must not be negative, got %d", c.Compile.Workers)
	}
	if c.Compile.MaxPixels < 0 {
		return fmt.Errorf("compile.max_pixels must not be negative, got %d", c.Compile.MaxPixels)
	}
	if c.Compile.Threshold < 0 || c.Compile.Threshold >= 1 {
		return fmt.Errorf("compile.threshold must be in [0,1), got %g", c.Compile.Threshold)
	}
	if c.Compile.HarrisK < 0 || c.Compile.HarrisK >= 0.25 {
		return fmt.Errorf("compile.harris_k must be in [0,0.25), got %g", c.Compile.HarrisK)
	}
	if c.Overlay.Radius < 0 {
		return fmt.Errorf("overlay.radius must not be negative, got %g", c.Overlay.Radius)
	}
	if _, err := ParseColor(c.Overlay.Color); err != nil {
		return fmt.Errorf("overlay.color: %w", err)
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required when the cache is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// ParseColor parses #rrggbb or #rrggbbaa.
func ParseColor(s string) (color.RGBA, error) {
	c := color.RGBA{A: 255}
	var err error
	switch len(s) {
	case 7:
		_, err = fmt.Sscanf(s, "#%2x%2x%2x", &c.R, &c.G, &c.B)
	case 9:
		_, err = fmt.Sscanf(s, "#%2x%2x%2x%2x", &c.R, &c.G, &c.B, &c.A)
	default:
		err = fmt.Errorf("want #rrggbb or #rrggbbaa")
	}
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad colour %q: %w", s, err)
	}
	return c, nil
}
