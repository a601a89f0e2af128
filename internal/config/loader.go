// Package config loads chatd settings from a file, the environment and
// built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"chatd/internal/common/fsutil"
)

// EnvPrefix prefixes every environment override, e.g. CHATD_ADDR.
const EnvPrefix = "CHATD_"

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr" mapstructure:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir" mapstructure:"models_dir"`

	// Catalog is an optional descriptor list merged over the built-in one.
	Catalog string `json:"catalog" yaml:"catalog" toml:"catalog" mapstructure:"catalog"`

	// llama-server: spawn LlamaBin, or attach to LlamaURL when set.
	LlamaBin              string `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin" mapstructure:"llama_bin"`
	LlamaURL              string `json:"llama_url" yaml:"llama_url" toml:"llama_url" mapstructure:"llama_url"`
	LlamaAPIKey           string `json:"llama_api_key" yaml:"llama_api_key" toml:"llama_api_key" mapstructure:"llama_api_key"`
	ContextSize           int    `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size" mapstructure:"ctx_size"`
	Threads               int    `json:"threads" yaml:"threads" toml:"threads" mapstructure:"threads"`
	NGL                   int    `json:"ngl" yaml:"ngl" toml:"ngl" mapstructure:"ngl"`
	Slots                 int    `json:"slots" yaml:"slots" toml:"slots" mapstructure:"slots"`
	StartupTimeoutSeconds int    `json:"startup_timeout_seconds" yaml:"startup_timeout_seconds" toml:"startup_timeout_seconds" mapstructure:"startup_timeout_seconds"`

	Workers        int `json:"workers" yaml:"workers" toml:"workers" mapstructure:"workers"`
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth" mapstructure:"max_queue_depth"`
	MaxWaitSeconds int `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds" mapstructure:"max_wait_seconds"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" mapstructure:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" mapstructure:"log_format"`

	// LogHTTP is the default per-request log level: off|error|info|debug.
	LogHTTP string `json:"log_http" yaml:"log_http" toml:"log_http" mapstructure:"log_http"`

	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ChatTimeoutSeconds int      `json:"chat_timeout_seconds" yaml:"chat_timeout_seconds" toml:"chat_timeout_seconds" mapstructure:"chat_timeout_seconds"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled" mapstructure:"cors_enabled"`
	CORSOrigins        []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" mapstructure:"cors_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:                  "127.0.0.1:8080",
		ModelsDir:             defaultModelsDir(),
		ContextSize:           2048,
		Slots:                 1,
		NGL:                   0,
		StartupTimeoutSeconds: 120,
		Workers:               2,
		MaxQueueDepth:         32,
		MaxWaitSeconds:        30,
		LogLevel:              "info",
		LogFormat:             "console",
		LogHTTP:               "off",
		MaxBodyBytes:          1 << 20,
	}
}

// ApplyDefaults fills every unspecified field of c from Defaults and expands
// a leading ~ in ModelsDir.
func ApplyDefaults(c *Config) {
	d := Defaults()
	dv := reflect.ValueOf(d)
	cv := reflect.ValueOf(c).Elem()
	for i := 0; i < cv.NumField(); i++ {
		f := cv.Field(i)
		if f.IsZero() {
			f.Set(dv.Field(i))
		}
	}
	if dir, err := fsutil.ExpandHome(c.ModelsDir); err == nil {
		c.ModelsDir = dir
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields of c from CHATD_<KEY> variables, where KEY is
// the upper-cased mapstructure tag. Lists are comma separated.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	t := reflect.TypeOf(*c)
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if v, ok := lookup(EnvPrefix + strings.ToUpper(key)); ok && v != "" {
			raw[key] = v
		}
	}
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	for i, s := range c.CORSOrigins {
		c.CORSOrigins[i] = strings.TrimSpace(s)
	}
	return nil
}

func defaultModelsDir() string {
	if x := os.Getenv("XDG_DATA_HOME"); x != "" {
		return filepath.Join(x, "chatd", "models")
	}
	return "~/.local/share/chatd/models"
}
