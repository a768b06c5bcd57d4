// Package config implements RetroLinker's ambient configuration layer:
// an optional project file merged with command-line overrides (spec.md
// §6's CLI surface), plus a generic decoder for the per-format option
// bags every OutputFormat consumes via format.FetchOption.
package config

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// LinkConfig mirrors the flags of spec.md §6's CLI surface, so an
// optional project file (retrolink.yaml) can supply defaults that
// command-line flags then override.
type LinkConfig struct {
	OutputFormat string `mapstructure:"output_format"`
	OutputPath   string `mapstructure:"output_path"`

	Model      string `mapstructure:"model" default:"small"`
	ScriptPath string `mapstructure:"script_path"`

	ScriptParams    map[string]uint64 `mapstructure:"script_params"`
	FormatOptions   map[string]string `mapstructure:"format_options"`
	SymbolOverrides map[string]string `mapstructure:"symbol_overrides"`

	PrefixChar string `mapstructure:"prefix_char" default:"$"`
	LogFile    string `mapstructure:"log_file"`

	Inputs []string `mapstructure:"inputs"`
}

// Load builds a LinkConfig from its struct-tag defaults, then overlays an
// optional project file at path (a no-op if path is empty). Command-line
// flags are applied by the caller on top of the result.
func Load(path string) (*LinkConfig, error) {
	cfg := &LinkConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config: setting defaults: %w", err)
	}

	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %q: %w", path, err)
	}

	return cfg, nil
}

// DecodeOptions applies out's struct-tag defaults, then decodes a format's
// `-S name=value` option bag into it via mapstructure's weakly-typed
// decoding (so "0x1000" decodes into a uint field, "true" into a bool
// field, and so on).
func DecodeOptions(opts map[string]string, out interface{}) error {
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("config: setting option defaults: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("config: building option decoder: %w", err)
	}
	if err := decoder.Decode(opts); err != nil {
		return fmt.Errorf("config: decoding options: %w", err)
	}

	return nil
}
