// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration.
//
// Configuration comes from a single optional file named by the --config
// flag or the OPSESSIOND_CONFIG environment variable. Without a file the
// built-in defaults apply. The file format follows its extension: .yaml or
// .yml, .toml, and .json or .jsonc (comments and trailing commas allowed).
// Unknown keys are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "OPSESSIOND_CONFIG"

// Mode selects the authentication policy.
type Mode string

const (
	ModeServiceAccount Mode = "service_account"
	ModeInteractive    Mode = "interactive"
)

// Token sources for service-account mode.
const (
	TokenSourceFile    = "file"
	TokenSourceWincred = "wincred"
)

// Config is the complete daemon configuration.
type Config struct {
	Mode Mode `yaml:"mode" toml:"mode" json:"mode"`

	// SocketPath is where clients connect. SocketMode is applied to it.
	SocketPath string   `yaml:"socket_path" toml:"socket_path" json:"socket_path"`
	SocketMode FileMode `yaml:"socket_mode" toml:"socket_mode" json:"socket_mode"`

	// PIDFile is written at startup and removed at shutdown.
	PIDFile string `yaml:"pid_file" toml:"pid_file" json:"pid_file"`

	// OpPath is the vault tool executable, a bare name or a path.
	OpPath string `yaml:"op_path" toml:"op_path" json:"op_path"`

	// TokenSource is where the service-account token comes from.
	TokenSource    string `yaml:"token_source" toml:"token_source" json:"token_source"`
	TokenFile      string `yaml:"token_file" toml:"token_file" json:"token_file"`
	WincredTarget  string `yaml:"wincred_target" toml:"wincred_target" json:"wincred_target"`
	WatchTokenFile bool   `yaml:"watch_token_file" toml:"watch_token_file" json:"watch_token_file"`

	// MaxRequestBytes bounds a single client request.
	MaxRequestBytes int64 `yaml:"max_request_bytes" toml:"max_request_bytes" json:"max_request_bytes"`

	Log        LogConfig      `yaml:"log" toml:"log" json:"log"`
	Timeouts   TimeoutsConfig `yaml:"timeouts" toml:"timeouts" json:"timeouts"`
	Expiry     ExpiryConfig   `yaml:"expiry" toml:"expiry" json:"expiry"`
	SignInRate RateConfig     `yaml:"signin_rate" toml:"signin_rate" json:"signin_rate"`

	// HardenMemory makes the process non-dumpable and locks its pages.
	HardenMemory bool `yaml:"harden_memory" toml:"harden_memory" json:"harden_memory"`

	// SignOutOnSleep signs out when logind announces system sleep.
	SignOutOnSleep bool `yaml:"sign_out_on_sleep" toml:"sign_out_on_sleep" json:"sign_out_on_sleep"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" toml:"level" json:"level"`
	// Format is text or json.
	Format string `yaml:"format" toml:"format" json:"format"`
	// File, when set, receives a copy of every record.
	File string `yaml:"file" toml:"file" json:"file"`
}

// TimeoutsConfig bounds each vault tool operation.
type TimeoutsConfig struct {
	Version    Duration `yaml:"version" toml:"version" json:"version"`
	SignIn     Duration `yaml:"signin" toml:"signin" json:"signin"`
	Validate   Duration `yaml:"validate" toml:"validate" json:"validate"`
	SignOut    Duration `yaml:"signout" toml:"signout" json:"signout"`
	GetItem    Duration `yaml:"get_item" toml:"get_item" json:"get_item"`
	ListItems  Duration `yaml:"list_items" toml:"list_items" json:"list_items"`
	ListVaults Duration `yaml:"list_vaults" toml:"list_vaults" json:"list_vaults"`
}

// ExpiryConfig overrides the monitor schedule. Zero fields keep the
// defaults of the selected mode.
type ExpiryConfig struct {
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`
	Idle     Duration `yaml:"idle" toml:"idle" json:"idle"`
}

// RateConfig limits sign-in attempts that reach the vault tool.
type RateConfig struct {
	PerMinute float64 `yaml:"per_minute" toml:"per_minute" json:"per_minute"`
	Burst     int     `yaml:"burst" toml:"burst" json:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:            ModeServiceAccount,
		SocketPath:      "/var/run/onepass/daemon.sock",
		SocketMode:      0o660,
		PIDFile:         "/var/run/onepass/daemon.pid",
		OpPath:          "op",
		TokenSource:     TokenSourceFile,
		TokenFile:       "/opt/onepass/service-account-token",
		WincredTarget:   "opsessiond/service-account-token",
		MaxRequestBytes: 4096,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Timeouts: TimeoutsConfig{
			Version:    Seconds(5),
			SignIn:     Seconds(30),
			Validate:   Seconds(10),
			SignOut:    Seconds(10),
			GetItem:    Seconds(10),
			ListItems:  Seconds(15),
			ListVaults: Seconds(10),
		},
		SignInRate: RateConfig{
			PerMinute: 6,
			Burst:     3,
		},
		HardenMemory: true,
	}
}

// Path resolves the config file path: the flag value when set, else the
// environment variable. An empty result means defaults only.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvVar)
}

// Load reads the file at path over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(cfg, path, data); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode unmarshals data over cfg using the format implied by path.
func decode(cfg *Config, path string, data []byte) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml, .toml, .json or .jsonc)", ext)
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeServiceAccount:
		switch c.TokenSource {
		case TokenSourceFile:
			if c.TokenFile == "" {
				errs = append(errs, errors.New("token_file is required for the file token source"))
			}
		case TokenSourceWincred:
			if c.WincredTarget == "" {
				errs = append(errs, errors.New("wincred_target is required for the wincred token source"))
			}
			if c.WatchTokenFile {
				errs = append(errs, errors.New("watch_token_file requires the file token source"))
			}
		default:
			errs = append(errs, fmt.Errorf("token_source %q: want %q or %q", c.TokenSource, TokenSourceFile, TokenSourceWincred))
		}
	case ModeInteractive:
	default:
		errs = append(errs, fmt.Errorf("mode %q: want %q or %q", c.Mode, ModeServiceAccount, ModeInteractive))
	}

	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.SocketMode == 0 || c.SocketMode&^0o777 != 0 {
		errs = append(errs, fmt.Errorf("socket_mode %s: want permission bits only", c.SocketMode))
	}
	if c.PIDFile == "" {
		errs = append(errs, errors.New("pid_file is required"))
	}
	if c.OpPath == "" {
		errs = append(errs, errors.New("op_path is required"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("max_request_bytes must be positive"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	for _, timeout := range []struct {
		name  string
		value Duration
	}{
		{"version", c.Timeouts.Version},
		{"signin", c.Timeouts.SignIn},
		{"validate", c.Timeouts.Validate},
		{"signout", c.Timeouts.SignOut},
		{"get_item", c.Timeouts.GetItem},
		{"list_items", c.Timeouts.ListItems},
		{"list_vaults", c.Timeouts.ListVaults},
	} {
		if timeout.value <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", timeout.name))
		}
	}
	if c.Expiry.Interval < 0 || c.Expiry.Idle < 0 {
		errs = append(errs, errors.New("expiry durations must not be negative"))
	}
	if c.SignInRate.PerMinute <= 0 {
		errs = append(errs, errors.New("signin_rate.per_minute must be positive"))
	}
	if c.SignInRate.Burst < 1 {
		errs = append(errs, errors.New("signin_rate.burst must be at least 1"))
	}
	return errors.Join(errs...)
}
