// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Config is the top-level tamperd configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Require      RequireConfig      `mapstructure:"require"`
	Update       UpdateConfig       `mapstructure:"update"`
}

// ServerConfig controls how the control API listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig selects the script store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// RegistrationConfig controls the declarative registration backend.
type RegistrationConfig struct {
	// Enabled false forces every script onto the manual injection path.
	Enabled bool `mapstructure:"enabled"`
}

// RequireConfig controls dependency fetching.
type RequireConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// Strict fails a script on a dependency fetch failure instead of
	// degrading to stale-or-empty content.
	Strict bool `mapstructure:"strict"`
}

// UpdateConfig controls the auto-update sweep.
type UpdateConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Tick     time.Duration `mapstructure:"tick"`
}

// SetDefaults registers every configuration default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8517")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("registration.enabled", true)
	v.SetDefault("require.fetch_timeout", 30*time.Second)
	v.SetDefault("require.strict", false)
	v.SetDefault("update.interval", 5*time.Minute)
	v.SetDefault("update.tick", time.Minute)
}

// SetupEnv binds TAMPERD_-prefixed environment variables to config keys.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("TAMPERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix TAMPERD_).
func Load(path string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	SetupEnv(v)

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, tamperr.Wrapf(err, tamperr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration bound to v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, tamperr.Wrapf(err, tamperr.CodeConfigValidateInvalidValue, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, tamperr.Wrapf(errors.Join(errs...), tamperr.CodeConfigValidateInvalidValue, "validating config")
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns every
// validation error found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateDurations()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q",
			portStr,
		))
	} else if port < 1 || port > 65535 {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d",
			port,
		))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite, memory], got %q",
			c.Storage.Backend,
		))
	}

	return errs
}

func (c *Config) validateDurations() []error {
	var errs []error

	if c.Require.FetchTimeout <= 0 {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: require.fetch_timeout must be greater than 0, got %s",
			c.Require.FetchTimeout,
		))
	}
	if c.Update.Interval <= 0 {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: update.interval must be greater than 0, got %s",
			c.Update.Interval,
		))
	}
	if c.Update.Tick <= 0 {
		errs = append(errs, tamperr.Errorf(tamperr.CodeConfigValidateInvalidValue,
			"config: update.tick must be greater than 0, got %s",
			c.Update.Tick,
		))
	}

	return errs
}
