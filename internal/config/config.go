// File: internal/config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loads server.Config from an optional file (YAML, TOML or JSON, chosen by
// extension) and HIOLOAD_* environment variables on top of DefaultConfig.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/momentics/hioload-bridge/server"
)

// EnvPrefix prefixes every environment override, e.g. HIOLOAD_MAX_PAYLOAD.
const EnvPrefix = "HIOLOAD"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

func newViper(path string) *viper.Viper {
	v := viper.New()
	d := server.DefaultConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("path", d.Path)
	v.SetDefault("compression", d.Compression)
	v.SetDefault("server_no_context_takeover", d.ServerNoContextTakeover)
	v.SetDefault("client_no_context_takeover", d.ClientNoContextTakeover)
	v.SetDefault("max_payload", d.MaxPayload)
	v.SetDefault("no_delay", d.NoDelay)
	v.SetDefault("engine", d.Engine)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("close_timeout", d.CloseTimeout)
	v.SetDefault("reject_response", d.RejectResponse)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads path (may be empty) and the environment into a Config.
func Load(path string) (*server.Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*server.Config, error) {
	var cfg server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func Validate(cfg *server.Config) error {
	switch {
	case cfg.MaxPayload <= 0:
		return fmt.Errorf("%w: max_payload must be positive, got %d", ErrInvalidConfig, cfg.MaxPayload)
	case cfg.CloseTimeout <= 0:
		return fmt.Errorf("%w: close_timeout must be positive, got %s", ErrInvalidConfig, cfg.CloseTimeout)
	case cfg.Threads < 0:
		return fmt.Errorf("%w: threads must not be negative", ErrInvalidConfig)
	case cfg.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalidConfig)
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	return nil
}

// Watch loads path like Load and then calls fn with every later revision of
// the file. Revisions that fail to decode are passed with a nil Config.
func Watch(path string, fn func(*server.Config, error)) (*server.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: watch needs a config file", ErrInvalidConfig)
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}
