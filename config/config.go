// Package config loads the service configuration from a YAML or JSON file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/driveline/driveline/core/dispatch"
	"github.com/driveline/driveline/core/liquidity"
	"github.com/driveline/driveline/core/metrics"
	"github.com/driveline/driveline/core/registry"
)

// LedgerConfig selects the fact store backend.
type LedgerConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver"`
	// Path is the database file location for the sqlite driver.
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *LedgerConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "driveline.db"
	}
}

// Validate checks mandatory fields.
func (c LedgerConfig) Validate() error {
	if c.Driver != "memory" && c.Driver != "sqlite" {
		return fmt.Errorf("unknown ledger driver %s", c.Driver)
	}
	if c.Driver == "sqlite" && c.Path == "" {
		return fmt.Errorf("ledger path is required for the sqlite driver")
	}
	return nil
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

type Config struct {
	Server    ServerConfig     `json:"server"`
	Ledger    LedgerConfig     `json:"ledger"`
	Dispatch  dispatch.Config  `json:"dispatch"`
	Liquidity liquidity.Config `json:"liquidity"`
	Registry  registry.Config  `json:"registry"`
	Metrics   metrics.Config   `json:"metrics"`
}

// Load reads the file at path and applies DL_ environment overrides, with
// __ separating nesting levels (DL_LEDGER__DRIVER=sqlite).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("DL_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "dl_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.Ledger.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Liquidity.SetDefaults()
	cfg.Registry.SetDefaults()
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Liquidity.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
