package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it, and applies
// defaults. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherent values and fills in defaults. It returns
// a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Servers.File == "" {
		cfg.Servers.File = "mcp_servers.json"
	}

	if cfg.Catalogue.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("catalogue.cache_ttl must not be negative"))
	} else if cfg.Catalogue.CacheTTL == 0 {
		cfg.Catalogue.CacheTTL = DefaultCacheTTL
	}

	if cfg.Index.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("index.refresh_interval must not be negative"))
	} else if cfg.Index.RefreshInterval == 0 {
		cfg.Index.RefreshInterval = DefaultRefreshInterval
	}

	if cfg.Index.SearchTopK < 0 {
		errs = append(errs, fmt.Errorf("index.search_top_k must not be negative"))
	} else if cfg.Index.SearchTopK == 0 {
		cfg.Index.SearchTopK = DefaultSearchTopK
	}

	return errors.Join(errs...)
}
