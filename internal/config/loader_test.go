package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Servers.File != "mcp_servers.json" {
		t.Errorf("servers.file = %q", cfg.Servers.File)
	}
	if cfg.Catalogue.CacheTTL != DefaultCacheTTL {
		t.Errorf("cache_ttl = %v, want %v", cfg.Catalogue.CacheTTL, DefaultCacheTTL)
	}
	if cfg.Index.RefreshInterval != DefaultRefreshInterval {
		t.Errorf("refresh_interval = %v, want %v", cfg.Index.RefreshInterval, DefaultRefreshInterval)
	}
	if cfg.Index.SearchTopK != DefaultSearchTopK {
		t.Errorf("search_top_k = %d, want %d", cfg.Index.SearchTopK, DefaultSearchTopK)
	}
}

func TestLoadFromReaderFull(t *testing.T) {
	t.Parallel()
	const yaml = `
server:
  listen_addr: ":9090"
  log_level: debug
servers:
  file: upstream.json
catalogue:
  cache_ttl: 30m
index:
  postgres_dsn: "postgres://localhost/toolfed"
  refresh_interval: 2m
  search_top_k: 10
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Servers.File != "upstream.json" {
		t.Errorf("servers.file = %q", cfg.Servers.File)
	}
	if cfg.Catalogue.CacheTTL != 30*time.Minute {
		t.Errorf("cache_ttl = %v", cfg.Catalogue.CacheTTL)
	}
	if cfg.Index.RefreshInterval != 2*time.Minute {
		t.Errorf("refresh_interval = %v", cfg.Index.RefreshInterval)
	}
	if cfg.Index.SearchTopK != 10 {
		t.Errorf("search_top_k = %d", cfg.Index.SearchTopK)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := LoadFromReader(strings.NewReader("bogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("unknown top-level field should be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Server.LogLevel = "verbose"
	cfg.Catalogue.CacheTTL = -time.Second
	cfg.Index.RefreshInterval = -time.Second
	cfg.Index.SearchTopK = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should fail")
	}
	for _, want := range []string{"log_level", "cache_ttl", "refresh_interval", "search_top_k"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
