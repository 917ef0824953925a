package catalogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolfed/gateway/internal/config"
	"github.com/toolfed/gateway/internal/registry"
	"github.com/toolfed/gateway/internal/transport"
)

// fakeUpstream is a plain-dialect server whose tool list can be swapped
// and which counts tools/list hits.
type fakeUpstream struct {
	srv       *httptest.Server
	listHits  atomic.Int32
	toolsJSON atomic.Value // string
}

func newFakeUpstream(t *testing.T, toolsJSON string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.toolsJSON.Store(toolsJSON)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{},
			})
		case "tools/list":
			f.listHits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": json.RawMessage(`{"tools":` + f.toolsJSON.Load().(string) + `}`),
			})
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestRegistry(t *testing.T, servers map[string]string) *registry.Registry {
	t.Helper()
	decls := make(map[string]config.ServerDecl, len(servers))
	for id, url := range servers {
		decls[id] = config.ServerDecl{URL: url, Type: transport.DialectPlain}
	}
	reg := registry.New()
	reg.Load(context.Background(), &config.ServersDocument{MCPServers: decls})
	return reg
}

func TestDiscoverServer(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[
		{"name": "read_file", "description": "read a file",
		 "inputSchema": {"type": "object", "properties": {"path": {"type": "string"}}}},
		{"name": "write_file", "description": "write a file",
		 "parameters": {"type": "object"}}
	]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	tools, err := m.DiscoverServer(context.Background(), "A", false)
	if err != nil {
		t.Fatalf("DiscoverServer: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools", len(tools))
	}

	read, ok := m.Tool("A", "read_file")
	if !ok {
		t.Fatal("read_file missing from lookup map")
	}
	if read.ID() != "A:read_file" {
		t.Errorf("tool id = %q", read.ID())
	}
	// inputSchema is accepted as the parameter schema.
	if _, ok := read.Parameters["properties"]; !ok {
		t.Errorf("parameters not taken from inputSchema: %v", read.Parameters)
	}

	write, _ := m.Tool("A", "write_file")
	if write.Parameters["type"] != "object" {
		t.Errorf("parameters not taken from parameters key: %v", write.Parameters)
	}
}

func TestDiscoverUsesCache(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[{"name": "t", "description": ""}]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	for range 3 {
		if _, err := m.DiscoverServer(context.Background(), "A", false); err != nil {
			t.Fatal(err)
		}
	}
	if hits := up.listHits.Load(); hits != 1 {
		t.Errorf("tools/list hit %d times, want 1 (cache)", hits)
	}

	if _, err := m.DiscoverServer(context.Background(), "A", true); err != nil {
		t.Fatal(err)
	}
	if hits := up.listHits.Load(); hits != 2 {
		t.Errorf("force refresh should bypass the cache, hits = %d", hits)
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[{"name": "t", "description": ""}]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	if _, err := m.DiscoverServer(context.Background(), "A", false); err != nil {
		t.Fatal(err)
	}
	// Jump past the TTL.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.DiscoverServer(context.Background(), "A", false); err != nil {
		t.Fatal(err)
	}
	if hits := up.listHits.Load(); hits != 2 {
		t.Errorf("expired cache should re-list, hits = %d", hits)
	}
}

func TestUnhealthyServerEvicted(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[{"name": "read_file", "description": ""}]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	if _, err := m.DiscoverServer(context.Background(), "A", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.cached("A"); !ok {
		t.Fatal("cache entry should exist")
	}

	up.srv.Close()
	if _, err := m.DiscoverServer(context.Background(), "A", false); err == nil {
		t.Fatal("discovery of an offline server should fail")
	}
	if _, ok := m.cached("A"); ok {
		t.Error("unhealthy server's cache must be evicted")
	}

	discovered, failed := m.DiscoverAll(context.Background(), false)
	if len(discovered) != 0 {
		t.Errorf("discovered = %v, want empty", discovered)
	}
	if _, ok := failed["A"]; !ok {
		t.Error("failed map should report A")
	}
}

func TestDuplicateAndNamelessToolsSkipped(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[
		{"name": "t", "description": "first"},
		{"name": "t", "description": "duplicate"},
		{"description": "nameless"}
	]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	tools, err := m.DiscoverServer(context.Background(), "A", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Description != "first" {
		t.Errorf("kept the wrong duplicate: %q", tools[0].Description)
	}
}

func TestZeroToolServerIsHealthy(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	tools, err := m.DiscoverServer(context.Background(), "A", false)
	if err != nil {
		t.Fatalf("a server with zero tools is still healthy: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("got %d tools", len(tools))
	}
	if !reg.Healthy("A") {
		t.Error("server should be healthy")
	}
}

func TestDiscoverUnknownServer(t *testing.T) {
	t.Parallel()
	m := NewManager(newTestRegistry(t, nil), time.Hour)
	if _, err := m.DiscoverServer(context.Background(), "ghost", false); err == nil {
		t.Fatal("unknown server should error")
	}
}

func TestToolReplacedOnRefresh(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream(t, `[{"name": "old_tool", "description": ""}]`)
	reg := newTestRegistry(t, map[string]string{"A": up.srv.URL})
	m := NewManager(reg, time.Hour)

	if _, err := m.DiscoverServer(context.Background(), "A", false); err != nil {
		t.Fatal(err)
	}
	up.toolsJSON.Store(`[{"name": "new_tool", "description": ""}]`)
	if _, err := m.DiscoverServer(context.Background(), "A", true); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Tool("A", "old_tool"); ok {
		t.Error("removed tool still resolvable")
	}
	if _, ok := m.Tool("A", "new_tool"); !ok {
		t.Error("new tool not resolvable")
	}
}
