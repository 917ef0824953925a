// Package catalogue maintains the discovered tool catalogue: a per-server
// TTL cache of tools/list results plus a flat tool_id lookup map.
//
// Discovery is health-gated. A server that fails its probe has its cache
// entry evicted and contributes no tools, so callers never act on stale
// tools from an upstream that is currently down.
package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/toolfed/gateway/internal/registry"
)

// ToolInfo describes one discovered tool. Instances are immutable once
// ingested: a refresh replaces them rather than mutating in place.
type ToolInfo struct {
	// Name is unique within the owning server.
	Name        string
	Description string

	// ServerID is the back-reference to the owning server.
	ServerID string

	// Parameters is the tool's JSON Schema subset: type/properties/required.
	Parameters map[string]any

	// Category and Tags are inherited from the owning server record.
	Category string
	Tags     []string
}

// ID returns the compound tool identity "<server_id>:<name>".
func (t ToolInfo) ID() string {
	return ToolID(t.ServerID, t.Name)
}

// ToolID builds the compound tool identity.
func ToolID(serverID, name string) string {
	return serverID + ":" + name
}

// cacheEntry is one server's cached tool list with its freshness deadline.
type cacheEntry struct {
	tools     []ToolInfo
	expiresAt time.Time
}

// Manager is the catalogue of discovered tools. Safe for concurrent use:
// the cache and the tool_id map are swapped atomically at the end of a
// successful discovery, so readers see either the old or the new snapshot,
// never a partial merge.
type Manager struct {
	reg *registry.Registry
	ttl time.Duration

	mu        sync.RWMutex
	toolsByID map[string]ToolInfo
	cache     map[string]cacheEntry

	// now is stubbed in tests.
	now func() time.Time
}

// NewManager creates a catalogue over reg with the given cache TTL.
// A zero ttl defaults to one hour.
func NewManager(reg *registry.Registry, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		reg:       reg,
		ttl:       ttl,
		toolsByID: make(map[string]ToolInfo),
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
}

// DiscoverAll discovers tools on every registered server. The first return
// value holds the tools of every server that answered (or had a fresh
// cache); the second maps each failing server to its error. Unhealthy
// servers appear in the error map and have their cache evicted.
func (m *Manager) DiscoverAll(ctx context.Context, forceRefresh bool) (map[string][]ToolInfo, map[string]error) {
	discovered := make(map[string][]ToolInfo)
	failed := make(map[string]error)

	for _, id := range m.reg.IDs() {
		tools, err := m.DiscoverServer(ctx, id, forceRefresh)
		if err != nil {
			slog.Warn("tool discovery failed", "server", id, "err", err)
			failed[id] = err
			continue
		}
		discovered[id] = tools
	}
	return discovered, failed
}

// DiscoverServer discovers the tools of one server, honouring the cache
// unless forceRefresh is set. An unhealthy server yields an error and has
// its cache entry evicted so later lookups cannot serve stale tools.
func (m *Manager) DiscoverServer(ctx context.Context, serverID string, forceRefresh bool) ([]ToolInfo, error) {
	srv, ok := m.reg.Server(serverID)
	if !ok {
		return nil, fmt.Errorf("catalogue: server %q not found", serverID)
	}

	if !m.reg.Probe(ctx, serverID) {
		m.evict(serverID)
		return nil, fmt.Errorf("catalogue: server %q failed its health probe", serverID)
	}

	if !forceRefresh {
		if tools, ok := m.cached(serverID); ok {
			return tools, nil
		}
	}

	tools, err := m.listTools(ctx, srv)
	if err != nil {
		// Leave no cache entry behind: the next request must retry.
		m.evict(serverID)
		return nil, err
	}

	m.ingest(serverID, tools)
	slog.Info("tools discovered", "server", serverID, "count", len(tools))
	return tools, nil
}

// listTools performs the tools/list exchange and converts the wire entries.
// The parameter schema is accepted under either "parameters" or
// "inputSchema"; duplicate tool names within one server are rejected.
func (m *Manager) listTools(ctx context.Context, srv registry.Server) ([]ToolInfo, error) {
	result, err := m.reg.Call(ctx, srv.ID, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("catalogue: tools/list on %q: %w", srv.ID, err)
	}

	var payload struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("catalogue: parse tools/list from %q: %w", srv.ID, err)
	}

	seen := make(map[string]bool, len(payload.Tools))
	tools := make([]ToolInfo, 0, len(payload.Tools))
	for _, wire := range payload.Tools {
		if wire.Name == "" {
			slog.Warn("skipping tool without a name", "server", srv.ID)
			continue
		}
		if seen[wire.Name] {
			slog.Warn("skipping duplicate tool", "server", srv.ID, "tool", wire.Name)
			continue
		}
		seen[wire.Name] = true

		params := wire.Parameters
		if params == nil {
			params = wire.InputSchema
		}
		if params == nil {
			params = map[string]any{}
		}
		tools = append(tools, ToolInfo{
			Name:        wire.Name,
			Description: wire.Description,
			ServerID:    srv.ID,
			Parameters:  params,
			Category:    srv.Category,
			Tags:        append([]string(nil), srv.Tags...),
		})
	}
	return tools, nil
}

// ingest atomically replaces the server's cache entry and its slice of the
// tool_id map. Tool ids of this server that no longer appear are dropped.
func (m *Manager) ingest(serverID string, tools []ToolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, tool := range m.toolsByID {
		if tool.ServerID == serverID {
			delete(m.toolsByID, id)
		}
	}
	for _, tool := range tools {
		m.toolsByID[tool.ID()] = tool
	}
	m.cache[serverID] = cacheEntry{
		tools:     tools,
		expiresAt: m.now().Add(m.ttl),
	}
}

// cached returns the server's tools when a fresh cache entry exists.
func (m *Manager) cached(serverID string) ([]ToolInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[serverID]
	if !ok || m.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.tools, true
}

// evict removes the server's cache entry.
func (m *Manager) evict(serverID string) {
	m.mu.Lock()
	if _, ok := m.cache[serverID]; ok {
		delete(m.cache, serverID)
		slog.Info("evicted tool cache", "server", serverID)
	}
	m.mu.Unlock()
}

// Tool looks up one tool by its (server, name) pair.
func (m *Manager) Tool(serverID, name string) (ToolInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.toolsByID[ToolID(serverID, name)]
	return tool, ok
}

// ToolByID looks up one tool by its compound id.
func (m *Manager) ToolByID(toolID string) (ToolInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.toolsByID[toolID]
	return tool, ok
}

// ToolNames returns the names of all known tools of one server, sorted
// lexically. Used for "did you mean" suggestions.
func (m *Manager) ToolNames(serverID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, tool := range m.toolsByID {
		if tool.ServerID == serverID {
			names = append(names, tool.Name)
		}
	}
	slices.Sort(names)
	return names
}

// AllTools flattens a DiscoverAll result into a single slice.
func (m *Manager) AllTools(ctx context.Context, forceRefresh bool) []ToolInfo {
	discovered, _ := m.DiscoverAll(ctx, forceRefresh)
	var all []ToolInfo
	for _, tools := range discovered {
		all = append(all, tools...)
	}
	return all
}
