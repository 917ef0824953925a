// Package registry tracks the fleet of upstream MCP tool servers: loading
// declarations, bootstrapping sessions, probing health, and brokering
// JSON-RPC calls through the dialect transports.
//
// The registry is process-wide mutable state. It enforces a single-writer
// discipline per server: bootstrap and health probes for one server are
// serialised by a per-server mutex, and readers always receive value
// snapshots so no lock is ever held across network I/O by a caller.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toolfed/gateway/internal/config"
	"github.com/toolfed/gateway/internal/transport"
)

// Server is the snapshot of one upstream server's metadata and session
// state. Instances returned by the registry are copies; mutate nothing.
type Server struct {
	ID      string
	URL     string
	Dialect transport.Dialect
	Headers map[string]string

	// Derived at bootstrap from the upstream's initialize reply (or
	// synthesized defaults when the upstream does not implement it).
	Name            string
	Description     string
	ProtocolVersion string
	Capabilities    map[string]any

	// Inferred from the discovered tool set.
	Category string
	Tags     []string

	// Session state, present only for the streamable and sse dialects.
	SessionID       string
	MessageEndpoint string
}

// NeedsSession reports whether the server's dialect binds sessions.
func (s Server) NeedsSession() bool {
	return s.Dialect == transport.DialectStreamable || s.Dialect == transport.DialectSSE
}

// serverState is the registry's authoritative record for one server. The
// embedded mutex serialises every mutation (bootstrap, probe, inference).
type serverState struct {
	mu      sync.Mutex
	srv     Server
	auth    transport.AuthProvider
	healthy bool
	probed  bool
}

// Registry holds all declared upstream servers. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	servers    map[string]*serverState
	transports map[transport.Dialect]transport.Transport
}

// New creates an empty registry with transports for all three dialects.
func New() *Registry {
	transports := make(map[transport.Dialect]transport.Transport, 3)
	for _, d := range []transport.Dialect{transport.DialectPlain, transport.DialectStreamable, transport.DialectSSE} {
		tr, err := transport.New(d)
		if err != nil {
			panic("registry: " + err.Error())
		}
		transports[d] = tr
	}
	return &Registry{
		servers:    make(map[string]*serverState),
		transports: transports,
	}
}

// Load ingests the mcpServers declaration document. Entries with a missing
// URL or an unknown dialect are skipped with a warning, never fatally.
// Header values receive ${VAR} environment substitution here, once.
// Returns the number of servers registered.
func (r *Registry) Load(ctx context.Context, doc *config.ServersDocument) int {
	if doc == nil || len(doc.MCPServers) == 0 {
		slog.Warn("no upstream servers declared")
		return 0
	}

	ids := make([]string, 0, len(doc.MCPServers))
	for id := range doc.MCPServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loaded := 0
	for _, id := range ids {
		decl := doc.MCPServers[id]
		if decl.URL == "" {
			slog.Warn("skipping server declaration without url", "server", id)
			continue
		}
		dialect := decl.Type
		if dialect == "" {
			dialect = transport.DialectPlain
		}
		if !dialect.IsValid() {
			slog.Warn("skipping server declaration with unknown type", "server", id, "type", decl.Type)
			continue
		}

		state := &serverState{
			srv: Server{
				ID:          id,
				URL:         decl.URL,
				Dialect:     dialect,
				Headers:     config.ExpandHeaders(decl.Headers),
				Name:        id,
				Description: "MCP server: " + id,
			},
			auth: buildAuth(ctx, decl.Auth),
		}

		r.mu.Lock()
		r.servers[id] = state
		r.mu.Unlock()
		loaded++
	}

	slog.Info("upstream servers loaded", "count", loaded)
	return loaded
}

// buildAuth converts an auth declaration into a transport AuthProvider.
func buildAuth(ctx context.Context, decl *config.AuthDecl) transport.AuthProvider {
	if decl == nil {
		return nil
	}
	if decl.OAuth != nil {
		return transport.NewOAuthAuth(ctx, decl.OAuth.ClientID, decl.OAuth.ClientSecret, decl.OAuth.TokenURL, decl.OAuth.Scopes)
	}
	if decl.Token != "" {
		return &transport.BearerAuth{Token: config.ExpandEnv(decl.Token)}
	}
	return nil
}

// InitializeAll bootstraps every declared server in parallel. Bootstrap
// failures are logged and absorbed: a server that cannot be reached stays
// registered as a candidate for later recovery.
func (r *Registry) InitializeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.IDs() {
		g.Go(func() error {
			if err := r.Bootstrap(ctx, id); err != nil {
				slog.Warn("server bootstrap failed; will retry lazily", "server", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Bootstrap (re-)initializes one server: it runs the dialect handshake and,
// on success, records the derived name, description, capabilities, and
// session state. On failure the record keeps its defaults and the server is
// marked unhealthy.
func (r *Registry) Bootstrap(ctx context.Context, id string) error {
	state, ok := r.state(id)
	if !ok {
		return fmt.Errorf("registry: server %q not found", id)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return r.bootstrapLocked(ctx, state)
}

// bootstrapLocked performs the handshake with state.mu held.
func (r *Registry) bootstrapLocked(ctx context.Context, state *serverState) error {
	ep := r.endpointLocked(state)
	tr := r.transports[state.srv.Dialect]

	hello, err := tr.Initialize(ctx, ep)
	if err != nil {
		state.healthy = false
		state.probed = true
		return fmt.Errorf("registry: bootstrap %q: %w", state.srv.ID, err)
	}

	if hello.Name != "" {
		state.srv.Name = hello.Name
	}
	if hello.Description != "" {
		state.srv.Description = hello.Description
	}
	state.srv.ProtocolVersion = hello.ProtocolVersion
	state.srv.Capabilities = hello.Capabilities
	state.srv.SessionID = ep.SessionID
	state.srv.MessageEndpoint = ep.MessageEndpoint
	state.healthy = true
	state.probed = true

	slog.Info("server bootstrapped",
		"server", state.srv.ID,
		"dialect", state.srv.Dialect,
		"name", state.srv.Name,
		"session", state.srv.SessionID != "",
	)
	return nil
}

// Probe runs the dialect's health check and records the outcome.
//
// Plain servers answer GET <url>/health. Session dialects answer a
// lightweight tools/list; when that fails the registry attempts one
// re-bootstrap and retries, since a dead session is the most common cause.
// A failing server is not removed, merely ineligible until it recovers.
func (r *Registry) Probe(ctx context.Context, id string) bool {
	state, ok := r.state(id)
	if !ok {
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	tr := r.transports[state.srv.Dialect]

	if state.srv.Dialect == transport.DialectPlain {
		err := tr.Probe(ctx, r.endpointLocked(state))
		state.healthy = err == nil
		state.probed = true
		if err != nil {
			slog.Warn("health probe failed", "server", id, "err", err)
		}
		return state.healthy
	}

	// Session dialects: make sure a session exists, then probe; on failure
	// re-bootstrap once and retry.
	if state.srv.SessionID == "" {
		if err := r.bootstrapLocked(ctx, state); err != nil {
			slog.Warn("health probe failed: no session and bootstrap failed", "server", id, "err", err)
			return false
		}
	}
	if err := tr.Probe(ctx, r.endpointLocked(state)); err == nil {
		state.healthy = true
		state.probed = true
		return true
	}
	if err := r.bootstrapLocked(ctx, state); err != nil {
		return false
	}
	err := tr.Probe(ctx, r.endpointLocked(state))
	state.healthy = err == nil
	state.probed = true
	if err != nil {
		slog.Warn("health probe failed after re-bootstrap", "server", id, "err", err)
	}
	return state.healthy
}

// Call brokers a JSON-RPC request to the named server, bootstrapping a
// session first when the dialect requires one and none is bound.
func (r *Registry) Call(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	state, ok := r.state(id)
	if !ok {
		return nil, fmt.Errorf("registry: server %q not found", id)
	}

	state.mu.Lock()
	if state.srv.NeedsSession() && state.srv.SessionID == "" {
		if err := r.bootstrapLocked(ctx, state); err != nil {
			state.mu.Unlock()
			return nil, err
		}
	}
	ep := r.endpointLocked(state)
	tr := r.transports[state.srv.Dialect]
	state.mu.Unlock()

	// The network round trip runs outside the per-server lock.
	return tr.Call(ctx, ep, method, params)
}

// EnsureSession bootstraps the named server if its dialect requires a
// session and none is currently bound.
func (r *Registry) EnsureSession(ctx context.Context, id string) error {
	state, ok := r.state(id)
	if !ok {
		return fmt.Errorf("registry: server %q not found", id)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.srv.NeedsSession() || state.srv.SessionID != "" {
		return nil
	}
	return r.bootstrapLocked(ctx, state)
}

// InvalidateSession drops the server's session state so that the next call
// triggers a fresh bootstrap. Used after an upstream rejects a session.
func (r *Registry) InvalidateSession(id string) {
	if state, ok := r.state(id); ok {
		state.mu.Lock()
		state.srv.SessionID = ""
		state.srv.MessageEndpoint = ""
		state.mu.Unlock()
	}
}

// SetInferred records the category and tags inferred from the server's
// discovered tool set.
func (r *Registry) SetInferred(id, category string, tags []string) {
	state, ok := r.state(id)
	if !ok {
		return
	}
	state.mu.Lock()
	state.srv.Category = category
	state.srv.Tags = append([]string(nil), tags...)
	state.mu.Unlock()
}

// Server returns a snapshot of the named server.
func (r *Registry) Server(id string) (Server, bool) {
	state, ok := r.state(id)
	if !ok {
		return Server{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshotLocked(state), true
}

// Servers returns snapshots of all registered servers, sorted by id.
func (r *Registry) Servers() []Server {
	ids := r.IDs()
	out := make([]Server, 0, len(ids))
	for _, id := range ids {
		if srv, ok := r.Server(id); ok {
			out = append(out, srv)
		}
	}
	return out
}

// IDs returns all registered server ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Healthy reports the outcome of the server's most recent probe. A server
// that has never been probed is not considered healthy.
func (r *Registry) Healthy(id string) bool {
	state, ok := r.state(id)
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.probed && state.healthy
}

// Unhealthy reports whether the server failed its most recent probe. A
// never-probed server is neither healthy nor unhealthy.
func (r *Registry) Unhealthy(id string) bool {
	state, ok := r.state(id)
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.probed && !state.healthy
}

func (r *Registry) state(id string) (*serverState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.servers[id]
	return state, ok
}

// endpointLocked builds a transport endpoint from the current server state.
// Callers must hold state.mu. The returned endpoint is handed to exactly one
// transport operation, which may mutate its session fields; bootstrap copies
// them back, calls discard them.
func (r *Registry) endpointLocked(state *serverState) *transport.Endpoint {
	return &transport.Endpoint{
		ServerID:        state.srv.ID,
		URL:             state.srv.URL,
		Headers:         state.srv.Headers,
		Auth:            state.auth,
		SessionID:       state.srv.SessionID,
		MessageEndpoint: state.srv.MessageEndpoint,
	}
}

// snapshotLocked copies the server record. Callers must hold state.mu.
func snapshotLocked(state *serverState) Server {
	srv := state.srv
	srv.Tags = append([]string(nil), state.srv.Tags...)
	if state.srv.Capabilities != nil {
		caps := make(map[string]any, len(state.srv.Capabilities))
		for k, v := range state.srv.Capabilities {
			caps[k] = v
		}
		srv.Capabilities = caps
	}
	return srv
}
