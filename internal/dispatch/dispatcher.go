// Package dispatch validates and brokers tool invocations: it resolves the
// (server, tool) target, ensures an upstream session exists, performs the
// tools/call exchange and normalizes the reply into a single string the
// calling agent can consume directly.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/toolfed/gateway/internal/catalogue"
	"github.com/toolfed/gateway/internal/index"
	"github.com/toolfed/gateway/internal/registry"
	"github.com/toolfed/gateway/internal/transport"
)

// maxSuggestions caps the "did you mean" list on a failed tool lookup.
const maxSuggestions = 3

// suggestionDistance is the largest Levenshtein distance still considered
// a plausible typo.
const suggestionDistance = 3

// CallRecorder receives per-call telemetry. Implemented by observe.Metrics;
// a nil recorder disables recording.
type CallRecorder interface {
	RecordToolCall(ctx context.Context, serverID, tool string, elapsed time.Duration, failed bool)
}

// Dispatcher is the invocation front door. All replies are strings aimed
// at an LLM agent: validation failures and upstream errors come back as
// readable messages rather than Go errors, so the agent can recover by
// rephrasing or picking another tool. The error return is reserved for
// gateway-internal faults.
type Dispatcher struct {
	reg     *registry.Registry
	cat     *catalogue.Manager
	eng     *index.Engine
	metrics CallRecorder
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(reg *registry.Registry, cat *catalogue.Manager, eng *index.Engine, metrics CallRecorder) *Dispatcher {
	return &Dispatcher{reg: reg, cat: cat, eng: eng, metrics: metrics}
}

// CallTool invokes toolName on serverID with the given arguments and
// returns the normalized textual reply. A nil arguments map is sent as an
// empty object, so tools without parameters remain callable.
func (d *Dispatcher) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) string {
	start := time.Now()
	reply, failed := d.callTool(ctx, serverID, toolName, arguments)
	if d.metrics != nil {
		d.metrics.RecordToolCall(ctx, serverID, toolName, time.Since(start), failed)
	}
	return reply
}

func (d *Dispatcher) callTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (reply string, failed bool) {
	if _, ok := d.cat.Tool(serverID, toolName); !ok {
		return d.unknownToolReply(serverID, toolName), true
	}
	srv, ok := d.reg.Server(serverID)
	if !ok {
		return d.unknownServerReply(serverID), true
	}

	if srv.NeedsSession() {
		if err := d.reg.EnsureSession(ctx, serverID); err != nil {
			slog.Warn("session bootstrap failed", "server", serverID, "err", err)
			return fmt.Sprintf("error: cannot connect to server '%s': %v", serverID, err), true
		}
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	params := map[string]any{
		"name":      toolName,
		"arguments": arguments,
	}
	result, err := d.reg.Call(ctx, serverID, "tools/call", params)
	if err != nil && srv.NeedsSession() && isSessionRejected(err) {
		// The upstream no longer recognizes our session id. Drop it and
		// retry once; Call bootstraps a fresh session on demand.
		slog.Info("session rejected, re-bootstrapping", "server", serverID)
		d.reg.InvalidateSession(serverID)
		result, err = d.reg.Call(ctx, serverID, "tools/call", params)
	}
	if err != nil {
		return d.callErrorReply(serverID, toolName, err), true
	}

	slog.Debug("tool call completed", "server", serverID, "tool", toolName)
	return normalizeResult(result), false
}

// isSessionRejected reports whether the upstream refused the request
// because it no longer knows our session.
func isSessionRejected(err error) bool {
	var rpcErr *transport.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == transport.CodeInvalidRequest
}

// callErrorReply turns a failed tools/call into an agent-readable message.
// Method-not-found gets a hint that the cached tool listing may be stale.
func (d *Dispatcher) callErrorReply(serverID, toolName string, err error) string {
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == transport.CodeMethodNotFound {
			return fmt.Sprintf("error: server '%s' rejected '%s' as unknown; the tool listing may be stale, list the server's tools and retry", serverID, toolName)
		}
		return "error: " + rpcErr.Message
	}
	slog.Warn("tool call failed", "server", serverID, "tool", toolName, "err", err)
	return fmt.Sprintf("error: cannot reach server '%s': %v", serverID, err)
}

// unknownToolReply builds the rejection for a tool that is not in the
// catalogue, suggesting close names when the miss looks like a typo.
func (d *Dispatcher) unknownToolReply(serverID, toolName string) string {
	names := d.cat.ToolNames(serverID)
	if suggestions := closestNames(toolName, names); len(suggestions) > 0 {
		return fmt.Sprintf("tool '%s' does not exist on server '%s'; did you mean: %s?",
			toolName, serverID, strings.Join(suggestions, ", "))
	}
	if len(names) > 0 {
		return fmt.Sprintf("tool '%s' does not exist on server '%s'; available tools: %s",
			toolName, serverID, strings.Join(names, ", "))
	}
	return fmt.Sprintf("tool '%s' does not exist on server '%s'", toolName, serverID)
}

// unknownServerReply builds the rejection for an unregistered server id.
func (d *Dispatcher) unknownServerReply(serverID string) string {
	ids := d.reg.IDs()
	if len(ids) == 0 {
		return fmt.Sprintf("server '%s' is not registered", serverID)
	}
	return fmt.Sprintf("server '%s' is not registered; registered servers: %s",
		serverID, strings.Join(ids, ", "))
}

// closestNames ranks candidates by Levenshtein distance to input and
// returns the nearest plausible typo corrections.
func closestNames(input string, candidates []string) []string {
	type ranked struct {
		name     string
		distance int
	}
	var close []ranked
	for _, name := range candidates {
		if d := matchr.Levenshtein(input, name); d <= suggestionDistance {
			close = append(close, ranked{name, d})
		}
	}
	slices.SortFunc(close, func(a, b ranked) int {
		if a.distance != b.distance {
			return a.distance - b.distance
		}
		return strings.Compare(a.name, b.name)
	})
	if len(close) > maxSuggestions {
		close = close[:maxSuggestions]
	}
	names := make([]string, len(close))
	for i, r := range close {
		names[i] = r.name
	}
	return names
}

// toolListing is the reflective per-server listing returned by
// ServerTools, serialised for an agent that asks for details on demand.
type toolListing struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ServerTools returns the full tool listing of one server as a JSON
// string. The indexed documents are preferred; when the server has no
// documents yet, discovery is consulted directly.
func (d *Dispatcher) ServerTools(ctx context.Context, serverID string) (string, error) {
	var listings []toolListing

	docs, err := d.eng.ServerDocuments(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load documents of %q: %w", serverID, err)
	}
	if len(docs) > 0 {
		for _, doc := range docs {
			listings = append(listings, toolListing{
				Name:        doc.ToolName,
				Description: doc.ToolDescription,
				Parameters:  doc.Parameters,
			})
		}
	} else {
		tools, err := d.cat.DiscoverServer(ctx, serverID, false)
		if err != nil {
			return "", fmt.Errorf("dispatch: discover %q: %w", serverID, err)
		}
		for _, tool := range tools {
			listings = append(listings, toolListing{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
	}

	out, err := json.MarshalIndent(listings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("dispatch: encode tool listing: %w", err)
	}
	return string(out), nil
}
