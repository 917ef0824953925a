// Package transport speaks JSON-RPC 2.0 to a single upstream MCP tool server
// over one of three HTTP dialects:
//
//   - plain: one POST per request, JSON in, JSON out.
//   - streamable: POST with an Accept header allowing text/event-stream;
//     the server may bind a session via the mcp-session-id response header,
//     and answers may arrive framed as SSE data lines.
//   - sse: a two-step legacy dialect. A GET handshake yields a message
//     endpoint plus session id over an SSE stream; calls are POSTed to that
//     endpoint and answered on the POST response as SSE frames.
//
// The adapter owns session bootstrap and response framing only. Which
// session belongs to which server is the registry's business: transports
// read and write session state through the [Endpoint] they are handed.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Dialect selects the wire dialect used to reach an upstream server.
type Dialect string

const (
	// DialectPlain is single-request JSON over HTTP POST.
	DialectPlain Dialect = "plain"

	// DialectStreamable is the MCP streamable-HTTP dialect with
	// mcp-session-id session binding.
	DialectStreamable Dialect = "streamable"

	// DialectSSE is the legacy two-step SSE dialect.
	DialectSSE Dialect = "sse"
)

// IsValid reports whether d is a recognised dialect.
func (d Dialect) IsValid() bool {
	return d == DialectPlain || d == DialectStreamable || d == DialectSSE
}

// Operation timeouts. Timeouts surface as failures; the adapter never retries.
const (
	InitializeTimeout = 10 * time.Second
	ListTimeout       = 10 * time.Second
	CallTimeout       = 30 * time.Second
	ProbeTimeout      = 5 * time.Second
)

// ProtocolVersion is the MCP protocol revision sent in initialize requests.
const ProtocolVersion = "2024-11-05"

const (
	clientName    = "toolfed-gateway"
	clientVersion = "1.0.0"
)

// sessionHeader is the response/request header carrying the streamable
// session token. Matching on the inbound side is case-insensitive
// (net/http canonicalises header names, so Header.Get handles both
// "mcp-session-id" and "Mcp-Session-Id").
const sessionHeader = "Mcp-Session-Id"

// Endpoint is the mutable connection state for one upstream server. The
// registry owns the authoritative copy; transports update the session
// fields during Initialize and read them on every Call.
type Endpoint struct {
	// ServerID is the upstream's identity, used in errors and synthesized
	// hellos.
	ServerID string

	// URL is the absolute endpoint address from the server declaration.
	URL string

	// Headers are extra request headers, already env-substituted.
	Headers map[string]string

	// Auth optionally supplies an Authorization header per request.
	Auth AuthProvider

	// SessionID is the opaque session token. Present only for the
	// streamable and sse dialects once bootstrapped.
	SessionID string

	// MessageEndpoint is the absolute URL calls are POSTed to. Only the
	// sse dialect sets it; empty means "POST to URL".
	MessageEndpoint string
}

// ServerHello is the outcome of a successful initialize exchange.
type ServerHello struct {
	Name            string
	Version         string
	Description     string
	ProtocolVersion string
	Capabilities    map[string]any
	SessionID       string
}

// Transport performs JSON-RPC operations against one upstream over a fixed
// dialect. Implementations are stateless; all per-server state lives on the
// [Endpoint]. Implementations must be safe for concurrent use.
type Transport interface {
	// Initialize performs the dialect's session bootstrap and handshake,
	// mutating ep's session fields on success.
	Initialize(ctx context.Context, ep *Endpoint) (*ServerHello, error)

	// Call sends a JSON-RPC request and returns the raw result. The
	// timeout is derived from method (tools/list vs tools/call).
	Call(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error)

	// Probe performs the dialect's lightweight liveness check.
	Probe(ctx context.Context, ep *Endpoint) error
}

// New returns the transport implementation for the given dialect.
func New(d Dialect) (Transport, error) {
	switch d {
	case DialectPlain:
		return &plainTransport{client: defaultClient}, nil
	case DialectStreamable:
		return &streamableTransport{client: defaultClient}, nil
	case DialectSSE:
		return &sseTransport{client: defaultClient}, nil
	default:
		return nil, fmt.Errorf("transport: unknown dialect %q", d)
	}
}

// defaultClient is shared by all transports. Per-operation deadlines come
// from context timeouts, so the client itself carries none.
var defaultClient = &http.Client{}

// methodTimeout maps a JSON-RPC method to its operation timeout.
func methodTimeout(method string) time.Duration {
	switch method {
	case "initialize":
		return InitializeTimeout
	case "tools/list":
		return ListTimeout
	default:
		return CallTimeout
	}
}

// initializeParams is the params object of the initialize request.
func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// helloFromResult extracts a ServerHello from a successful initialize result.
func helloFromResult(serverID string, result json.RawMessage) *ServerHello {
	hello := &ServerHello{Name: serverID}
	var body struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		SessionID       string         `json:"sessionId"`
		ServerInfo      struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return hello
	}
	if body.ServerInfo.Name != "" {
		hello.Name = body.ServerInfo.Name
	}
	hello.Version = body.ServerInfo.Version
	hello.Description = body.ServerInfo.Description
	hello.ProtocolVersion = body.ProtocolVersion
	hello.Capabilities = body.Capabilities
	hello.SessionID = body.SessionID
	return hello
}

// synthesizedHello is the fallback hello for servers that do not implement
// initialize.
func synthesizedHello(serverID string) *ServerHello {
	return &ServerHello{
		Name:        serverID,
		Description: "MCP server: " + serverID,
	}
}

// applyHeaders sets the endpoint's static headers and Authorization on req.
func applyHeaders(req *http.Request, ep *Endpoint) error {
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.Auth != nil {
		value, err := ep.Auth.AuthorizationHeader()
		if err != nil {
			return fmt.Errorf("transport: auth for server %q: %w", ep.ServerID, err)
		}
		req.Header.Set("Authorization", value)
	}
	return nil
}

// postJSON marshals rpcReq and POSTs it to url with the endpoint's headers
// plus extra. The caller owns the returned response body.
func postJSON(ctx context.Context, client *http.Client, ep *Endpoint, url string, rpcReq *Request, extra map[string]string) (*http.Response, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request for %q: %w", ep.ServerID, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request for %q: %w", ep.ServerID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", clientName+"/"+clientVersion)
	if err := applyHeaders(httpReq, ep); err != nil {
		return nil, err
	}
	for k, v := range extra {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: server %q unreachable: %w", ep.ServerID, err)
	}
	return resp, nil
}

// decodeResponse reads an HTTP body holding either a bare JSON-RPC response
// or an SSE-framed one, returning the response matching req. isEventStream
// selects the framing.
func decodeResponse(body io.Reader, contentType string, req *Request) (*Response, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if isEventStream(contentType) {
		return responseFromFrames(data, req)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		// Some servers stream SSE frames without declaring the content type.
		if frameResp, frameErr := responseFromFrames(data, req); frameErr == nil {
			return frameResp, nil
		}
		return nil, fmt.Errorf("transport: malformed response: %w", err)
	}
	return &resp, nil
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

// responseFromFrames scans SSE data: lines for the first JSON-RPC response
// whose id matches req.
func responseFromFrames(data []byte, req *Request) (*Response, error) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if resp.matchesID(req) {
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("transport: no response for request %s in event stream", req.ID)
}

// checkResponse converts a JSON-RPC error object into a Go error carrying
// the upstream code and message verbatim.
func checkResponse(serverID string, resp *Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("transport: server %q: %w", serverID, resp.Error)
	}
	return resp.Result, nil
}
