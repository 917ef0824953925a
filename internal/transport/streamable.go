package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// acceptStreamable is sent on every streamable request; the server chooses
// whether to answer with bare JSON or an event stream.
const acceptStreamable = "application/json, text/event-stream"

// streamableTransport is the MCP streamable-HTTP dialect. The server may
// bind a session during initialize via the mcp-session-id response header;
// the token is then echoed as a request header on every subsequent call.
type streamableTransport struct {
	client *http.Client
}

var _ Transport = (*streamableTransport)(nil)

// Initialize performs the handshake, stores any session id announced in the
// response header (case-insensitive) or body on ep, and follows up with the
// notifications/initialized notification.
func (t *streamableTransport) Initialize(ctx context.Context, ep *Endpoint) (*ServerHello, error) {
	initCtx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	req := newRequest("initialize", initializeParams())
	httpResp, err := postJSON(initCtx, t.client, ep, strings.TrimRight(ep.URL, "/"), req, map[string]string{
		"Accept": acceptStreamable,
	})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if !acceptableStatus(httpResp.StatusCode) {
		return nil, fmt.Errorf("transport: initialize server %q: HTTP %d", ep.ServerID, httpResp.StatusCode)
	}

	resp, err := decodeResponse(httpResp.Body, httpResp.Header.Get("Content-Type"), req)
	if err != nil {
		return nil, fmt.Errorf("transport: initialize server %q: %w", ep.ServerID, err)
	}

	var hello *ServerHello
	switch {
	case resp.Error != nil && resp.Error.Code == CodeMethodNotFound:
		hello = synthesizedHello(ep.ServerID)
	case resp.Error != nil:
		return nil, fmt.Errorf("transport: initialize server %q: %w", ep.ServerID, resp.Error)
	default:
		hello = helloFromResult(ep.ServerID, resp.Result)
	}

	// The response header wins over a body-level sessionId.
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		hello.SessionID = sid
	}
	ep.SessionID = hello.SessionID

	if err := t.notifyInitialized(ctx, ep); err != nil {
		// The session is established; a failed courtesy notification is
		// logged, not fatal.
		slog.Warn("notifications/initialized failed", "server", ep.ServerID, "err", err)
	}
	return hello, nil
}

// notifyInitialized sends the post-handshake notification. No id, no
// response body expected; HTTP 200 and 202 are both success.
func (t *streamableTransport) notifyInitialized(ctx context.Context, ep *Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	httpResp, err := postJSON(ctx, t.client, ep, strings.TrimRight(ep.URL, "/"), newNotification("notifications/initialized"), t.callHeaders(ep))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if !acceptableStatus(httpResp.StatusCode) {
		return fmt.Errorf("transport: notifications/initialized to %q: HTTP %d", ep.ServerID, httpResp.StatusCode)
	}
	return nil
}

// Call sends a JSON-RPC request with the session header attached and decodes
// the answer from either a JSON body or an SSE-framed one.
func (t *streamableTransport) Call(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, methodTimeout(method))
	defer cancel()

	req := newRequest(method, params)
	httpResp, err := postJSON(ctx, t.client, ep, strings.TrimRight(ep.URL, "/"), req, t.callHeaders(ep))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if !acceptableStatus(httpResp.StatusCode) {
		return nil, fmt.Errorf("transport: server %q returned HTTP %d", ep.ServerID, httpResp.StatusCode)
	}
	resp, err := decodeResponse(httpResp.Body, httpResp.Header.Get("Content-Type"), req)
	if err != nil {
		return nil, fmt.Errorf("transport: call %s on %q: %w", method, ep.ServerID, err)
	}
	return checkResponse(ep.ServerID, resp)
}

// Probe issues a lightweight tools/list with the probe deadline. Re-bootstrap
// on failure is the registry's call, not the transport's.
func (t *streamableTransport) Probe(ctx context.Context, ep *Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req := newRequest("tools/list", nil)
	httpResp, err := postJSON(ctx, t.client, ep, strings.TrimRight(ep.URL, "/"), req, t.callHeaders(ep))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if !acceptableStatus(httpResp.StatusCode) {
		return fmt.Errorf("transport: probe %q: HTTP %d", ep.ServerID, httpResp.StatusCode)
	}
	resp, err := decodeResponse(httpResp.Body, httpResp.Header.Get("Content-Type"), req)
	if err != nil {
		return fmt.Errorf("transport: probe %q: %w", ep.ServerID, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("transport: probe %q: %w", ep.ServerID, resp.Error)
	}
	return nil
}

// callHeaders returns the per-call extra headers: Accept plus the session
// token when bound.
func (t *streamableTransport) callHeaders(ep *Endpoint) map[string]string {
	h := map[string]string{"Accept": acceptStreamable}
	if ep.SessionID != "" {
		h[sessionHeader] = ep.SessionID
	}
	return h
}

// acceptableStatus reports whether code is a success for the session
// dialects: any 2xx, which includes the 202 Accepted some servers return.
func acceptableStatus(code int) bool {
	return code >= 200 && code <= 299
}
