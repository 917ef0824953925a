package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// sseTransport is the legacy two-step SSE dialect.
//
// Step 1 (handshake): GET the server URL with Accept: text/event-stream and
// scan the stream for the first data: line carrying a relative message URL
// of the form /.../message?sessionId=<id>. That path, resolved against the
// origin of the server URL, becomes the message endpoint.
//
// Step 2 (calls): JSON-RPC requests are POSTed to the message endpoint; the
// answer arrives on the POST response as an SSE stream and is the first
// data: frame parseable as JSON whose id matches the request.
type sseTransport struct {
	client *http.Client
}

var _ Transport = (*sseTransport)(nil)

// Initialize performs the SSE handshake and binds the session on ep. The
// dialect has no JSON-RPC initialize exchange, so the hello is synthesized
// from the server id.
func (t *sseTransport) Initialize(ctx context.Context, ep *Endpoint) (*ServerHello, error) {
	ctx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build sse handshake for %q: %w", ep.ServerID, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if err := applyHeaders(httpReq, ep); err != nil {
		return nil, err
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: sse handshake with %q: %w", ep.ServerID, err)
	}
	defer httpResp.Body.Close()

	if !acceptableStatus(httpResp.StatusCode) {
		return nil, fmt.Errorf("transport: sse handshake with %q: HTTP %d", ep.ServerID, httpResp.StatusCode)
	}

	endpoint, sessionID, err := scanForMessageEndpoint(bufio.NewScanner(httpResp.Body), ep.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: sse handshake with %q: %w", ep.ServerID, err)
	}
	ep.MessageEndpoint = endpoint
	ep.SessionID = sessionID

	hello := synthesizedHello(ep.ServerID)
	hello.SessionID = sessionID
	return hello, nil
}

// scanForMessageEndpoint reads SSE lines until a data: payload holding a
// message URL with a sessionId query parameter appears. The payload is
// resolved against the origin of serverURL; the sessionId stays URL-encoded
// in the returned endpoint.
func scanForMessageEndpoint(scanner *bufio.Scanner, serverURL string) (endpoint, sessionID string, err error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", "", fmt.Errorf("parse server url: %w", err)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		rel, err := url.Parse(payload)
		if err != nil {
			continue
		}
		sid := rel.Query().Get("sessionId")
		if sid == "" {
			continue
		}
		// Resolve against the origin, not the (possibly /sse) path.
		resolved := &url.URL{
			Scheme:   base.Scheme,
			Host:     base.Host,
			Path:     rel.Path,
			RawQuery: rel.RawQuery,
		}
		if rel.IsAbs() {
			resolved.Scheme = rel.Scheme
			resolved.Host = rel.Host
		}
		return resolved.String(), sid, nil
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("read sse stream: %w", err)
	}
	return "", "", fmt.Errorf("sse stream ended without a message endpoint")
}

// Call POSTs the request to the bound message endpoint and extracts the
// matching response frame from the POST reply.
func (t *sseTransport) Call(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error) {
	resp, err := t.send(ctx, ep, method, params, methodTimeout(method))
	if err != nil {
		return nil, err
	}
	return checkResponse(ep.ServerID, resp)
}

// Probe issues a lightweight tools/list with the probe deadline.
func (t *sseTransport) Probe(ctx context.Context, ep *Endpoint) error {
	resp, err := t.send(ctx, ep, "tools/list", nil, ProbeTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("transport: probe %q: %w", ep.ServerID, resp.Error)
	}
	return nil
}

func (t *sseTransport) send(ctx context.Context, ep *Endpoint, method string, params any, timeout time.Duration) (*Response, error) {
	if ep.MessageEndpoint == "" {
		return nil, fmt.Errorf("transport: server %q has no sse session; bootstrap required", ep.ServerID)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := newRequest(method, params)
	httpResp, err := postJSON(ctx, t.client, ep, ep.MessageEndpoint, req, map[string]string{
		"Accept": acceptStreamable,
	})
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
	return resp, nil
}
