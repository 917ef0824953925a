package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// plainTransport is the single-POST JSON dialect. No session state.
type plainTransport struct {
	client *http.Client
}

var _ Transport = (*plainTransport)(nil)

// Initialize sends the MCP initialize request. A -32601 reply means the
// server predates initialize; that is treated as a no-op success and a hello
// is synthesized from the server id.
func (t *plainTransport) Initialize(ctx context.Context, ep *Endpoint) (*ServerHello, error) {
	ctx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	req := newRequest("initialize", initializeParams())
	resp, err := t.roundTrip(ctx, ep, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if resp.Error.Code == CodeMethodNotFound {
			return synthesizedHello(ep.ServerID), nil
		}
		return nil, fmt.Errorf("transport: initialize server %q: %w", ep.ServerID, resp.Error)
	}
	return helloFromResult(ep.ServerID, resp.Result), nil
}

// Call sends a JSON-RPC request and returns the raw result.
func (t *plainTransport) Call(ctx context.Context, ep *Endpoint, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, methodTimeout(method))
	defer cancel()

	req := newRequest(method, params)
	resp, err := t.roundTrip(ctx, ep, req)
	if err != nil {
		return nil, err
	}
	return checkResponse(ep.ServerID, resp)
}

// Probe checks liveness via GET <url>/health; any 2xx status is healthy.
func (t *plainTransport) Probe(ctx context.Context, ep *Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	healthURL := strings.TrimRight(ep.URL, "/") + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("transport: build health request for %q: %w", ep.ServerID, err)
	}
	if err := applyHeaders(httpReq, ep); err != nil {
		return err
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: health probe for %q: %w", ep.ServerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport: health probe for %q: HTTP %d", ep.ServerID, resp.StatusCode)
	}
	return nil
}

func (t *plainTransport) roundTrip(ctx context.Context, ep *Endpoint, req *Request) (*Response, error) {
	httpResp, err := postJSON(ctx, t.client, ep, strings.TrimRight(ep.URL, "/"), req, nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("transport: server %q returned HTTP %d", ep.ServerID, httpResp.StatusCode)
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("transport: malformed response from %q: %w", ep.ServerID, err)
	}
	return &resp, nil
}

// IsMethodNotFound reports whether err wraps a JSON-RPC -32601 error.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}
