package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Standard JSON-RPC 2.0 error codes, plus the gateway-local range used by
// upstream tool servers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodePermissionDenied   = -32001
	CodeOSError            = -32002
	CodeMissingDependency  = -32003
	CodeUpstreamConnection = -32004
	CodeUpstreamAuth       = -32005
	CodeUnknownDatabase    = -32006
	CodeSQLSyntax          = -32007
)

// Request is an outbound JSON-RPC 2.0 request. Notifications carry no ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC 2.0 response. Exactly one of Result and
// Error is meaningful. ID is kept raw so it can be matched against the
// request regardless of whether the upstream echoes a string or a number.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC 2.0 error object. It carries the upstream code and
// message verbatim so callers can branch on well-known codes.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// newRequest creates a request with a fresh UUID id.
func newRequest(method string, params any) *Request {
	return &Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
}

// newNotification creates a request without an id; no response is expected.
func newNotification(method string) *Request {
	return &Request{JSONRPC: "2.0", Method: method}
}

// matchesID reports whether the raw response id equals the string id of req.
// A missing or null id never matches.
func (r *Response) matchesID(req *Request) bool {
	if len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null")) {
		return false
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s == req.ID
	}
	// Some servers echo numeric ids for string requests; compare the raw text.
	return string(bytes.Trim(r.ID, `"`)) == req.ID
}
