package config

import (
	"testing"

	"github.com/toolfed/gateway/internal/transport"
)

func TestParseServers(t *testing.T) {
	t.Parallel()
	const doc = `{
		"mcpServers": {
			"files": {"url": "http://localhost:8001", "type": "plain"},
			"clock": {
				"url": "http://localhost:8002",
				"type": "streamable",
				"headers": {"X-Key": "${CLOCK_KEY}"},
				"auth": {"token": "tok"}
			}
		}
	}`
	parsed, err := ParseServers([]byte(doc))
	if err != nil {
		t.Fatalf("ParseServers: %v", err)
	}
	if len(parsed.MCPServers) != 2 {
		t.Fatalf("got %d servers", len(parsed.MCPServers))
	}
	clock := parsed.MCPServers["clock"]
	if clock.Type != transport.DialectStreamable {
		t.Errorf("type = %q", clock.Type)
	}
	if clock.Headers["X-Key"] != "${CLOCK_KEY}" {
		t.Errorf("header should stay unexpanded at parse time, got %q", clock.Headers["X-Key"])
	}
	if clock.Auth == nil || clock.Auth.Token != "tok" {
		t.Errorf("auth = %+v", clock.Auth)
	}
}

func TestParseServersRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := ParseServers([]byte("not json")); err == nil {
		t.Fatal("garbage should be rejected")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GATEWAY_TEST_TOKEN", "abc123")

	if got := ExpandEnv("Bearer ${GATEWAY_TEST_TOKEN}"); got != "Bearer abc123" {
		t.Errorf("ExpandEnv = %q", got)
	}
	// Unset variables expand to the empty string.
	if got := ExpandEnv("x-${GATEWAY_TEST_UNSET_VAR}-y"); got != "x--y" {
		t.Errorf("unset expansion = %q", got)
	}
	// Literal text without tokens passes through.
	if got := ExpandEnv("plain $VALUE {x}"); got != "plain $VALUE {x}" {
		t.Errorf("passthrough = %q", got)
	}
}

func TestExpandHeaders(t *testing.T) {
	t.Setenv("GATEWAY_TEST_HDR", "v1")

	got := ExpandHeaders(map[string]string{"Authorization": "Bearer ${GATEWAY_TEST_HDR}"})
	if got["Authorization"] != "Bearer v1" {
		t.Errorf("expanded = %q", got["Authorization"])
	}
	if ExpandHeaders(nil) != nil {
		t.Error("nil map should stay nil")
	}
}
