package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestNormalizeNullResult(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"null", "", "  null  "} {
		if got := normalizeResult(json.RawMessage(raw)); got != noResultReply {
			t.Errorf("normalizeResult(%q) = %q, want %q", raw, got, noResultReply)
		}
	}
}

func TestNormalizeContentListPlainText(t *testing.T) {
	t.Parallel()
	raw := `{"content": [{"type": "text", "text": "hello world"}]}`
	if got := normalizeResult(json.RawMessage(raw)); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeContentListStructuredText(t *testing.T) {
	t.Parallel()
	raw := `{"content": [{"type": "text", "text": "{\"temp\": 21, \"unit\": \"C\"}"}]}`
	got := normalizeResult(json.RawMessage(raw))
	want := "{\n  \"temp\": 21,\n  \"unit\": \"C\"\n}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeContentListBareNumberNotReencoded(t *testing.T) {
	t.Parallel()
	raw := `{"content": [{"type": "text", "text": "42"}]}`
	if got := normalizeResult(json.RawMessage(raw)); got != "42" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeFileContent(t *testing.T) {
	t.Parallel()
	raw := `{"content": "line one\nline two", "size": 17}`
	got := normalizeResult(json.RawMessage(raw))
	want := "file content (17 chars): line one\nline two"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeSuccess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{`{"success": true, "message": "file written"}`, "file written"},
		{`{"success": true}`, "operation successful"},
		{`{"success": false, "message": "disk full"}`, "disk full"},
	}
	for _, tt := range tests {
		if got := normalizeResult(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("normalizeResult(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeDirectoryListing(t *testing.T) {
	t.Parallel()
	raw := `{
		"path": "/tmp/project",
		"files": [
			{"name": "a.txt", "size": 12},
			{"name": "b.txt", "size": 340}
		],
		"directories": [{"name": "src"}]
	}`
	got := normalizeResult(json.RawMessage(raw))
	want := "directory: /tmp/project\n" +
		"files: 2, directories: 1\n" +
		"- a.txt (12 bytes)\n" +
		"- b.txt (340 bytes)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeDirectoryListingTruncated(t *testing.T) {
	t.Parallel()
	var files []string
	for i := range 25 {
		files = append(files, fmt.Sprintf(`{"name": "f%02d", "size": %d}`, i, i))
	}
	raw := `{"path": "/big", "files": [` + strings.Join(files, ",") + `], "directories": []}`

	got := normalizeResult(json.RawMessage(raw))
	// Header carries the true count even though only ten entries render.
	if !strings.Contains(got, "files: 25, directories: 0") {
		t.Errorf("header missing true counts: %q", got)
	}
	if n := strings.Count(got, "\n- "); n != maxListingEntries {
		t.Errorf("rendered %d entries, want %d", n, maxListingEntries)
	}
	if strings.Contains(got, "f10") {
		t.Errorf("entry past the cap rendered: %q", got)
	}
}

func TestNormalizeGenericObject(t *testing.T) {
	t.Parallel()
	got := normalizeResult(json.RawMessage(`{"k": 1}`))
	want := "{\n  \"k\": 1\n}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeGenericObjectPreservesKeyOrder(t *testing.T) {
	t.Parallel()
	got := normalizeResult(json.RawMessage(`{"z": 1, "a": 2}`))
	want := "{\n  \"z\": 1,\n  \"a\": 2\n}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeScalarAndArray(t *testing.T) {
	t.Parallel()
	if got := normalizeResult(json.RawMessage(`"done"`)); got != `"done"` {
		t.Errorf("scalar: %q", got)
	}
	got := normalizeResult(json.RawMessage(`[1, 2]`))
	want := "[\n  1,\n  2\n]"
	if got != want {
		t.Errorf("array: %q, want %q", got, want)
	}
}
