package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// noResultReply is returned for a null tools/call result.
const noResultReply = "operation complete (no result)"

// maxListingEntries caps how many file entries a directory listing shows;
// the header still reports the true counts.
const maxListingEntries = 10

// normalizeResult flattens the heterogeneous tools/call result envelope
// into one textual reply. The predicates run top to bottom and the first
// match wins; upstream servers return any reasonable subset of the
// envelope fields, so the rules are deliberately liberal.
func normalizeResult(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return noResultReply
	}

	var envelope map[string]any
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		// Scalar or array result: render it as-is.
		return prettyJSON(trimmed)
	}

	if content, ok := envelope["content"]; ok {
		if items, ok := content.([]any); ok && len(items) > 0 {
			return normalizeContentList(items)
		}
		if text, ok := content.(string); ok {
			size := intField(envelope, "size")
			return fmt.Sprintf("file content (%d chars): %s", size, text)
		}
	}

	if _, ok := envelope["success"]; ok {
		if msg, ok := envelope["message"].(string); ok && msg != "" {
			return msg
		}
		return "operation successful"
	}

	if _, ok := envelope["files"]; ok {
		return normalizeListing(envelope)
	}

	return prettyJSON(trimmed)
}

// normalizeContentList handles the {content:[{type:"text",text},...]} shape.
// Text that parses as JSON is pretty-printed, anything else passes through.
func normalizeContentList(items []any) string {
	first, ok := items[0].(map[string]any)
	if !ok {
		return prettyAny(items)
	}
	text, _ := first["text"].(string)
	if json.Valid([]byte(text)) && looksStructured(text) {
		return prettyJSON([]byte(text))
	}
	return text
}

// normalizeListing renders a directory listing: a header with the path and
// the true file and directory counts, then at most ten file entries.
func normalizeListing(envelope map[string]any) string {
	files, _ := envelope["files"].([]any)
	dirs, _ := envelope["directories"].([]any)
	path, _ := envelope["path"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "directory: %s\n", path)
	fmt.Fprintf(&sb, "files: %d, directories: %d", len(files), len(dirs))
	for i, entry := range files {
		if i == maxListingEntries {
			break
		}
		file, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := file["name"].(string)
		fmt.Fprintf(&sb, "\n- %s (%d bytes)", name, intField(file, "size"))
	}
	return sb.String()
}

// looksStructured reports whether text is a JSON object or array, so that
// bare strings and numbers inside content text are not re-encoded.
func looksStructured(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
}

// prettyJSON re-indents raw JSON with two-space indentation, preserving
// the original key order. Invalid input passes through untouched.
func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// prettyAny marshals a decoded value with two-space indentation.
func prettyAny(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// intField reads a numeric field from a decoded JSON object, 0 when the
// field is missing or not a number.
func intField(obj map[string]any, key string) int {
	if f, ok := obj[key].(float64); ok {
		return int(f)
	}
	return 0
}
