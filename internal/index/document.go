// Package index builds and maintains the searchable tool index: one
// document per discovered tool, versioned by content hashes so refreshes
// can tell changed tools from untouched ones without diffing full bodies.
package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/toolfed/gateway/internal/catalogue"
	"github.com/toolfed/gateway/internal/registry"
)

// Document is one indexed tool. It denormalizes the owning server's
// metadata so a search hit is self-contained.
type Document struct {
	ToolID            string         `json:"tool_id"`
	ServerID          string         `json:"server_id"`
	ToolName          string         `json:"tool_name"`
	ToolDescription   string         `json:"tool_description"`
	ServerName        string         `json:"server_name"`
	ServerDescription string         `json:"server_description"`
	Parameters        map[string]any `json:"parameters"`
	Category          string         `json:"category,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	SearchText        string         `json:"search_text"`
	ToolVersion       string         `json:"tool_version"`
	ServerVersion     string         `json:"server_version"`
	LastDiscoveredAt  time.Time      `json:"last_discovered_at"`
	IndexedAt         time.Time      `json:"indexed_at"`
}

// BuildDocument assembles the index document for one tool of srv.
// serverVersion is shared across all documents of the server and must be
// computed once per refresh with [ServerVersion].
func BuildDocument(tool catalogue.ToolInfo, srv registry.Server, serverVersion string, now time.Time) Document {
	// Fill in the server's category and tags before hashing, so the version
	// covers exactly what the document records.
	if tool.Category == "" {
		tool.Category = srv.Category
	}
	if len(tool.Tags) == 0 {
		tool.Tags = srv.Tags
	}

	doc := Document{
		ToolID:            tool.ID(),
		ServerID:          srv.ID,
		ToolName:          tool.Name,
		ToolDescription:   tool.Description,
		ServerName:        srv.Name,
		ServerDescription: srv.Description,
		Parameters:        tool.Parameters,
		Category:          tool.Category,
		Tags:              append([]string(nil), tool.Tags...),
		ToolVersion:       ToolVersion(tool),
		ServerVersion:     serverVersion,
		LastDiscoveredAt:  now.UTC(),
		IndexedAt:         now.UTC(),
	}
	doc.SearchText = buildSearchText(doc)
	return doc
}

// buildSearchText renders the labeled-line text blob that substring search
// runs over. Line order and labels are fixed; the category, tags and
// parameters lines are omitted when empty.
func buildSearchText(doc Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tool name: %s\n", doc.ToolName)
	fmt.Fprintf(&sb, "tool description: %s\n", doc.ToolDescription)
	fmt.Fprintf(&sb, "server name: %s\n", doc.ServerName)
	fmt.Fprintf(&sb, "server description: %s", doc.ServerDescription)
	if doc.Category != "" {
		fmt.Fprintf(&sb, "\ncategory: %s", doc.Category)
	}
	if len(doc.Tags) > 0 {
		fmt.Fprintf(&sb, "\ntags: %s", strings.Join(doc.Tags, ", "))
	}
	if params := parameterSummary(doc.Parameters); params != "" {
		fmt.Fprintf(&sb, "\nparameters: %s", params)
	}
	return sb.String()
}

// parameterSummary renders "name: description, ..." over the schema's
// properties, sorted by property name. Properties without a description
// contribute just their name.
func parameterSummary(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return ""
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		desc := ""
		if prop, ok := props[name].(map[string]any); ok {
			desc, _ = prop["description"].(string)
		}
		if desc == "" {
			parts = append(parts, name)
		} else {
			parts = append(parts, name+": "+desc)
		}
	}
	return strings.Join(parts, ", ")
}

// ToolVersion hashes the fields that identify a tool to an agent: name,
// description, parameter schema, owning server id, category and tags (tags
// sorted, so declaration order does not matter). Sixteen hex chars of
// SHA-256 over the canonical JSON encoding. Any change to these fields
// makes an incremental refresh re-upsert the document.
func ToolVersion(tool catalogue.ToolInfo) string {
	tags := append([]string(nil), tool.Tags...)
	slices.Sort(tags)
	return contentHash(map[string]any{
		"name":        tool.Name,
		"description": tool.Description,
		"parameters":  tool.Parameters,
		"server_id":   tool.ServerID,
		"category":    tool.Category,
		"tags":        tags,
	})
}

// ServerVersion hashes the server's identity and metadata: id, name,
// description, url, category and sorted tags. Renames, moved endpoints and
// re-categorisation all bump the version.
func ServerVersion(srv registry.Server) string {
	tags := append([]string(nil), srv.Tags...)
	slices.Sort(tags)
	return contentHash(map[string]any{
		"id":          srv.ID,
		"name":        srv.Name,
		"description": srv.Description,
		"url":         srv.URL,
		"category":    srv.Category,
		"tags":        tags,
	})
}

// contentHash produces the short content hash used for document versions:
// the first 16 hex characters of SHA-256 over the canonical JSON form.
func contentHash(v any) string {
	canonical, err := canonicalJSON(v)
	if err != nil {
		// Inputs are maps of strings and decoded JSON values, which
		// always marshal; a failure here is a programming error.
		panic(fmt.Sprintf("index: canonical encoding: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON encodes v deterministically: object keys sorted, no extra
// whitespace, UTF-8 left unescaped.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case []string:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, v)
	}
}

// writeScalar encodes a leaf value without HTML escaping or a trailing
// newline.
func writeScalar(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder.Encode always appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
