package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
)

// envToken matches ${NAME} occurrences in header values.
var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadServers reads and parses the mcpServers JSON document at path.
// Structural validation of individual entries is the registry's job; this
// only rejects documents that are not valid JSON of the expected shape.
func LoadServers(path string) (*ServersDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read servers file %q: %w", path, err)
	}
	return ParseServers(data)
}

// ParseServers parses a mcpServers JSON document from raw bytes.
func ParseServers(data []byte) (*ServersDocument, error) {
	var doc ServersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode servers document: %w", err)
	}
	return &doc, nil
}

// ExpandEnv substitutes ${NAME} tokens in s with the value of environment
// variable NAME. Unset variables expand to the empty string with a warning.
// Substitution is applied once, at registry load time.
func ExpandEnv(s string) string {
	return envToken.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		value, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("environment variable referenced in header is unset", "var", name)
			return ""
		}
		return value
	})
}

// ExpandHeaders returns a copy of headers with ${NAME} substitution applied
// to every value. Keys pass through untouched. A nil map stays nil.
func ExpandHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = ExpandEnv(v)
	}
	return out
}
