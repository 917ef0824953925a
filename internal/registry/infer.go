package registry

import "strings"

// categoryRules is the keyword table used to derive a server category from
// its tool set. First matching rule wins; order matters.
var categoryRules = []struct {
	keywords []string
	category string
}{
	{[]string{"file", "read", "write"}, "file_operations"},
	{[]string{"time", "date"}, "system"},
	{[]string{"mysql", "sql", "query"}, "database"},
	{[]string{"music", "song"}, "music"},
	{[]string{"train", "ticket", "12306"}, "travel"},
}

// commonVerbs are tool-name tokens too generic to be useful as tags.
var commonVerbs = map[string]bool{
	"get":    true,
	"set":    true,
	"list":   true,
	"create": true,
	"delete": true,
	"update": true,
}

// maxTags caps the number of inferred tags per server.
const maxTags = 5

// InferCategory derives a category from the tool names and descriptions of
// one server. Returns "" when no rule matches.
func InferCategory(toolNames, toolDescriptions []string) string {
	var sb strings.Builder
	for _, n := range toolNames {
		sb.WriteString(strings.ToLower(n))
		sb.WriteByte(' ')
	}
	for _, d := range toolDescriptions {
		sb.WriteString(strings.ToLower(d))
		sb.WriteByte(' ')
	}
	text := sb.String()

	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}
	return ""
}

// InferTags extracts up to five lower-cased tokens from the tool names,
// splitting on common separators and dropping generic verbs.
func InferTags(toolNames []string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, name := range toolNames {
		for _, token := range strings.FieldsFunc(strings.ToLower(name), isSeparator) {
			if token == "" || commonVerbs[token] || seen[token] {
				continue
			}
			seen[token] = true
			tags = append(tags, token)
			if len(tags) == maxTags {
				return tags
			}
		}
	}
	return tags
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == '.' || r == ' '
}
