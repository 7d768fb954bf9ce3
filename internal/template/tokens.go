// Package template substitutes {{token}} placeholders into campaign and
// transactional email strings. There is no control flow and no escaping:
// callers own the HTML-safety of substituted values.
package template

import "regexp"

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Tokens maps a placeholder name to its replacement. A nil value means the
// caller supplied the token but it resolved to nothing, which substitutes an
// empty string. A missing key leaves the placeholder verbatim so a later
// pass may resolve it.
type Tokens map[string]*string

func (t Tokens) Set(name, value string) {
	t[name] = &value
}

func (t Tokens) SetNull(name string) {
	t[name] = nil
}

// Merge copies other into t, overwriting existing names.
func (t Tokens) Merge(other Tokens) {
	for name, value := range other {
		t[name] = value
	}
}

// Replace substitutes every {{name}} occurrence in s, tolerating whitespace
// around the name. Not guaranteed idempotent when a substituted value itself
// contains {{...}} syntax; a second pass substitutes further.
func Replace(s string, tokens Tokens) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		value, ok := tokens[name]
		if !ok {
			return match
		}
		if value == nil {
			return ""
		}
		return *value
	})
}
