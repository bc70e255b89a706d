package util

import (
	"html"
	"strings"
)

// SanitizeInput trims whitespace and escapes HTML-significant characters.
// Used before substituting caller-supplied values into HTML bodies.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}
