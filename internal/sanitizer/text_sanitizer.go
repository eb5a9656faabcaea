// Package sanitizer reduces client-supplied strings (display names, values
// derived from request headers) to plain text before they are stored.
package sanitizer

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	scriptRegex   = regexp.MustCompile(`(?i)<script[^>]*>[\s\S]*?</script>`)
	noscriptRegex = regexp.MustCompile(`(?i)<noscript[^>]*>[\s\S]*?</noscript>`)
	spaceRegex    = regexp.MustCompile(`\s+`)
)

// TextSanitizer strips markup with a bluemonday strict policy
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// New creates a TextSanitizer
func New() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text removes tags (and script bodies), decodes entities, replaces control
// characters and collapses whitespace. The result is cut to maxRunes runes
// when maxRunes > 0.
func (s *TextSanitizer) Text(in string, maxRunes int) string {
	if in == "" {
		return ""
	}

	out := scriptRegex.ReplaceAllString(in, "")
	out = noscriptRegex.ReplaceAllString(out, "")
	out = html.UnescapeString(s.policy.Sanitize(out))
	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, out)
	out = strings.TrimSpace(spaceRegex.ReplaceAllString(out, " "))

	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = strings.TrimSpace(string([]rune(out)[:maxRunes]))
	}
	return out
}
