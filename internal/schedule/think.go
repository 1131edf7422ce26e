package schedule

import (
	"regexp"
	"strings"
)

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes every <think>...</think> span, including ones
// spanning multiple lines, leaving the surrounding text untouched.
func StripThinkTags(t string) string {
	return thinkTagRe.ReplaceAllString(t, "")
}

const skipMarker = "[SKIP]"

// IsSkipResponse reports whether trim(t) starts or ends with the
// literal marker "[SKIP]".
func IsSkipResponse(t string) bool {
	trimmed := strings.TrimSpace(t)
	return strings.HasPrefix(trimmed, skipMarker) || strings.HasSuffix(trimmed, skipMarker)
}
