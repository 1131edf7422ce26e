package outbound

import "strings"

// MaxChunkLength is the hard limit on a single outbound chunk, in
// Unicode code points.
const MaxChunkLength = 2000

// SplitMessage splits t into chunks no longer than MaxChunkLength,
// preferring to cut at a newline and failing that at a space, both
// searched backward from the limit, falling back to a hard cut when
// neither boundary exists. Chunks whose trimmed content is empty are
// dropped.
func SplitMessage(t string) []string {
	runes := []rune(t)
	if len(runes) == 0 {
		return nil
	}

	var raw []string
	i := 0
	for i < len(runes) {
		end := i + MaxChunkLength
		if end >= len(runes) {
			raw = append(raw, string(runes[i:]))
			break
		}

		cut := backwardSearch(runes, i, end, '\n')
		if cut == -1 {
			cut = backwardSearch(runes, i, end, ' ')
		}
		if cut == -1 {
			cut = end
		}

		raw = append(raw, string(runes[i:cut]))
		i = cut
	}

	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// backwardSearch returns the index just past the last occurrence of r
// in runes[start:end], searching from end back toward start, or -1 if
// none is found (or it would produce an empty chunk).
func backwardSearch(runes []rune, start, end int, r rune) int {
	for j := end; j > start; j-- {
		if runes[j-1] == r {
			return j
		}
	}
	return -1
}
