package outbound

import (
	"strings"
	"testing"
)

func TestSplitMessageRespectsMaxLength(t *testing.T) {
	text := strings.Repeat("a", 5000)
	chunks := SplitMessage(text)
	for _, c := range chunks {
		if len([]rune(c)) > MaxChunkLength {
			t.Fatalf("chunk exceeds max length: %d runes", len([]rune(c)))
		}
	}
}

func TestSplitMessageNoEmptyChunks(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	chunks := SplitMessage(text)
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			t.Fatalf("found an all-whitespace chunk")
		}
	}
}

func TestSplitMessagePrefersNewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 1990) + "\n" + strings.Repeat("b", 20)
	chunks := SplitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 1990)+"\n" {
		t.Fatalf("expected first chunk to be the a run plus the newline, got suffix %q", chunks[0][len(chunks[0])-5:])
	}
	if chunks[1] != strings.Repeat("b", 20) {
		t.Fatalf("expected second chunk to be the b run, got %q", chunks[1])
	}
}

func TestSplitMessageFallsBackToHardCut(t *testing.T) {
	text := strings.Repeat("a", 3000)
	chunks := SplitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for a hard cut, got %d", len(chunks))
	}
	if len([]rune(chunks[0])) != MaxChunkLength {
		t.Fatalf("expected first chunk to be exactly the max length, got %d", len([]rune(chunks[0])))
	}
}

func TestSplitMessageEmptyInput(t *testing.T) {
	if chunks := SplitMessage(""); chunks != nil {
		t.Fatalf("expected no chunks for empty input, got %v", chunks)
	}
	if chunks := SplitMessage("   "); len(chunks) != 0 {
		t.Fatalf("expected whitespace-only input to yield no chunks, got %v", chunks)
	}
}

func TestSplitMessageRoundTripsThreeThousandFiveHundredChars(t *testing.T) {
	// A long reply chunks into exactly two non-empty pieces, split at
	// the last newline before the limit.
	first := strings.Repeat("x", 1800) + "\n" + strings.Repeat("y", 190)
	text := first + "\n" + strings.Repeat("z", 1500)
	chunks := SplitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
}
