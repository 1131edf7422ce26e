package schedule

import (
	"testing"
	"time"
)

func TestParseCronExprRejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseCronExpr("* * *"); err == nil {
		t.Fatalf("expected error for malformed cron expression")
	}
}

func TestNextAfterEveryMinute(t *testing.T) {
	c, err := ParseCronExpr("* * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, err := c.NextAfter(from, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextAfterDailyAtNine(t *testing.T) {
	c, err := ParseCronExpr("0 9 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	next, err := c.NextAfter(from, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextAfterWeekdaysOnly(t *testing.T) {
	c, err := ParseCronExpr("0 9 * * 1-5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 2026-03-06 is a Friday; next weekday fire after Friday 9am is Monday.
	from := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	next, err := c.NextAfter(from, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Weekday() != time.Monday {
		t.Fatalf("expected next fire on a Monday, got %v (%v)", next, next.Weekday())
	}
}

func TestStripThinkTagsMultiline(t *testing.T) {
	in := "before\n<think>\nsome reasoning\nmore reasoning\n</think>\nafter"
	got := StripThinkTags(in)
	if got != "before\n\nafter" {
		t.Fatalf("unexpected strip result: %q", got)
	}
}

func TestIsSkipResponse(t *testing.T) {
	cases := map[string]bool{
		"[SKIP] nothing to report":  true,
		"nothing to report [SKIP]":  true,
		"  [SKIP]  ":                true,
		"nothing skippable here":    false,
	}
	for in, want := range cases {
		if got := IsSkipResponse(in); got != want {
			t.Errorf("IsSkipResponse(%q) = %v, want %v", in, got, want)
		}
	}
}
