package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression (minute hour
// day-of-month month day-of-week). Parsing and next-fire computation
// are implemented on the standard library only; nothing in this
// module's dependency set pulls in a cron library.
type CronExpr struct {
	minute, hour, dom, month, dow fieldSet
	domRestricted, dowRestricted bool
}

type fieldSet map[int]bool

// ParseCronExpr parses a standard 5-field cron expression.
func ParseCronExpr(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &CronExpr{
		minute: minute, hour: hour, dom: dom, month: month, dow: dow,
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
	}, nil
}

// parseField parses one comma-separated cron field, each part being
// "*", "N", "N-M", "*/S", or "N-M/S".
func parseField(s string, min, max int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(s, ",") {
		lo, hi, step := min, max, 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx != -1 {
			var err error
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rangePart = part[:idx]
		}

		switch {
		case rangePart == "*":
			// lo, hi already the full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err error
			lo, err = strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid range start in %q", part)
			}
			hi, err = strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid range end in %q", part)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("value out of range in %q (expected %d-%d)", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

const cronSearchLimit = 4 * 366 * 24 * 60 // minutes in ~4 years

// NextAfter returns the first minute-aligned instant strictly after
// after, in loc, that matches the expression, or an error if none is
// found within a generous search horizon (an expression like
// "0 0 31 2 *", February 31st, that never matches).
func (c *CronExpr) NextAfter(after time.Time, loc *time.Location) (time.Time, error) {
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < cronSearchLimit; i++ {
		if c.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time found within search horizon")
}

func (c *CronExpr) matches(t time.Time) bool {
	if !c.minute[t.Minute()] || !c.hour[t.Hour()] || !c.month[int(t.Month())] {
		return false
	}

	domMatch := c.dom[t.Day()]
	dowMatch := c.dow[int(t.Weekday())]

	switch {
	case c.domRestricted && c.dowRestricted:
		return domMatch || dowMatch
	case c.domRestricted:
		return domMatch
	case c.dowRestricted:
		return dowMatch
	default:
		return true
	}
}
