package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Granularity is a calendar-aware step. Years and Months are applied with
// end-of-month clamping, Days as calendar days, Duration as wall time.
type Granularity struct {
	Years    int
	Months   int
	Days     int
	Duration time.Duration

	text string
}

// Common granularities.
var (
	Hourly  = Granularity{Duration: time.Hour, text: "1h"}
	Daily   = Granularity{Days: 1, text: "1d"}
	Weekly  = Granularity{Days: 7, text: "1w"}
	Monthly = Granularity{Months: 1, text: "1mo"}
	Yearly  = Granularity{Years: 1, text: "1y"}
)

var granularityPattern = regexp.MustCompile(`^(-?\d+)\s*([a-z]+)$`)

// ParseGranularity accepts forms such as "1 month", "1mo", "2w", "7 days",
// "1y", "6h", "90min", "quarterly" and plain Go durations ("36h").
// A parsed step that would not advance is reported as *DegenerateGranularityError.
func ParseGranularity(s string) (Granularity, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return Granularity{}, fmt.Errorf("granularity is empty")
	}

	switch text {
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "quarterly":
		return Granularity{Months: 3, text: "3mo"}, nil
	case "yearly", "annually":
		return Yearly, nil
	}

	m := granularityPattern.FindStringSubmatch(text)
	if m == nil {
		d, err := time.ParseDuration(text)
		if err != nil {
			return Granularity{}, fmt.Errorf("invalid granularity %q", s)
		}
		g := Granularity{Duration: d, text: text}
		return g, g.check(s)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Granularity{}, fmt.Errorf("invalid granularity %q: %w", s, err)
	}

	var g Granularity
	switch m[2] {
	case "y", "yr", "yrs", "year", "years":
		g = Granularity{Years: n, text: fmt.Sprintf("%dy", n)}
	case "q", "quarter", "quarters":
		g = Granularity{Months: 3 * n, text: fmt.Sprintf("%dmo", 3*n)}
	case "mo", "mon", "month", "months":
		g = Granularity{Months: n, text: fmt.Sprintf("%dmo", n)}
	case "w", "wk", "week", "weeks":
		g = Granularity{Days: 7 * n, text: fmt.Sprintf("%dd", 7*n)}
	case "d", "day", "days":
		g = Granularity{Days: n, text: fmt.Sprintf("%dd", n)}
	case "h", "hr", "hour", "hours":
		g = Granularity{Duration: time.Duration(n) * time.Hour, text: fmt.Sprintf("%dh", n)}
	case "m", "min", "mins", "minute", "minutes":
		g = Granularity{Duration: time.Duration(n) * time.Minute, text: fmt.Sprintf("%dm", n)}
	case "s", "sec", "secs", "second", "seconds":
		g = Granularity{Duration: time.Duration(n) * time.Second, text: fmt.Sprintf("%ds", n)}
	default:
		return Granularity{}, fmt.Errorf("invalid granularity %q: unknown unit %q", s, m[2])
	}
	return g, g.check(s)
}

// MustParseGranularity is ParseGranularity for constants; it panics on error.
func MustParseGranularity(s string) Granularity {
	g, err := ParseGranularity(s)
	if err != nil {
		panic(err)
	}
	return g
}

// check rejects steps that do not move forward from every anchor: any
// negative component, or all components zero.
func (g Granularity) check(input string) error {
	if g.Years < 0 || g.Months < 0 || g.Days < 0 || g.Duration < 0 {
		return &DegenerateGranularityError{Granularity: input}
	}
	if g.Years == 0 && g.Months == 0 && g.Days == 0 && g.Duration == 0 {
		return &DegenerateGranularityError{Granularity: input}
	}
	return nil
}

// String returns a compact, re-parseable form.
func (g Granularity) String() string {
	if g.text != "" {
		return g.text
	}
	var parts []string
	if g.Years != 0 {
		parts = append(parts, fmt.Sprintf("%dy", g.Years))
	}
	if g.Months != 0 {
		parts = append(parts, fmt.Sprintf("%dmo", g.Months))
	}
	if g.Days != 0 {
		parts = append(parts, fmt.Sprintf("%dd", g.Days))
	}
	if g.Duration != 0 {
		parts = append(parts, g.Duration.String())
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, "")
}

// IsCalendar reports whether every boundary lands on midnight when the
// anchor does, so windows can be rendered as dates.
func (g Granularity) IsCalendar() bool {
	return g.Duration == 0
}

// step returns anchor advanced k steps. Month arithmetic is computed from the
// anchor (not the previous boundary) and clamped to the last day of the target
// month, so Jan 31 + 1mo = Feb 28/29 and Jan 31 + 2mo = Mar 31.
func (g Granularity) step(anchor time.Time, k int) time.Time {
	t := anchor
	if months := 12*g.Years*k + g.Months*k; months != 0 {
		t = addMonthsClamped(t, months)
	}
	if g.Days != 0 {
		t = t.AddDate(0, 0, g.Days*k)
	}
	if g.Duration != 0 {
		t = t.Add(time.Duration(k) * g.Duration)
	}
	return t
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	ty := y + floorDiv(total, 12)
	tm := time.Month(floorMod(total, 12) + 1)
	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
