// Package plan partitions a time range into contiguous, half-open windows.
//
// Plans are pure functions of (table, start, end, granularity): nothing is
// persisted, and a resumed run regenerates the exact same windows.
package plan

import (
	"fmt"
	"iter"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// DateAligned reports whether both bounds sit on UTC midnight.
func (w Window) DateAligned() bool {
	return isMidnight(w.Start) && isMidnight(w.End)
}

// String renders [start, end) using dates when possible.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", FormatBound(w.Start, w.DateAligned()), FormatBound(w.End, w.DateAligned()))
}

// FormatBound renders a bound as YYYY-MM-DD or RFC3339.
func FormatBound(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.UTC().Format(dateLayout)
	}
	return t.UTC().Format(time.RFC3339)
}

// Plan is the ordered set of windows for one table.
type Plan struct {
	Table       string
	Start       time.Time
	End         time.Time
	Granularity Granularity
}

// New validates the range and granularity. start == end yields an empty plan.
func New(table string, start, end time.Time, g Granularity) (*Plan, error) {
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return nil, &InvalidRangeError{Start: start, End: end}
	}
	if err := g.check(g.String()); err != nil {
		return nil, err
	}
	return &Plan{Table: table, Start: start, End: end, Granularity: g}, nil
}

// Windows yields windows in ascending order. The sequence is lazy and may be
// ranged over any number of times.
func (p *Plan) Windows() iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if !p.Start.Before(p.End) {
			return
		}
		lo := p.Start
		for k := 1; ; k++ {
			hi := p.Granularity.step(p.Start, k)
			if !hi.After(lo) {
				return
			}
			if hi.After(p.End) {
				hi = p.End
			}
			if !yield(Window{Start: lo, End: hi}) {
				return
			}
			if !hi.Before(p.End) {
				return
			}
			lo = hi
		}
	}
}

// Collect materializes the plan.
func (p *Plan) Collect() []Window {
	var out []Window
	for w := range p.Windows() {
		out = append(out, w)
	}
	return out
}

// Len counts the windows without keeping them.
func (p *Plan) Len() int {
	n := 0
	for range p.Windows() {
		n++
	}
	return n
}

// ParseDate parses YYYY-MM-DD, "YYYY-MM-DD HH:MM:SS" or RFC3339 as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dateLayout, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid value %q: expected YYYY-MM-DD or RFC3339", s)
}

// ParseRange parses both bounds and checks ordering.
func ParseRange(from, to string) (time.Time, time.Time, error) {
	start, err := ParseDate(from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start date: %w", err)
	}
	end, err := ParseDate(to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end date: %w", err)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, &InvalidRangeError{Start: start, End: end}
	}
	return start, end, nil
}

func isMidnight(t time.Time) bool {
	t = t.UTC()
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
