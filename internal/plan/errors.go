package plan

import (
	"fmt"
	"time"
)

// InvalidRangeError is returned when the range start is after its end.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start %s is after end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ExitCode reports a configuration error.
func (e *InvalidRangeError) ExitCode() int { return 1 }

// DegenerateGranularityError is returned for a step that does not advance.
type DegenerateGranularityError struct {
	Granularity string
}

func (e *DegenerateGranularityError) Error() string {
	return fmt.Sprintf("granularity %q does not advance (must be positive)", e.Granularity)
}

// ExitCode reports a configuration error.
func (e *DegenerateGranularityError) ExitCode() int { return 1 }
