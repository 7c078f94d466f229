// Package dates handles the DD/MM/YYYY date format used at the API boundary.
package dates

import (
	"fmt"
	"time"
)

// Layout is the boundary date layout (DD/MM/YYYY).
const Layout = "02/01/2006"

// InvalidFormatError reports a date string that does not match the boundary layout.
type InvalidFormatError struct {
	Input string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid date format %q: expected DD/MM/YYYY", e.Input)
}

// Parse parses a boundary date string into a calendar date (UTC, midnight).
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, s, time.UTC)
	if err != nil {
		return time.Time{}, &InvalidFormatError{Input: s}
	}
	return t, nil
}

// Format renders a calendar date in the boundary layout.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// DaysBetween returns the number of whole calendar days from a to b.
// Negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
