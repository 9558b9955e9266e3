// Package cronexpr evaluates 5-field cron expressions.
//
// It wraps the robfig/cron standard parser and adds a Previous computation,
// which the upstream library does not expose. Next and Previous are pure
// functions of (schedule, instant); no state is kept between calls.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron marks a cron expression that failed to parse.
// Callers reject such expressions at create/edit time and skip them
// (with a log line) at queue-build time.
var ErrInvalidCron = errors.New("invalid cron expression")

// Schedule is a parsed cron expression.
type Schedule = cron.Schedule

// Parse parses a standard 5-field cron expression
// (minute, hour, day-of-month, month, day-of-week) supporting
// "*", ranges, lists and steps.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return s, nil
}

// Next returns the first fire instant strictly after from.
func Next(s Schedule, from time.Time) time.Time {
	return s.Next(from)
}

// maxLookback bounds the Previous window scan. Five years covers the rarest
// standard expression (Feb 29) with margin.
const maxLookback = 5 * 366 * 24 * time.Hour

// Previous returns the last fire instant strictly before from, or the zero
// time if no fire occurs within the lookback horizon. Strictly-before keeps
// the round trip stable: Next(Previous(f)) == f for any fire instant f.
//
// robfig/cron only computes forward, so this walks Next() over a window
// ending at from, doubling the window until a fire is found. The cost is
// proportional to the number of fires inside the smallest matching window,
// so frequent expressions resolve in a handful of iterations.
func Previous(s Schedule, from time.Time) time.Time {
	for window := time.Hour; window <= maxLookback; window *= 2 {
		lo := from.Add(-window)
		var prev time.Time
		for cur := lo; ; {
			n := s.Next(cur)
			if n.IsZero() || !n.Before(from) {
				break
			}
			prev = n
			cur = n
		}
		if !prev.IsZero() {
			return prev
		}
	}
	return time.Time{}
}
