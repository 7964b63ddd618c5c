package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// commonPatterns maps frequently used expressions to a readable form
var commonPatterns = map[string]string{
	"0 9 * * *":       "every day at 09:00",
	"0 */6 * * *":     "every 6 hours",
	"0 9 * * 1-5":     "weekdays at 09:00",
	"0 0 * * 0":       "every Sunday at midnight",
	"0 0 1 * *":       "on the 1st of every month at midnight",
	"*/30 * * * *":    "every 30 minutes",
	"0 */2 * * *":     "every 2 hours",
	"0 8,12,18 * * *": "every day at 08:00, 12:00 and 18:00",
}

// LoadLocation resolves a task timezone, falling back to DefaultTimezone when empty
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return loc, nil
}

func parseSchedule(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCronExpression)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, expr, err)
	}
	return sched, nil
}

// NextRun returns the first instant after from at which expr fires in tz.
// A zero from means now. The from instant is evaluated as wall time in tz
// and the result is always returned in UTC.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	sched, err := parseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	if from.IsZero() {
		from = time.Now()
	}

	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, expr)
	}
	return next.UTC(), nil
}

// LocalizeWallTime interprets a zone-less wall clock reading as a time in tz.
// task add uses it for the --from flag, e.g. "2024-01-01 09:00".
func LocalizeWallTime(wall time.Time, tz string) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc), nil
}

// IsDue reports whether next falls inside the tolerance window around now.
func IsDue(next time.Time, tolerance time.Duration) bool {
	return IsDueAt(next, time.Now(), tolerance)
}

// IsDueAt reports whether now-next lies in [-tolerance, 2*tolerance].
// The window is intentionally asymmetric: a task becomes eligible slightly
// early and stays eligible for twice the tolerance afterwards.
func IsDueAt(next, now time.Time, tolerance time.Duration) bool {
	diff := now.Sub(next)
	return diff >= -tolerance && diff <= 2*tolerance
}

// Validate checks that expr is a valid 5-field cron expression
func Validate(expr string) error {
	_, err := parseSchedule(expr)
	return err
}

// NextN returns the next n run instants after from, in UTC
func NextN(expr, tz string, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if from.IsZero() {
		from = time.Now()
	}

	times := make([]time.Time, 0, n)
	cursor := from
	for i := 0; i < n; i++ {
		next, err := NextRun(expr, tz, cursor)
		if err != nil {
			return nil, err
		}
		times = append(times, next)
		cursor = next
	}
	return times, nil
}

// Describe returns a human readable description of expr
func Describe(expr, tz string, from time.Time) string {
	if desc, ok := commonPatterns[strings.TrimSpace(expr)]; ok {
		return desc
	}

	times, err := NextN(expr, tz, from, 3)
	if err != nil {
		return "invalid cron expression"
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return "invalid cron expression"
	}

	formatted := make([]string, len(times))
	for i, t := range times {
		formatted[i] = t.In(loc).Format("2006-01-02 15:04")
	}
	return "next runs: " + strings.Join(formatted, ", ")
}
