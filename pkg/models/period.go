package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// GlobalPeriod is the all-time leaderboard key.
const GlobalPeriod = "global"

// ErrInvalidPeriod is returned for malformed leaderboard period keys.
var ErrInvalidPeriod = errors.New("invalid leaderboard period")

var weeklyKeyPattern = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// WeeklyPeriodKey returns the ISO-8601 week key ("2025-W01") of t's UTC date.
// The ISO year is the year of the week's Thursday, so late-December and
// early-January dates can belong to the neighbouring year.
func WeeklyPeriodKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// PeriodKey returns the leaderboard key of kind for the instant t.
func PeriodKey(kind PeriodKind, t time.Time) string {
	if kind == PeriodWeekly {
		return WeeklyPeriodKey(t)
	}
	return GlobalPeriod
}

// ParsePeriod validates a leaderboard key. It accepts "global", an explicit
// "YYYY-Www" key, and the aliases "weekly"/"current" which resolve to the
// week containing now.
func ParsePeriod(s string, now time.Time) (string, error) {
	switch s {
	case GlobalPeriod:
		return GlobalPeriod, nil
	case string(PeriodWeekly), "current":
		return WeeklyPeriodKey(now), nil
	}

	m := weeklyKeyPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])
	if week < 1 || week > isoWeeksInYear(year) {
		return "", fmt.Errorf("%w: %q has no week %d", ErrInvalidPeriod, s, week)
	}
	return s, nil
}

// isoWeeksInYear returns 52 or 53. December 28 is always in the last ISO week.
func isoWeeksInYear(year int) int {
	_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}

// DayWindow returns the UTC calendar day containing t as [start, end).
func DayWindow(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// WeekWindow returns the ISO week containing t as [Monday, next Monday) in UTC.
func WeekWindow(t time.Time) (time.Time, time.Time) {
	start, _ := DayWindow(t)
	start = start.AddDate(0, 0, -((int(start.Weekday()) + 6) % 7))
	return start, start.AddDate(0, 0, 7)
}

// PeriodWindow returns the time range [start, end) that feeds a period key.
// The global period spans all of time.
func PeriodWindow(key string) (time.Time, time.Time, error) {
	if key == GlobalPeriod {
		return time.UnixMilli(0).UTC(), time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	m := weeklyKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, key)
	}
	if _, err := ParsePeriod(key, time.Time{}); err != nil {
		return time.Time{}, time.Time{}, err
	}
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])

	// January 4 always falls in ISO week 1
	firstWeek, _ := WeekWindow(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	start := firstWeek.AddDate(0, 0, 7*(week-1))
	return start, start.AddDate(0, 0, 7), nil
}
