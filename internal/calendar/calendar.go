// Package calendar answers trading-day questions for the scan pipeline:
// whether a date is a session day and which session preceded it. Holiday
// sets are data-driven per year and shipped for 2024-2026; renewal is an
// operator task.
package calendar

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// DefaultMaxLookback bounds how many calendar days PreviousTradingDay walks
// backward before giving up (covers long weekends plus an adjacent holiday).
const DefaultMaxLookback = 10

// TradingCalendar is the narrow interface scan components depend on.
type TradingCalendar interface {
	IsTradingDay(d time.Time) bool
	PreviousTradingDay(d time.Time) (time.Time, error)
}

// Calendar implements TradingCalendar over a weekend rule plus an explicit
// holiday set.
type Calendar struct {
	holidays    map[string]struct{}
	maxLookback int
}

// File is the YAML shape of a calendar data file: per-year holiday lists.
type File struct {
	Years map[int][]string `yaml:"years"`
}

// New builds a calendar from explicit holiday dates.
func New(holidays []time.Time) *Calendar {
	c := &Calendar{
		holidays:    make(map[string]struct{}, len(holidays)),
		maxLookback: DefaultMaxLookback,
	}
	for _, h := range holidays {
		c.holidays[h.UTC().Format(dateLayout)] = struct{}{}
	}
	return c
}

// Load reads a YAML calendar file and merges it over the built-in defaults,
// so a data file only needs to carry years the defaults lack.
func Load(path string) (*Calendar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse calendar file: %w", err)
	}

	c := Default()
	for year, days := range f.Years {
		for _, d := range days {
			t, err := time.Parse(dateLayout, d)
			if err != nil {
				return nil, fmt.Errorf("calendar year %d: bad date %q: %w", year, d, err)
			}
			c.holidays[t.Format(dateLayout)] = struct{}{}
		}
	}
	return c, nil
}

// Default returns the US equity-market calendar for 2024-2026.
func Default() *Calendar {
	days := []string{
		// 2024
		"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29",
		"2024-05-27", "2024-06-19", "2024-07-04", "2024-09-02",
		"2024-11-28", "2024-12-25",
		// 2025
		"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17",
		"2025-04-18", "2025-05-26", "2025-06-19", "2025-07-04",
		"2025-09-01", "2025-11-27", "2025-12-25",
		// 2026
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
		"2026-11-26", "2026-12-25",
	}
	c := &Calendar{
		holidays:    make(map[string]struct{}, len(days)),
		maxLookback: DefaultMaxLookback,
	}
	for _, d := range days {
		c.holidays[d] = struct{}{}
	}
	return c
}

// IsTradingDay reports whether d is a weekday outside the holiday set.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	d = d.UTC()
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d.Format(dateLayout)]
	return !holiday
}

// PreviousTradingDay returns the most recent trading day strictly before d,
// scanning backward at most maxLookback calendar days.
func (c *Calendar) PreviousTradingDay(d time.Time) (time.Time, error) {
	y, m, day := d.UTC().Date()
	cur := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	for i := 0; i < c.maxLookback; i++ {
		cur = cur.AddDate(0, 0, -1)
		if c.IsTradingDay(cur) {
			return cur, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day within %d days before %s", c.maxLookback, d.Format(dateLayout))
}

// NextTradingDay returns the first trading day strictly after d, scanning
// forward at most maxLookback calendar days. The scheduler uses it to skip
// closed sessions.
func (c *Calendar) NextTradingDay(d time.Time) (time.Time, error) {
	y, m, day := d.UTC().Date()
	cur := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	for i := 0; i < c.maxLookback; i++ {
		cur = cur.AddDate(0, 0, 1)
		if c.IsTradingDay(cur) {
			return cur, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day within %d days after %s", c.maxLookback, d.Format(dateLayout))
}

// HolidayCount returns the number of holidays loaded (diagnostics only).
func (c *Calendar) HolidayCount() int {
	return len(c.holidays)
}
