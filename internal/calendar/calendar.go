// Package calendar holds a file-backed calendar and answers free/busy
// queries against it.
package calendar

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Event is one busy block.
type Event struct {
	Title string    `yaml:"title"`
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Calendar is the on-disk document. DayStart and DayEnd bound working hours
// as "15:04" clock times and default to 09:00 and 17:00.
type Calendar struct {
	Timezone     string  `yaml:"timezone"`
	DayStart     string  `yaml:"day_start"`
	DayEnd       string  `yaml:"day_end"`
	SkipWeekends bool    `yaml:"skip_weekends"`
	Events       []Event `yaml:"events"`
}

// Block is a half-open [Start, End) interval.
type Block struct {
	Start time.Time
	End   time.Time
	Title string
}

var ErrInvalidEvent = errors.New("event end must be after start")

// Load reads and validates a calendar file.
func Load(path string) (*Calendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open calendar: %w", err)
	}
	defer f.Close()
	var c Calendar
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode calendar %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Calendar) Validate() error {
	var errs []error
	for i, e := range c.Events {
		if !e.End.After(e.Start) {
			errs = append(errs, fmt.Errorf("events[%d] %q: %w", i, e.Title, ErrInvalidEvent))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.workingHours(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location is the calendar's own timezone, UTC when unset.
func (c *Calendar) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Calendar) workingHours() (time.Duration, time.Duration, error) {
	start, err := clock(c.DayStart, 9*time.Hour)
	if err != nil {
		return 0, 0, fmt.Errorf("day_start: %w", err)
	}
	end, err := clock(c.DayEnd, 17*time.Hour)
	if err != nil {
		return 0, 0, fmt.Errorf("day_end: %w", err)
	}
	if end <= start {
		return 0, 0, errors.New("day_end must be after day_start")
	}
	return start, end, nil
}

func clock(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Busy returns the events overlapping [from, to), clipped and merged, sorted
// by start.
func (c *Calendar) Busy(from, to time.Time) []Block {
	var out []Block
	for _, e := range c.Events {
		if !e.End.After(from) || !e.Start.Before(to) {
			continue
		}
		b := Block{Start: e.Start, End: e.End, Title: e.Title}
		if b.Start.Before(from) {
			b.Start = from
		}
		if b.End.After(to) {
			b.End = to
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	merged := out[:0]
	for _, b := range out {
		if n := len(merged); n > 0 && !b.Start.After(merged[n-1].End) {
			if b.End.After(merged[n-1].End) {
				merged[n-1].End = b.End
			}
			merged[n-1].Title = joinTitle(merged[n-1].Title, b.Title)
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

func joinTitle(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + ", " + b
}

// Free returns the gaps between busy blocks inside working hours for each day
// in [from, to), evaluated in loc.
func (c *Calendar) Free(from, to time.Time, loc *time.Location) []Block {
	dayStart, dayEnd, err := c.workingHours()
	if err != nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	busy := c.Busy(from, to)
	var out []Block
	d := from.In(loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if c.SkipWeekends && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
			continue
		}
		ws, we := day.Add(dayStart), day.Add(dayEnd)
		if ws.Before(from) {
			ws = from
		}
		if we.After(to) {
			we = to
		}
		cur := ws
		for _, b := range busy {
			if !b.End.After(cur) || !b.Start.Before(we) {
				continue
			}
			if b.Start.After(cur) {
				out = append(out, Block{Start: cur, End: b.Start})
			}
			cur = b.End
		}
		if cur.Before(we) {
			out = append(out, Block{Start: cur, End: we})
		}
	}
	return out
}

// Format renders blocks one per line in loc.
func Format(blocks []Block, loc *time.Location) string {
	var b strings.Builder
	for _, blk := range blocks {
		fmt.Fprintf(&b, "%s - %s", blk.Start.In(loc).Format("Mon 2006-01-02 15:04"), blk.End.In(loc).Format("15:04"))
		if blk.Title != "" {
			fmt.Fprintf(&b, " (%s)", blk.Title)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
