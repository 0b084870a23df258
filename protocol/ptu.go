package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Period is a calendar day in a market time zone. Documents are indexed by
// period; slot arithmetic inside a period is DST-aware, so a period spanning
// a clock change has fewer or more slots than a regular day.
type Period struct {
	Year  int
	Month time.Month
	Day   int
}

// NewPeriod returns the period containing t in t's location.
func NewPeriod(t time.Time) Period {
	y, m, d := t.Date()
	return Period{Year: y, Month: m, Day: d}
}

// ParsePeriod parses a period in YYYY-MM-DD form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: %w", s, err)
	}
	return NewPeriod(t), nil
}

// IsZero returns true for the zero period.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0 && p.Day == 0
}

// String returns the period in YYYY-MM-DD form.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", p.Year, p.Month, p.Day)
}

// Start returns midnight at the start of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	return time.Date(p.Year, p.Month, p.Day, 0, 0, 0, 0, loc)
}

// Next returns the following calendar day.
func (p Period) Next() Period {
	return NewPeriod(p.Start(time.UTC).AddDate(0, 0, 1))
}

// Prev returns the preceding calendar day.
func (p Period) Prev() Period {
	return NewPeriod(p.Start(time.UTC).AddDate(0, 0, -1))
}

// Equal reports whether two periods are the same day.
func (p Period) Equal(o Period) bool {
	return p.Year == o.Year && p.Month == o.Month && p.Day == o.Day
}

// Before reports whether p is an earlier day than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	if p.Month != o.Month {
		return p.Month < o.Month
	}
	return p.Day < o.Day
}

// MarshalJSON encodes the period as a YYYY-MM-DD string.
func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the period from a YYYY-MM-DD string.
func (p *Period) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PTUClock performs slot arithmetic for a fixed PTU duration in a market
// time zone. Slot indices are 1-based within a period.
type PTUClock struct {
	duration time.Duration
	loc      *time.Location
}

// NewPTUClock returns a clock for the given slot duration and location. The
// duration must evenly divide an hour so clock changes land on slot
// boundaries.
func NewPTUClock(duration time.Duration, loc *time.Location) (*PTUClock, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("ptu duration must be positive, got %v", duration)
	}
	if time.Hour%duration != 0 {
		return nil, fmt.Errorf("ptu duration %v must evenly divide an hour", duration)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &PTUClock{duration: duration, loc: loc}, nil
}

// Duration returns the PTU duration.
func (c *PTUClock) Duration() time.Duration {
	return c.duration
}

// Location returns the market time zone.
func (c *PTUClock) Location() *time.Location {
	return c.loc
}

// SlotsPerDay returns the number of slots in the period, accounting for DST
// transitions. A 15-minute PTU yields 96 on a regular day, 92 on the
// spring-forward day, and 100 on the fall-back day.
func (c *PTUClock) SlotsPerDay(p Period) int {
	start := p.Start(c.loc)
	end := p.Next().Start(c.loc)
	return int(end.Sub(start) / c.duration)
}

// SlotAt returns the period and 1-based slot index containing t.
func (c *PTUClock) SlotAt(t time.Time) (Period, int) {
	local := t.In(c.loc)
	p := NewPeriod(local)
	elapsed := local.Sub(p.Start(c.loc))
	return p, int(elapsed/c.duration) + 1
}

// SlotStart returns the wall-clock start of the given slot within p. Slot
// indices past the end of the period roll into following days.
func (c *PTUClock) SlotStart(p Period, slot int) time.Time {
	return p.Start(c.loc).Add(time.Duration(slot-1) * c.duration)
}

// SlotsUntil returns how many whole slots remain between t and the start of
// the given slot in p. Zero or negative means the slot has begun or passed.
func (c *PTUClock) SlotsUntil(t time.Time, p Period, slot int) int {
	return int(c.SlotStart(p, slot).Sub(t.In(c.loc)) / c.duration)
}
