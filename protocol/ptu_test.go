package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amsterdam(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	return loc
}

func TestNewPTUClock_Validation(t *testing.T) {
	_, err := NewPTUClock(0, time.UTC)
	assert.Error(t, err)

	_, err = NewPTUClock(-15*time.Minute, time.UTC)
	assert.Error(t, err)

	_, err = NewPTUClock(25*time.Minute, time.UTC)
	assert.Error(t, err, "25 minutes does not divide an hour")

	c, err := NewPTUClock(15*time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, c.Location(), "nil location defaults to UTC")
}

func TestPTUClock_SlotsPerDay_DST(t *testing.T) {
	loc := amsterdam(t)
	c, err := NewPTUClock(15*time.Minute, loc)
	require.NoError(t, err)

	// Regular day.
	assert.Equal(t, 96, c.SlotsPerDay(Period{Year: 2026, Month: time.March, Day: 12}))

	// Spring forward: 2026-03-29 in Amsterdam loses an hour.
	assert.Equal(t, 92, c.SlotsPerDay(Period{Year: 2026, Month: time.March, Day: 29}))

	// Fall back: 2026-10-25 gains an hour.
	assert.Equal(t, 100, c.SlotsPerDay(Period{Year: 2026, Month: time.October, Day: 25}))
}

func TestPTUClock_SlotAt(t *testing.T) {
	loc := amsterdam(t)
	c, err := NewPTUClock(15*time.Minute, loc)
	require.NoError(t, err)

	p, slot := c.SlotAt(time.Date(2026, time.March, 12, 0, 0, 0, 0, loc))
	assert.Equal(t, Period{Year: 2026, Month: time.March, Day: 12}, p)
	assert.Equal(t, 1, slot, "midnight starts slot 1")

	_, slot = c.SlotAt(time.Date(2026, time.March, 12, 0, 14, 59, 0, loc))
	assert.Equal(t, 1, slot)

	_, slot = c.SlotAt(time.Date(2026, time.March, 12, 0, 15, 0, 0, loc))
	assert.Equal(t, 2, slot)

	_, slot = c.SlotAt(time.Date(2026, time.March, 12, 23, 45, 0, 0, loc))
	assert.Equal(t, 96, slot)

	// On the spring-forward day 04:00 local is only 3 wall-clock hours
	// after midnight, so it opens slot 13, not slot 17.
	_, slot = c.SlotAt(time.Date(2026, time.March, 29, 4, 0, 0, 0, loc))
	assert.Equal(t, 13, slot)
}

func TestPTUClock_SlotStart_RoundTrips(t *testing.T) {
	loc := amsterdam(t)
	c, err := NewPTUClock(15*time.Minute, loc)
	require.NoError(t, err)

	p := Period{Year: 2026, Month: time.October, Day: 25}
	for _, slot := range []int{1, 8, 9, 50, 100} {
		start := c.SlotStart(p, slot)
		gotPeriod, gotSlot := c.SlotAt(start)
		assert.Equal(t, p, gotPeriod, "slot %d", slot)
		assert.Equal(t, slot, gotSlot, "slot %d", slot)
	}
}

func TestPTUClock_SlotsUntil(t *testing.T) {
	c, err := NewPTUClock(15*time.Minute, time.UTC)
	require.NoError(t, err)

	p := Period{Year: 2026, Month: time.March, Day: 12}
	now := time.Date(2026, time.March, 12, 10, 0, 0, 0, time.UTC) // slot 41 starts here

	assert.Equal(t, 4, c.SlotsUntil(now, p, 45))
	assert.Equal(t, 0, c.SlotsUntil(now, p, 41), "current slot has begun")
	assert.Negative(t, c.SlotsUntil(now, p, 30))
}

func TestPeriod_Ordering(t *testing.T) {
	a := Period{Year: 2026, Month: time.March, Day: 12}
	b := Period{Year: 2026, Month: time.March, Day: 13}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, a.Equal(a))
	assert.Equal(t, b, a.Next())
	assert.Equal(t, a, b.Prev())
}

func TestPeriod_JSON(t *testing.T) {
	p := Period{Year: 2026, Month: time.March, Day: 5}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `"2026-03-05"`, string(data))

	var decoded Period
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p, decoded)

	assert.Error(t, json.Unmarshal([]byte(`"12-03-2026"`), &decoded))
}
