package planboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/gridflex/protocol"
)

func TestGate_Closed(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	clock, err := protocol.NewPTUClock(15*time.Minute, loc)
	require.NoError(t, err)

	gate := NewGate(clock, 6*time.Hour)
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	// Gate for Friday closes Thursday 18:00.
	closes := gate.ClosesAt(period)
	assert.Equal(t, time.Date(2026, time.March, 12, 18, 0, 0, 0, loc), closes)

	assert.False(t, gate.Closed(period, closes.Add(-time.Second)))
	assert.True(t, gate.Closed(period, closes))
	assert.True(t, gate.Closed(period, closes.Add(time.Hour)))
}

func TestGate_SlotClosed(t *testing.T) {
	clock, err := protocol.NewPTUClock(15*time.Minute, time.UTC)
	require.NoError(t, err)

	gate := NewGate(clock, 15*time.Minute)
	period := protocol.Period{Year: 2026, Month: time.March, Day: 13}

	// Slot 33 starts at 08:00; a 15-minute lead closes it at 07:45.
	slot33 := time.Date(2026, time.March, 13, 8, 0, 0, 0, time.UTC)
	assert.False(t, gate.SlotClosed(period, 33, slot33.Add(-30*time.Minute)))
	assert.True(t, gate.SlotClosed(period, 33, slot33.Add(-5*time.Minute)))
	assert.True(t, gate.SlotClosed(period, 33, slot33))
	assert.True(t, gate.SlotClosed(period, 33, slot33.Add(time.Minute)))
}
