package session

import (
	"testing"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
	"github.com/stretchr/testify/assert"
)

func TestAveragerCountClamp(t *testing.T) {
	assert.Equal(t, MinReadingCount, NewCellAverager(0).Capacity())
	assert.Equal(t, MinReadingCount, NewCellAverager(-3).Capacity())
	assert.Equal(t, MaxReadingCount, NewCellAverager(25).Capacity())
	assert.Equal(t, 5, NewCellAverager(5).Capacity())

	a := NewCellAverager(3)
	a.SetCapacity(100)
	assert.Equal(t, MaxReadingCount, a.Capacity())
}

func TestAveragerPushUntilFull(t *testing.T) {
	a := NewCellAverager(3)

	assert.True(t, a.Push(sample(3.65, 18.2)))
	assert.False(t, a.Full())
	assert.True(t, a.Push(sample(3.66, 18.3)))
	assert.True(t, a.Push(sample(3.67, 18.4)))
	assert.True(t, a.Full())

	// Pushing past capacity is refused.
	assert.False(t, a.Push(sample(3.68, 18.5)))
	assert.Equal(t, 3, a.Len())
}

func TestAveragerFinalize(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 15, 4, 0, time.UTC)

	a := NewCellAverager(3)
	a.Push(sample(3.60, 18.0))
	a.Push(sample(3.70, 18.3))
	a.Push(sample(3.80, 18.6))

	r := a.Finalize(4, "18650", now)
	assert.Equal(t, 4, r.CellIndex)
	assert.Equal(t, "18650", r.CellLabel)
	assert.Equal(t, "3.7000", r.Voltage)
	assert.Equal(t, "18.3000", r.Resistance)
	assert.Equal(t, meter.UnitMilliohm, r.Unit)
	assert.Equal(t, now, r.Timestamp)

	// Finalize drains the buffer for the next cycle.
	assert.Equal(t, 0, a.Len())
}

func TestAveragerFinalizeSingleSample(t *testing.T) {
	a := NewCellAverager(1)
	ohms := meter.Sample{Voltage: 3.6412, Resistance: 0.0182, Unit: meter.UnitOhm}
	a.Push(ohms)

	r := a.Finalize(1, "Custom", time.Now())
	assert.Equal(t, "3.6412", r.Voltage)
	assert.Equal(t, "0.0182", r.Resistance)
	assert.Equal(t, meter.UnitOhm, r.Unit)
}

func TestAveragerRemoveAt(t *testing.T) {
	a := NewCellAverager(3)
	a.Push(sample(3.60, 18.0))
	a.Push(sample(3.70, 18.3))
	a.Push(sample(3.80, 18.6))

	assert.False(t, a.RemoveAt(-1))
	assert.False(t, a.RemoveAt(3))

	assert.True(t, a.RemoveAt(1))
	assert.Equal(t, 2, a.Len())
	got := a.Samples()
	assert.InDelta(t, 3.60, got[0].Voltage, 1e-9)
	assert.InDelta(t, 3.80, got[1].Voltage, 1e-9)
	assert.False(t, a.Full())
}

func TestAveragerSamplesIsACopy(t *testing.T) {
	a := NewCellAverager(3)
	a.Push(sample(3.60, 18.0))

	got := a.Samples()
	got[0].Voltage = 99

	assert.InDelta(t, 3.60, a.Samples()[0].Voltage, 1e-9)
}

func TestAveragerClear(t *testing.T) {
	a := NewCellAverager(2)
	a.Push(sample(3.60, 18.0))
	a.Push(sample(3.70, 18.3))

	a.Clear()
	assert.Equal(t, 0, a.Len())
	assert.False(t, a.Full())
}
