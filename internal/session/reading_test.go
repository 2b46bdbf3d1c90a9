package session

import (
	"testing"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
	"github.com/stretchr/testify/assert"
)

func reading(cell int) Reading {
	return Reading{
		CellIndex:  cell,
		CellLabel:  "18650",
		Voltage:    "3.6412",
		Resistance: "18.2041",
		Unit:       meter.UnitMilliohm,
		Timestamp:  time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
	}
}

func TestLogAppendAndAdvance(t *testing.T) {
	l := NewReadingLog()
	assert.Equal(t, 1, l.ActiveCell())

	assert.True(t, l.Append(reading(1)))
	l.Advance()
	assert.Equal(t, 2, l.ActiveCell())
	assert.Equal(t, 1, l.Len())
}

func TestLogDuplicateAppendIgnored(t *testing.T) {
	l := NewReadingLog()

	first := reading(1)
	assert.True(t, l.Append(first))

	replay := reading(1)
	replay.Voltage = "9.9999"
	assert.False(t, l.Append(replay))

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, first.Voltage, l.Readings()[0].Voltage)
}

func TestLogRemoveByCellRepositionsActive(t *testing.T) {
	l := NewReadingLog()
	for i := 1; i <= 4; i++ {
		l.Append(reading(i))
		l.Advance()
	}
	assert.Equal(t, 5, l.ActiveCell())

	assert.True(t, l.RemoveByCell(2))
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 2, l.ActiveCell())

	assert.False(t, l.RemoveByCell(2))
	assert.False(t, l.RemoveByCell(99))
}

func TestLogClear(t *testing.T) {
	l := NewReadingLog()
	l.Append(reading(1))
	l.Advance()
	l.Append(reading(2))
	l.Advance()

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 1, l.ActiveCell())
}

func TestLogReplaceAll(t *testing.T) {
	l := NewReadingLog()
	l.Append(reading(1))
	l.Advance()

	l.ReplaceAll([]Reading{reading(3), reading(7), reading(5)})
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 8, l.ActiveCell())

	l.ReplaceAll(nil)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 1, l.ActiveCell())
}

func TestLogReadingsDescendingOrder(t *testing.T) {
	l := NewReadingLog()
	l.Append(reading(2))
	l.Append(reading(5))
	l.Append(reading(1))

	got := l.Readings()
	cells := []int{got[0].CellIndex, got[1].CellIndex, got[2].CellIndex}
	assert.Equal(t, []int{5, 2, 1}, cells)
}
