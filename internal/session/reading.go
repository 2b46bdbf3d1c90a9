package session

import (
	"sort"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
)

// Reading is one finalized per-cell result. Voltage and resistance are
// stored as the 4-decimal display strings the averager produced; a
// Reading is never mutated after creation.
type Reading struct {
	CellIndex  int        `json:"cellIndex"`
	CellLabel  string     `json:"cellLabel"`
	Voltage    string     `json:"voltage"`
	Resistance string     `json:"resistance"`
	Unit       meter.Unit `json:"unit"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ReadingLog is the ordered collection of finalized readings, keyed by
// cell number. It also owns the active cell index: the slot the next
// completed averaging cycle will fill.
type ReadingLog struct {
	readings map[int]Reading
	active   int
}

func NewReadingLog() *ReadingLog {
	return &ReadingLog{
		readings: make(map[int]Reading),
		active:   1,
	}
}

// ActiveCell returns the cell index the next completed cycle records to.
func (l *ReadingLog) ActiveCell() int { return l.active }

// Advance moves the active cell to the next slot. Called after a cycle
// completes.
func (l *ReadingLog) Advance() { l.active++ }

// Append inserts a reading unless its cell index is already taken.
// Duplicate appends are silently ignored so a replayed completion can
// never clobber an existing result.
func (l *ReadingLog) Append(r Reading) bool {
	if _, ok := l.readings[r.CellIndex]; ok {
		return false
	}
	l.readings[r.CellIndex] = r
	return true
}

// RemoveByCell deletes the reading for cell i and repositions the
// active cell to i, so the next completed cycle retests that slot.
func (l *ReadingLog) RemoveByCell(i int) bool {
	if _, ok := l.readings[i]; !ok {
		return false
	}
	delete(l.readings, i)
	l.active = i
	return true
}

// Clear empties the log and resets the active cell to 1.
func (l *ReadingLog) Clear() {
	l.readings = make(map[int]Reading)
	l.active = 1
}

// ReplaceAll swaps in an imported set of readings and recomputes the
// active cell as one past the highest imported index.
func (l *ReadingLog) ReplaceAll(rs []Reading) {
	l.readings = make(map[int]Reading, len(rs))
	maxCell := 0
	for _, r := range rs {
		l.readings[r.CellIndex] = r
		if r.CellIndex > maxCell {
			maxCell = r.CellIndex
		}
	}
	l.active = maxCell + 1
}

// Len returns the number of readings in the log.
func (l *ReadingLog) Len() int { return len(l.readings) }

// Readings returns the log ordered by descending cell index, the
// default display order. Any other sort is the client's concern.
func (l *ReadingLog) Readings() []Reading {
	out := make([]Reading, 0, len(l.readings))
	for _, r := range l.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CellIndex > out[j].CellIndex
	})
	return out
}
