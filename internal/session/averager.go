package session

import (
	"fmt"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
)

// Reading count bounds for an averaging cycle.
const (
	MinReadingCount = 1
	MaxReadingCount = 20
)

// CellAverager accumulates stable samples for the cell currently under
// test and turns a full buffer into one finalized Reading. All samples
// in one cycle share a unit — the stability detector requires a unit
// match before any sample reaches the buffer.
type CellAverager struct {
	buf      []meter.Sample
	capacity int
}

// NewCellAverager creates an averager with the given target count,
// clamped to the configurable range.
func NewCellAverager(capacity int) *CellAverager {
	return &CellAverager{capacity: clampCount(capacity)}
}

func clampCount(n int) int {
	if n < MinReadingCount {
		return MinReadingCount
	}
	if n > MaxReadingCount {
		return MaxReadingCount
	}
	return n
}

// SetCapacity adjusts the target count for subsequent cycles. Samples
// already buffered are kept; a shrink below the current fill leaves the
// buffer ready to finalize on the next push check.
func (a *CellAverager) SetCapacity(n int) {
	a.capacity = clampCount(n)
}

// Push appends a stable sample to the current cycle. Returns false once
// the buffer is full; lifecycle gating means this should not happen in
// normal operation.
func (a *CellAverager) Push(s meter.Sample) bool {
	if len(a.buf) >= a.capacity {
		return false
	}
	a.buf = append(a.buf, s)
	return true
}

// Full reports whether the cycle has collected its target count.
func (a *CellAverager) Full() bool { return len(a.buf) >= a.capacity }

func (a *CellAverager) Len() int      { return len(a.buf) }
func (a *CellAverager) Capacity() int { return a.capacity }

// Samples returns a copy of the buffered sub-readings for display.
func (a *CellAverager) Samples() []meter.Sample {
	out := make([]meter.Sample, len(a.buf))
	copy(out, a.buf)
	return out
}

// RemoveAt deletes the buffered sub-reading at position i (0-based).
// Used when the operator rejects one sub-reading mid-cycle. Capacity is
// unchanged; the caller resets stability state so the replacement
// sample stabilizes cleanly.
func (a *CellAverager) RemoveAt(i int) bool {
	if i < 0 || i >= len(a.buf) {
		return false
	}
	a.buf = append(a.buf[:i], a.buf[i+1:]...)
	return true
}

// Clear drops any buffered samples without producing a reading.
func (a *CellAverager) Clear() { a.buf = a.buf[:0] }

// Finalize computes the arithmetic mean of the buffered samples,
// formats both quantities to four decimal places, stamps the reading
// and clears the buffer. The caller supplies the active cell index and
// effective label and advances the cell afterwards.
func (a *CellAverager) Finalize(cell int, label string, now time.Time) Reading {
	n := float64(len(a.buf))
	var vSum, rSum float64
	for _, s := range a.buf {
		vSum += s.Voltage
		rSum += s.Resistance
	}
	unit := meter.UnitMilliohm
	if len(a.buf) > 0 {
		unit = a.buf[0].Unit
	}

	r := Reading{
		CellIndex:  cell,
		CellLabel:  label,
		Voltage:    fmt.Sprintf("%.4f", vSum/n),
		Resistance: fmt.Sprintf("%.4f", rSum/n),
		Unit:       unit,
		Timestamp:  now,
	}
	a.Clear()
	return r
}
