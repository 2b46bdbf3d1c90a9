package session

import (
	"math"

	"github.com/astanton/acir-dash/internal/meter"
)

// StableComparisons is the number of consecutive within-tolerance
// pairwise comparisons required to confirm a reading. 10 comparisons
// means 11 raw samples each within tolerance of its predecessor.
const StableComparisons = 10

// Stability thresholds. Two pairs shipped in different firmware-era
// builds of the desktop tool; which pair suits a given bench depends on
// the meter's noise floor, so both stay available and the pair in force
// comes from configuration. The reference pair is the default.
const (
	ReferenceVoltageThreshold    = 0.01
	ReferenceResistanceThreshold = 0.002

	LegacyVoltageThreshold    = 0.001
	LegacyResistanceThreshold = 0.01
)

// StabilityDetector tracks consecutive near-equal sample pairs. It is a
// pure debounce: each sample is compared only against its immediate
// predecessor, never against a window average, and the predecessor is
// replaced on every observation regardless of the outcome.
type StabilityDetector struct {
	voltageThreshold    float64
	resistanceThreshold float64

	prevVoltage    float64
	prevResistance float64
	prevUnit       meter.Unit
	hasPrev        bool

	count int
}

// NewStabilityDetector creates a detector with the given thresholds.
// Non-positive thresholds fall back to the reference pair.
func NewStabilityDetector(voltageThreshold, resistanceThreshold float64) *StabilityDetector {
	if voltageThreshold <= 0 {
		voltageThreshold = ReferenceVoltageThreshold
	}
	if resistanceThreshold <= 0 {
		resistanceThreshold = ReferenceResistanceThreshold
	}
	return &StabilityDetector{
		voltageThreshold:    voltageThreshold,
		resistanceThreshold: resistanceThreshold,
	}
}

// Observe consumes the next sample and reports whether it extends the
// stable run. The first sample after a reset can never itself be
// stable: it only seeds the baseline.
func (d *StabilityDetector) Observe(s meter.Sample) bool {
	if !d.hasPrev {
		d.store(s)
		return false
	}

	stable := math.Abs(s.Voltage-d.prevVoltage) < d.voltageThreshold &&
		math.Abs(s.Resistance-d.prevResistance) < d.resistanceThreshold &&
		s.Unit == d.prevUnit

	if stable {
		d.count++
	} else {
		d.count = 0
	}
	d.store(s)
	return stable
}

func (d *StabilityDetector) store(s meter.Sample) {
	d.prevVoltage = s.Voltage
	d.prevResistance = s.Resistance
	d.prevUnit = s.Unit
	d.hasPrev = true
}

// Count returns the current consecutive-stable counter.
func (d *StabilityDetector) Count() int { return d.count }

// HasBaseline reports whether a previous sample is stored, i.e. a run
// is at least seeded.
func (d *StabilityDetector) HasBaseline() bool { return d.hasPrev }

// Confirmed reports whether the run has reached the required length.
func (d *StabilityDetector) Confirmed() bool { return d.count >= StableComparisons }

// Progress returns the stabilization ratio in [0, 1] for UI feedback.
func (d *StabilityDetector) Progress() float64 {
	p := float64(d.count) / StableComparisons
	if p > 1 {
		p = 1
	}
	return p
}

// Reset clears the run and the baseline, forcing full re-stabilization.
func (d *StabilityDetector) Reset() {
	d.count = 0
	d.hasPrev = false
}
