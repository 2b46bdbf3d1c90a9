package meter

import (
	"math/rand"
	"sync"
	"time"
)

// DemoProvider simulates an RC3563 for development and UI work without
// an instrument on the bench. It walks an endless probe cycle — open
// leads, contact with settling noise, a stable hold long enough to
// confirm a reading, probe lift — and serialises every sample through
// the real packet encoder. Chunks are cut at random byte boundaries so
// the reassembly path gets exercised exactly as it would on hardware.
type DemoProvider struct {
	mu      sync.Mutex
	running bool
	pending []byte
	phase   demoPhase
	ticks   int
	cell    int

	targetVoltage    float64
	targetResistance float64
}

type demoPhase int

const (
	demoIdle demoPhase = iota
	demoSettling
	demoStable
	demoLift
)

const demoPacketInterval = 50 * time.Millisecond

func NewDemoProvider() *DemoProvider {
	d := &DemoProvider{}
	d.nextCellTargets()
	return d
}

func (d *DemoProvider) Name() string   { return "Demo (Simulated)" }
func (d *DemoProvider) Connect() error { d.running = true; return nil }
func (d *DemoProvider) Close() error   { d.running = false; return nil }

// Read paces itself at the instrument's natural packet rate and returns
// a randomly sized slice of the pending byte queue.
func (d *DemoProvider) Read(p []byte) (int, error) {
	time.Sleep(demoPacketInterval)

	d.mu.Lock()
	defer d.mu.Unlock()

	pkt := EncodePacket(d.nextSample())
	d.pending = append(d.pending, pkt[:]...)

	// Hand over an arbitrary prefix, one byte minimum.
	n := 1 + rand.Intn(len(d.pending))
	if n > len(p) {
		n = len(p)
	}
	copy(p, d.pending[:n])
	d.pending = d.pending[n:]
	return n, nil
}

func (d *DemoProvider) nextCellTargets() {
	d.cell++
	d.targetVoltage = 3.6 + rand.Float64()*0.5
	d.targetResistance = 15 + rand.Float64()*10
}

func (d *DemoProvider) nextSample() Sample {
	d.ticks++

	switch d.phase {
	case demoIdle:
		if d.ticks > 20 {
			d.phase = demoSettling
			d.ticks = 0
		}
		// Open leads: no cell in contact, resistance over range.
		return Sample{
			Voltage:      rand.Float64() * 0.002,
			ResistanceOL: true,
			Unit:         UnitMilliohm,
		}

	case demoSettling:
		if d.ticks > 8 {
			d.phase = demoStable
			d.ticks = 0
		}
		// Contact bounce: noise decays as the probes seat.
		decay := 1.0 / float64(d.ticks)
		return Sample{
			Voltage:    d.targetVoltage + (rand.Float64()-0.5)*0.2*decay,
			Resistance: d.targetResistance + (rand.Float64()-0.5)*2*decay,
			Unit:       UnitMilliohm,
		}

	case demoStable:
		if d.ticks > 30 {
			d.phase = demoLift
			d.ticks = 0
		}
		// Seated probes: noise well inside the stability thresholds.
		return Sample{
			Voltage:    d.targetVoltage + (rand.Float64()-0.5)*0.002,
			Resistance: d.targetResistance + (rand.Float64()-0.5)*0.0005,
			Unit:       UnitMilliohm,
		}

	default: // demoLift
		if d.ticks > 25 {
			d.phase = demoIdle
			d.ticks = 0
			d.nextCellTargets()
		}
		return Sample{
			Voltage:      rand.Float64() * 0.01,
			ResistanceOL: true,
			Unit:         UnitMilliohm,
		}
	}
}
