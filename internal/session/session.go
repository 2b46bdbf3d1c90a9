package session

import (
	"strings"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
)

// State is the probe lifecycle state. Exactly one is active at a time.
type State int

const (
	// StateAwaitingConnection is the initial state, before the meter
	// has produced a valid sample.
	StateAwaitingConnection State = iota
	// StateCooldown is the post-completion grace period gating the
	// first reading of the next cell.
	StateCooldown
	// StateAccumulating runs the stability detector on live samples.
	StateAccumulating
	// StateAwaitingProbeRemoval blocks a new stability run until the
	// probes are lifted off the finished cell.
	StateAwaitingProbeRemoval
)

func (s State) String() string {
	switch s {
	case StateCooldown:
		return "cooldown"
	case StateAccumulating:
		return "accumulating"
	case StateAwaitingProbeRemoval:
		return "awaiting-probe-removal"
	default:
		return "awaiting-connection"
	}
}

// Operator-facing status lines.
const (
	StatusWaitingForMeter  = "waiting for meter"
	StatusWaitingForStable = "waiting for stable reading"
	StatusInvalidReading   = "invalid reading"
	StatusPleaseWait       = "please wait"
	StatusRemoveProbes     = "remove probes before next reading"
	StatusReadingSaved     = "reading saved"
	StatusConnectionLost   = "connection lost"
)

// CellTypeCustom is the cell-type sentinel meaning "use the custom
// type text". A blank custom text falls back to the literal "Custom".
const CellTypeCustom = "custom"

// Config carries the measurement policy the session runs under. The
// session consumes it; ownership stays with the server config layer.
type Config struct {
	VoltageThreshold    float64
	ResistanceThreshold float64
	ProbeRemovalVoltage float64
	Cooldown            time.Duration
	NoSignalTimeout     time.Duration

	AveragingEnabled bool
	ReadingCount     int
	CellType         string
	CustomType       string
}

// DefaultConfig returns the reference measurement policy.
func DefaultConfig() Config {
	return Config{
		VoltageThreshold:    ReferenceVoltageThreshold,
		ResistanceThreshold: ReferenceResistanceThreshold,
		ProbeRemovalVoltage: 0.1,
		Cooldown:            3000 * time.Millisecond,
		NoSignalTimeout:     1000 * time.Millisecond,
		AveragingEnabled:    true,
		ReadingCount:        3,
		CellType:            "18650",
	}
}

func (c Config) targetCount() int {
	if !c.AveragingEnabled {
		return 1
	}
	return clampCount(c.ReadingCount)
}

// Label resolves the cell label recorded on finalized readings.
func (c Config) Label() string {
	if c.CellType == CellTypeCustom || c.CellType == "" {
		if t := strings.TrimSpace(c.CustomType); t != "" {
			return t
		}
		return "Custom"
	}
	return c.CellType
}

// Update is the effect of processing one sample (or one watchdog tick).
// The session never performs I/O; the caller decides what to broadcast,
// log, or play.
type Update struct {
	Sample   *meter.Sample
	State    State
	Status   string
	Progress float64
	Reading  *Reading
	Saved    bool
	Sound    bool
}

// Session is the decoder-to-reading pipeline: packet reassembly, the
// probe lifecycle state machine, stability detection, averaging and the
// reading log. All methods must be called from one goroutine or under
// an external lock; the session itself holds no locks.
type Session struct {
	cfg       Config
	stability *StabilityDetector
	averager  *CellAverager
	log       *ReadingLog

	state         State
	status        string
	cooldownUntil time.Time
	lastValidAt   time.Time

	// Reassembly buffer: chunks append here and packets drain off the
	// front, so a packet split across chunk boundaries decodes intact.
	buf []byte
}

func New(cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		stability: NewStabilityDetector(cfg.VoltageThreshold, cfg.ResistanceThreshold),
		averager:  NewCellAverager(cfg.targetCount()),
		log:       NewReadingLog(),
		state:     StateAwaitingConnection,
		status:    StatusWaitingForMeter,
	}
}

// Log exposes the reading log for export and query handlers.
func (s *Session) Log() *ReadingLog { return s.log }

// Buffered returns the sub-readings of the in-progress cycle.
func (s *Session) Buffered() []meter.Sample { return s.averager.Samples() }

func (s *Session) State() State      { return s.state }
func (s *Session) Status() string    { return s.status }
func (s *Session) Progress() float64 { return s.stability.Progress() }

// SetConfig swaps the measurement policy. The stability run restarts
// under the new thresholds; buffered samples survive a reading-count
// change.
func (s *Session) SetConfig(cfg Config) {
	s.cfg = cfg
	s.stability = NewStabilityDetector(cfg.VoltageThreshold, cfg.ResistanceThreshold)
	s.averager.SetCapacity(cfg.targetCount())
}

// Feed appends a raw chunk to the reassembly buffer and drains every
// complete packet through the state machine, in arrival order. Returns
// one update per decoded packet.
func (s *Session) Feed(now time.Time, chunk []byte) []Update {
	s.buf = append(s.buf, chunk...)
	var updates []Update
	for len(s.buf) >= meter.PacketSize {
		sample := meter.DecodePacket(s.buf)
		s.buf = s.buf[meter.PacketSize:]
		updates = append(updates, s.Step(now, sample))
	}
	return updates
}

// Step advances the lifecycle state machine by one decoded sample.
func (s *Session) Step(now time.Time, sample meter.Sample) Update {
	valid := sample.Valid()
	if valid {
		s.lastValidAt = now
	}

	switch s.state {
	case StateAwaitingConnection:
		if valid {
			s.state = StateAccumulating
			return s.accumulate(now, sample)
		}
		s.status = StatusWaitingForMeter

	case StateAwaitingProbeRemoval:
		// A voltage drop below the removal threshold, or the signal
		// going invalid, confirms the probes were lifted.
		if !valid || sample.Voltage < s.cfg.ProbeRemovalVoltage {
			s.stability.Reset()
			if s.averager.Len() == 0 && now.Before(s.cooldownUntil) {
				s.state = StateCooldown
				s.status = StatusPleaseWait
			} else {
				s.state = StateAccumulating
				s.status = StatusWaitingForStable
			}
		}

	case StateCooldown:
		if now.Before(s.cooldownUntil) {
			s.status = StatusPleaseWait
			break
		}
		s.state = StateAccumulating
		if valid {
			return s.accumulate(now, sample)
		}
		s.status = StatusWaitingForStable

	case StateAccumulating:
		if valid {
			return s.accumulate(now, sample)
		}
		// Any invalid sample voids the run entirely, baseline included:
		// a stable comparison must never be scored across a contact
		// blip. Stay in this state, the probes may still be seated.
		if s.stability.Count() > 0 {
			s.status = StatusInvalidReading
		} else if s.noSignalExpired(now) {
			s.status = StatusWaitingForStable
		}
		s.stability.Reset()
	}

	return s.update(&sample)
}

// Tick runs the no-signal watchdog. Call it periodically between
// chunks; it reports whether anything changed. This catches a dangling
// partial stability run when the stream stops without a clean
// probe-removal transition.
func (s *Session) Tick(now time.Time) (Update, bool) {
	if s.state != StateAccumulating || !s.stability.HasBaseline() {
		return Update{}, false
	}
	if !s.noSignalExpired(now) {
		return Update{}, false
	}
	s.stability.Reset()
	s.status = StatusWaitingForStable
	return s.update(nil), true
}

func (s *Session) noSignalExpired(now time.Time) bool {
	return now.Sub(s.lastValidAt) >= s.cfg.NoSignalTimeout
}

func (s *Session) accumulate(now time.Time, sample meter.Sample) Update {
	s.stability.Observe(sample)
	if !s.stability.Confirmed() {
		s.status = StatusWaitingForStable
		return s.update(&sample)
	}

	// Confirmed stable run: record one sample and force the next run
	// to re-stabilize from scratch.
	s.averager.Push(sample)
	s.stability.Reset()

	upd := s.update(&sample)
	upd.Sound = true

	if s.averager.Full() {
		reading := s.averager.Finalize(s.log.ActiveCell(), s.cfg.Label(), now)
		s.log.Append(reading)
		s.log.Advance()
		s.cooldownUntil = now.Add(s.cfg.Cooldown)
		s.state = StateAwaitingProbeRemoval
		s.status = StatusReadingSaved
		upd.Reading = &reading
		upd.Saved = true
	} else {
		s.state = StateAwaitingProbeRemoval
		s.status = StatusRemoveProbes
	}

	upd.State = s.state
	upd.Status = s.status
	return upd
}

func (s *Session) update(sample *meter.Sample) Update {
	return Update{
		Sample:   sample,
		State:    s.state,
		Status:   s.status,
		Progress: s.stability.Progress(),
	}
}

// Disconnect marks the transport as gone. Terminal for this session:
// the stability run is abandoned and the status surfaces to the
// operator, but the log and any buffered samples are kept.
func (s *Session) Disconnect() {
	s.state = StateAwaitingConnection
	s.status = StatusConnectionLost
	s.stability.Reset()
	s.buf = s.buf[:0]
}

// RemoveBuffered rejects one buffered sub-reading by position and
// resets the tracker so stabilization restarts cleanly for its
// replacement.
func (s *Session) RemoveBuffered(pos int) bool {
	if !s.averager.RemoveAt(pos) {
		return false
	}
	s.stability.Reset()
	if s.state == StateAwaitingProbeRemoval || s.state == StateCooldown {
		s.state = StateAccumulating
	}
	s.status = StatusWaitingForStable
	return true
}

// RemoveCell deletes a logged reading and retargets the active cell at
// that slot (retest flow). The in-progress cycle is discarded.
func (s *Session) RemoveCell(cell int) bool {
	if !s.log.RemoveByCell(cell) {
		return false
	}
	s.averager.Clear()
	s.stability.Reset()
	return true
}

// ClearLog empties the reading log and the in-progress cycle.
func (s *Session) ClearLog() {
	s.log.Clear()
	s.averager.Clear()
	s.stability.Reset()
	s.cooldownUntil = time.Time{}
}

// Import replaces the log with an imported set of readings.
func (s *Session) Import(readings []Reading) {
	s.log.ReplaceAll(readings)
	s.averager.Clear()
	s.stability.Reset()
}

// ExportLabel is the cell label used in export filenames.
func (s *Session) ExportLabel() string { return s.cfg.Label() }
