package meter

import (
	"encoding/json"
	"fmt"
)

// Provider is the interface that all meter backends must implement.
// RC3563 is the hardware implementation; Demo generates simulated data
// for development without an instrument on the bench.
type Provider interface {
	// Name returns the human-readable name of this meter provider.
	Name() string
	// Connect opens the underlying byte stream.
	Connect() error
	// Close cleanly shuts down the connection. Closing unblocks a
	// pending Read so the reader loop can exit.
	Close() error

	// Read fills p with the next chunk of raw telemetry bytes and
	// returns the number of bytes read. Chunks carry no alignment
	// guarantee: a packet may arrive split across reads or several
	// packets may arrive in one. n == 0 with a nil error means no data
	// arrived within the read timeout.
	Read(p []byte) (int, error)
}

// Unit is the resistance unit reported by the instrument.
type Unit int

const (
	UnitMilliohm Unit = iota
	UnitOhm
)

func (u Unit) String() string {
	if u == UnitOhm {
		return "Ω"
	}
	return "mΩ"
}

// ParseUnit maps a unit label back to a Unit. Unknown labels default
// to milliohm, matching the instrument's default range.
func ParseUnit(s string) Unit {
	switch s {
	case "Ω", "ohm", "Ohm":
		return UnitOhm
	default:
		return UnitMilliohm
	}
}

// MarshalJSON emits the unit symbol so clients can render it directly.
func (u Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Unit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*u = ParseUnit(s)
	return nil
}

// Sample is one decoded measurement from the instrument. An over-limit
// quantity is flagged explicitly rather than encoded as a magic number,
// so display code can show "OL" while the numeric fields stay inert.
type Sample struct {
	Voltage      float64 `json:"voltage"`
	Resistance   float64 `json:"resistance"`
	Unit         Unit    `json:"unit"`
	VoltageOL    bool    `json:"voltageOL"`
	ResistanceOL bool    `json:"resistanceOL"`
}

// Valid reports whether the sample can feed stability detection and
// averaging. Over-limit or non-positive voltage samples are still shown
// on the live display but never contribute to a reading.
func (s Sample) Valid() bool {
	return !s.VoltageOL && !s.ResistanceOL && s.Voltage > 0
}

// VoltageDisplay formats the voltage for the live display.
func (s Sample) VoltageDisplay() string {
	if s.VoltageOL {
		return "OL"
	}
	return fmt.Sprintf("%.4fV", s.Voltage)
}

// ResistanceDisplay formats the resistance for the live display.
func (s Sample) ResistanceDisplay() string {
	if s.ResistanceOL {
		return "OL"
	}
	return fmt.Sprintf("%.4f %s", s.Resistance, s.Unit)
}
