package meter

// The RC3563 streams fixed-size 10-byte packets continuously while
// powered on. Byte layout:
//
//	0: status        — high nibble resistance display code, low nibble voltage display code
//	1: r range code  — unused by decoding (range is implied by the display code)
//	2-4: r display   — 24-bit little-endian magnitude, 4 implied decimals
//	5: sign          — 1 = positive voltage, anything else negative
//	6: v range code  — unused by decoding
//	7-9: v display   — 24-bit little-endian magnitude, 4 implied decimals
const PacketSize = 10

// Resistance display codes (high nibble of the status byte). Codes
// outside this set decode as milliohm numeric: the instrument's full
// code space is undocumented, and falling back to the default range
// keeps unknown firmware revisions readable. This is a deliberate
// policy, not a missing case.
const (
	rCodeMilliohm   = 0x05
	rCodeMilliohmOL = 0x06
	rCodeOhm        = 0x09
	rCodeOhmOL      = 0x0A
)

// Voltage display code (low nibble) signalling over-limit. All other
// codes carry a numeric signed voltage.
const vCodeOL = 0x08

// displayScale converts the 24-bit display magnitude to a reading with
// four decimal places.
const displayScale = 10000.0

// DecodePacket decodes exactly the first PacketSize bytes of b into a
// Sample. The caller is responsible for reassembly and for advancing
// past consumed bytes; DecodePacket never looks beyond byte 9.
// Panics if b is shorter than PacketSize, like a slice bounds error.
func DecodePacket(b []byte) Sample {
	_ = b[PacketSize-1]

	rCode := (b[0] >> 4) & 0xF
	vCode := b[0] & 0xF

	var s Sample

	rMag := float64(uint32(b[2])|uint32(b[3])<<8|uint32(b[4])<<16) / displayScale
	switch rCode {
	case rCodeMilliohm:
		s.Unit = UnitMilliohm
		s.Resistance = rMag
	case rCodeMilliohmOL:
		s.Unit = UnitMilliohm
		s.ResistanceOL = true
	case rCodeOhm:
		s.Unit = UnitOhm
		s.Resistance = rMag
	case rCodeOhmOL:
		s.Unit = UnitOhm
		s.ResistanceOL = true
	default:
		s.Unit = UnitMilliohm
		s.Resistance = rMag
	}

	vMag := float64(uint32(b[7])|uint32(b[8])<<8|uint32(b[9])<<16) / displayScale
	if b[5] != 1 {
		vMag = -vMag
	}
	if vCode == vCodeOL {
		s.VoltageOL = true
	} else {
		s.Voltage = vMag
	}

	return s
}

// EncodePacket builds the wire form of a sample. Used by the demo
// provider and tests; the hardware path never encodes.
func EncodePacket(s Sample) [PacketSize]byte {
	var b [PacketSize]byte

	var rCode byte
	switch {
	case s.Unit == UnitOhm && s.ResistanceOL:
		rCode = rCodeOhmOL
	case s.Unit == UnitOhm:
		rCode = rCodeOhm
	case s.ResistanceOL:
		rCode = rCodeMilliohmOL
	default:
		rCode = rCodeMilliohm
	}

	var vCode byte
	if s.VoltageOL {
		vCode = vCodeOL
	}
	b[0] = rCode<<4 | vCode

	if !s.ResistanceOL {
		r := uint32(s.Resistance*displayScale + 0.5)
		b[2] = byte(r)
		b[3] = byte(r >> 8)
		b[4] = byte(r >> 16)
	}

	v := s.Voltage
	b[5] = 1
	if v < 0 {
		b[5] = 0
		v = -v
	}
	if !s.VoltageOL {
		m := uint32(v*displayScale + 0.5)
		b[7] = byte(m)
		b[8] = byte(m >> 8)
		b[9] = byte(m >> 16)
	}

	return b
}
