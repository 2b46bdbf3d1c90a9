package meter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// RC3563 implements the Provider interface for the RC3563 battery
// internal resistance meter. The instrument streams 10-byte telemetry
// packets continuously at roughly 10 Hz; there is no command protocol,
// so Connect only has to open the port and verify a packet arrives.
type RC3563 struct {
	portPath string
	baudRate int

	mu        sync.Mutex
	port      serial.Port
	connected bool
}

// RC3563Config holds connection configuration for the RC3563 provider.
type RC3563Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

const (
	rcReadTimeout = 200 * time.Millisecond
	// probeTimeout bounds how long Connect waits for the first packet.
	probeTimeout = 3 * time.Second
)

// NewRC3563 creates a new RC3563 meter provider.
func NewRC3563(cfg RC3563Config) *RC3563 {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &RC3563{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (r *RC3563) Name() string { return "RC3563" }

// Connect opens the serial port and waits for the instrument to stream
// its first full packet, proving we are talking to a live meter rather
// than an empty port.
func (r *RC3563) Connect() error {
	mode := &serial.Mode{
		BaudRate: r.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(r.portPath, mode)
	if err != nil {
		return fmt.Errorf("rc3563: failed to open %s: %w", r.portPath, err)
	}
	if err := port.SetReadTimeout(rcReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("rc3563: failed to set timeout: %w", err)
	}

	// Throw away whatever accumulated in the OS buffer while we were
	// not reading, so the session starts on a fresh stream.
	port.ResetInputBuffer()

	got := 0
	buf := make([]byte, 64)
	deadline := time.Now().Add(probeTimeout)
	for got < PacketSize && time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			port.Close()
			return fmt.Errorf("rc3563: probe read on %s: %w", r.portPath, err)
		}
		got += n
	}
	if got < PacketSize {
		port.Close()
		return fmt.Errorf("rc3563: no telemetry on %s after %v — is the meter powered on?", r.portPath, probeTimeout)
	}

	r.mu.Lock()
	r.port = port
	r.connected = true
	r.mu.Unlock()

	log.Printf("[rc3563] connected to %s at %d baud", r.portPath, r.baudRate)
	return nil
}

// Read returns the next chunk of stream bytes. n == 0 with a nil error
// means the read timed out with no data; the caller should keep polling.
func (r *RC3563) Read(p []byte) (int, error) {
	r.mu.Lock()
	port := r.port
	connected := r.connected
	r.mu.Unlock()

	if !connected || port == nil {
		return 0, fmt.Errorf("rc3563: not connected")
	}
	return port.Read(p)
}

// Close releases the port. The pending Read observes the closed port
// and errors out, which the reader loop treats as end of session.
func (r *RC3563) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	if r.port != nil {
		err := r.port.Close()
		r.port = nil
		return err
	}
	return nil
}
