package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
)

// Capture records every decoded sample to CSV files with automatic
// rotation. It exists to characterise a meter's noise floor: a capture
// taken against a known cell is how the stability thresholds get tuned.
type Capture struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds capture configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "voltage_v", "acir", "acir_unit",
	"voltage_ol", "acir_ol", "valid", "state", "progress",
}

// New creates a new Capture.
func New(cfg Config) *Capture {
	if cfg.Path == "" {
		cfg.Path = "/var/log/acir-dash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0 // Every sample
	}
	return &Capture{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling capture at runtime.
func (c *Capture) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
	if !on && c.file != nil {
		c.closeFile()
	}
}

// IsEnabled returns whether capture is active.
func (c *Capture) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Record writes one decoded sample if the minimum interval has elapsed.
func (c *Capture) Record(s meter.Sample, state string, progress float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	now := time.Now()
	if c.interval > 0 && now.Sub(c.lastTs) < c.interval {
		return
	}
	c.lastTs = now

	if c.writer == nil || c.rows >= maxRowsPerFile {
		if err := c.rotateFile(now); err != nil {
			log.Printf("[capture] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		fmt.Sprintf("%.4f", s.Voltage),
		fmt.Sprintf("%.4f", s.Resistance),
		s.Unit.String(),
		boolStr(s.VoltageOL),
		boolStr(s.ResistanceOL),
		boolStr(s.Valid()),
		state,
		fmt.Sprintf("%.1f", progress),
	}
	if err := c.writer.Write(row); err != nil {
		log.Printf("[capture] write failed: %v", err)
		return
	}
	c.writer.Flush()
	c.rows++
}

// Close flushes and closes the current capture file.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeFile()
}

func (c *Capture) rotateFile(now time.Time) error {
	c.closeFile()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.dir, err)
	}

	filename := fmt.Sprintf("acir_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(c.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	c.file = f
	c.writer = csv.NewWriter(f)
	c.rows = 0

	if err := c.writer.Write(csvHeader); err != nil {
		return err
	}
	c.writer.Flush()

	log.Printf("[capture] opened %s", path)
	return nil
}

func (c *Capture) closeFile() {
	if c.writer != nil {
		c.writer.Flush()
		c.writer = nil
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
