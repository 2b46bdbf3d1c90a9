package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astanton/acir-dash/internal/logger"
	"github.com/astanton/acir-dash/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Serial meter
	Meter MeterConfig `yaml:"meter" json:"meter"`

	// Measurement policy
	Measure MeasureConfig `yaml:"measure" json:"measure"`

	// Raw sample capture
	Capture logger.Config `yaml:"capture" json:"capture"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type MeterConfig struct {
	Type     string `yaml:"type" json:"type"`          // "rc3563" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// MeasureConfig is the measurement policy the session runs under.
type MeasureConfig struct {
	CellType         string `yaml:"cell_type" json:"cellType"`     // label, or "custom"
	CustomType       string `yaml:"custom_type" json:"customType"` // used when cell_type is "custom"
	AveragingEnabled bool   `yaml:"averaging_enabled" json:"averagingEnabled"`
	ReadingCount     int    `yaml:"reading_count" json:"readingCount"` // 1-20
	SoundEnabled     bool   `yaml:"sound_enabled" json:"soundEnabled"`

	// Stability tuning. Two threshold pairs have shipped historically;
	// see session.ReferenceVoltageThreshold and friends.
	VoltageThreshold    float64 `yaml:"voltage_threshold" json:"voltageThreshold"`
	ResistanceThreshold float64 `yaml:"resistance_threshold" json:"resistanceThreshold"`

	ProbeRemovalVoltage float64 `yaml:"probe_removal_voltage" json:"probeRemovalVoltage"`
	CooldownMs          int     `yaml:"cooldown_ms" json:"cooldownMs"`
	NoSignalMs          int     `yaml:"no_signal_ms" json:"noSignalMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// SessionConfig converts the measurement policy into the form the
// session consumes.
func (c *Config) SessionConfig() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.Measure
	return session.Config{
		VoltageThreshold:    m.VoltageThreshold,
		ResistanceThreshold: m.ResistanceThreshold,
		ProbeRemovalVoltage: m.ProbeRemovalVoltage,
		Cooldown:            time.Duration(m.CooldownMs) * time.Millisecond,
		NoSignalTimeout:     time.Duration(m.NoSignalMs) * time.Millisecond,
		AveragingEnabled:    m.AveragingEnabled,
		ReadingCount:        m.ReadingCount,
		CellType:            m.CellType,
		CustomType:          m.CustomType,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			Type:     "demo",
			PortPath: "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		Measure: MeasureConfig{
			CellType:            "18650",
			CustomType:          "",
			AveragingEnabled:    true,
			ReadingCount:        3,
			SoundEnabled:        true,
			VoltageThreshold:    session.ReferenceVoltageThreshold,
			ResistanceThreshold: session.ReferenceResistanceThreshold,
			ProbeRemovalVoltage: 0.1,
			CooldownMs:          3000,
			NoSignalMs:          1000,
		},
		Capture: logger.Config{
			Enabled:    false,
			Path:       "/var/log/acir-dash",
			IntervalMs: 0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not
// found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: METER_TYPE, METER_PORT, METER_BAUD, LISTEN_ADDR,
// READING_COUNT, AVERAGING_ENABLED, CAPTURE_ENABLED, CAPTURE_PATH,
// CAPTURE_INTERVAL_MS.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("METER_TYPE"); v != "" {
		c.Meter.Type = v
	}
	if v := os.Getenv("METER_PORT"); v != "" {
		c.Meter.PortPath = v
	}
	if v := os.Getenv("METER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Meter.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("READING_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Measure.ReadingCount = n
		}
	}
	if v := os.Getenv("AVERAGING_ENABLED"); v != "" {
		c.Measure.AveragingEnabled = v == "1" || v == "true" || v == "yes"
	}
	// Capture
	if v := os.Getenv("CAPTURE_ENABLED"); v != "" {
		c.Capture.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("CAPTURE_PATH"); v != "" {
		c.Capture.Path = v
	}
	if v := os.Getenv("CAPTURE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Capture.IntervalMs = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/acirdash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, capture settings).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values
// are merged rather than replaced. For all other types, src overwrites
// dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
