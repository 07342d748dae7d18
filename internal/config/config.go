// Package config loads the boot configuration of a simulated platform.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	Filename = "irqcore.yaml"

	DefaultLines           = 256
	DefaultProbeSettle     = 20 * time.Millisecond
	DefaultProbeWait       = 100 * time.Millisecond
	DefaultHealthWindow    = 100000
	DefaultHealthThreshold = 99900
	DefaultIOAPICPins      = 24
	DefaultLocalVectors    = 4

	// LegacyLines is the number of lines routed through the cascaded PIC.
	LegacyLines = 16
)

var ErrInvalid = errors.New("config: invalid")

// Config is the content of irqcore.yaml.
type Config struct {
	Version int `yaml:"version"`

	Lines      int  `yaml:"lines,omitempty"`
	CPUs       int  `yaml:"cpus,omitempty"`
	NoIRQDebug bool `yaml:"noIRQDebug,omitempty"`
	MaxActions int  `yaml:"maxActions,omitempty"`

	Probe    ProbeConfig    `yaml:"probe"`
	Health   HealthConfig   `yaml:"health"`
	Platform PlatformConfig `yaml:"platform"`

	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

type ProbeConfig struct {
	Settle time.Duration `yaml:"settle,omitempty"`
	Wait   time.Duration `yaml:"wait,omitempty"`
}

type HealthConfig struct {
	Window    uint32 `yaml:"window,omitempty"`
	Threshold uint32 `yaml:"threshold,omitempty"`
}

// PlatformConfig sizes the controllers. Lines 0-15 always belong to the PIC;
// IOAPIC pins follow, then the per-CPU local vectors.
type PlatformConfig struct {
	IOAPICPins   int `yaml:"ioapicPins,omitempty"`
	LocalVectors int `yaml:"localVectors,omitempty"`
}

// DeviceConfig describes one simulated device in cmd/irqsim.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Line uint   `yaml:"line"`
	// Level devices hold their line until serviced; others pulse it.
	Level        bool `yaml:"level,omitempty"`
	Shared       bool `yaml:"shared,omitempty"`
	Entropy      bool `yaml:"entropy,omitempty"`
	DisableLocal bool `yaml:"disableLocal,omitempty"`
	// Deaf devices never claim their interrupts.
	Deaf bool `yaml:"deaf,omitempty"`
	// Triggers is the number of events the device raises per run.
	Triggers int `yaml:"triggers,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Lines == 0 {
		c.Lines = DefaultLines
	}
	if c.CPUs == 0 {
		c.CPUs = runtime.NumCPU()
	}
	if c.Probe.Settle == 0 {
		c.Probe.Settle = DefaultProbeSettle
	}
	if c.Probe.Wait == 0 {
		c.Probe.Wait = DefaultProbeWait
	}
	if c.Health.Window == 0 {
		c.Health.Window = DefaultHealthWindow
	}
	if c.Health.Threshold == 0 {
		c.Health.Threshold = DefaultHealthThreshold
	}
	if c.Platform.IOAPICPins == 0 {
		c.Platform.IOAPICPins = DefaultIOAPICPins
	}
	if c.Platform.LocalVectors == 0 {
		c.Platform.LocalVectors = DefaultLocalVectors
	}
	for i := range c.Devices {
		if c.Devices[i].Triggers == 0 {
			c.Devices[i].Triggers = 1000
		}
	}
}

// Validate checks that the platform fits in the line table and that every
// device sits on an existing line.
func (c Config) Validate() error {
	if c.Lines < 0 || c.CPUs < 0 || c.MaxActions < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	if c.Health.Threshold >= c.Health.Window {
		return fmt.Errorf("%w: health threshold %d not below window %d", ErrInvalid, c.Health.Threshold, c.Health.Window)
	}
	if need := c.LocalBase() + c.Platform.LocalVectors; need > c.Lines {
		return fmt.Errorf("%w: platform needs %d lines, table has %d", ErrInvalid, need, c.Lines)
	}
	seen := make(map[string]bool)
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: device without name", ErrInvalid)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate device %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = true
		if int(d.Line) >= c.LocalBase() {
			return fmt.Errorf("%w: device %q on line %d outside the PIC and IOAPIC range", ErrInvalid, d.Name, d.Line)
		}
	}
	return nil
}

// IOAPICBase is the first line routed through the IOAPIC.
func (c Config) IOAPICBase() int { return LegacyLines }

// LocalBase is the first per-CPU local vector line.
func (c Config) LocalBase() int { return LegacyLines + c.Platform.IOAPICPins }

// IRQOptions converts c for irq.New.
func (c Config) IRQOptions(log *slog.Logger, entropy irq.EntropySink) irq.Options {
	return irq.Options{
		Lines:           c.Lines,
		CPUs:            c.CPUs,
		Logger:          log,
		NoIRQDebug:      c.NoIRQDebug,
		MaxActions:      c.MaxActions,
		ProbeSettle:     c.Probe.Settle,
		ProbeWait:       c.Probe.Wait,
		HealthWindow:    c.Health.Window,
		HealthThreshold: c.Health.Threshold,
		Entropy:         entropy,
	}
}

// Load reads path. A missing file yields Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Write stores c at path with defaults filled in.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}
