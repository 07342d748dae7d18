package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/irqcore/internal/chipset"
	"github.com/tinyrange/irqcore/internal/config"
	"github.com/tinyrange/irqcore/internal/irq"
)

// wire is a shared interrupt line. Level devices on the same line form a
// wired-OR: the line is high while any of them holds it.
type wire struct {
	mu      sync.Mutex
	line    chipset.LineInterrupt
	holders int
}

func (w *wire) hold() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holders++
	if w.holders == 1 {
		w.line.SetLevel(true)
	}
}

func (w *wire) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.holders == 0 {
		return
	}
	w.holders--
	if w.holders == 0 {
		w.line.SetLevel(false)
	}
}

// simDevice raises events on its line and services them from its handler
// like a driver reading a status register: one invocation drains every
// event queued so far.
type simDevice struct {
	cfg  config.DeviceConfig
	wire *wire

	mu      sync.Mutex
	pending int
	holding bool

	raised  atomic.Uint64
	handled atomic.Uint64
}

func (d *simDevice) flags() irq.Flags {
	var f irq.Flags
	if d.cfg.Shared {
		f |= irq.FlagShared
	}
	if d.cfg.Entropy {
		f |= irq.FlagSampleRandom
	}
	if d.cfg.DisableLocal {
		f |= irq.FlagDisableLocal
	}
	return f
}

func (d *simDevice) raise() {
	d.raised.Add(1)
	d.mu.Lock()
	d.pending++
	if !d.cfg.Level {
		d.mu.Unlock()
		d.wire.line.PulseInterrupt()
		return
	}
	hold := !d.holding
	d.holding = true
	d.mu.Unlock()
	if hold {
		d.wire.hold()
	}
}

func (d *simDevice) handle(uint, any) irq.Return {
	if d.cfg.Deaf {
		return irq.None
	}
	d.mu.Lock()
	n := d.pending
	d.pending = 0
	release := d.holding
	d.holding = false
	d.mu.Unlock()

	if n == 0 {
		return irq.None
	}
	d.handled.Add(uint64(n))
	if release {
		d.wire.release()
	}
	return irq.Handled
}

// attachDevices requests one action per configured device.
func attachDevices(sub *irq.Subsystem, p *chipset.Platform, devices []config.DeviceConfig) ([]*simDevice, error) {
	wires := make(map[uint]*wire)
	var out []*simDevice
	for _, cfg := range devices {
		w, ok := wires[cfg.Line]
		if !ok {
			w = &wire{line: p.Line(cfg.Line)}
			wires[cfg.Line] = w
		}
		dev := &simDevice{cfg: cfg, wire: w}
		if err := sub.Request(cfg.Line, dev.handle, dev.flags(), cfg.Name, dev); err != nil {
			return nil, fmt.Errorf("attach %s: %w", cfg.Name, err)
		}
		out = append(out, dev)
	}
	return out, nil
}

// defaultDevices is the demo population used when the configuration names
// no devices.
func defaultDevices(c config.Config) []config.DeviceConfig {
	base := uint(c.IOAPICBase())
	return []config.DeviceConfig{
		{Name: "kbd", Line: 1, Entropy: true, Triggers: 500},
		{Name: "serial", Line: 4, Triggers: 2000},
		{Name: "eth0", Line: base + 2, Level: true, Shared: true, Entropy: true, Triggers: 5000},
		{Name: "eth1", Line: base + 2, Level: true, Shared: true, Triggers: 5000},
		{Name: "disk", Line: base + 3, Level: true, DisableLocal: true, Triggers: 3000},
		{Name: "stuck", Line: base + 7, Level: true, Deaf: true, Triggers: 1},
	}
}
