package chipset

import (
	"fmt"

	core "github.com/tinyrange/irqcore/internal/chipset"
	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	ioapicVectorBase = 0x30
	localVectorBase  = 0xe0
	maxLocalVectors  = 0x100 - localVectorBase
)

// PCConfig sizes a PC interrupt platform.
type PCConfig struct {
	IOAPICPins   int
	LocalVectors int
	// Level lists the lines whose devices hold their line until serviced.
	Level map[uint]bool
}

// PC wires a cascaded PIC on lines 0-15, an IOAPIC on the following lines
// and per-CPU local vectors above those into one interrupt subsystem.
type PC struct {
	*core.Platform

	PIC    *DualPIC
	IOAPIC *IOAPIC
	LAPIC  *LocalAPIC

	ioapicBase uint
	localBase  uint
	locals     int
}

// NewPC builds the platform and binds every line it owns in sub.
func NewPC(sub *irq.Subsystem, cfg PCConfig) (*PC, error) {
	if cfg.IOAPICPins <= 0 {
		cfg.IOAPICPins = DefaultIOAPICPins
	}
	if cfg.IOAPICPins > localVectorBase-ioapicVectorBase {
		return nil, fmt.Errorf("pc: %d IOAPIC pins exceed the vector space", cfg.IOAPICPins)
	}
	if cfg.LocalVectors < 0 || cfg.LocalVectors > maxLocalVectors {
		return nil, fmt.Errorf("pc: %d local vectors out of range", cfg.LocalVectors)
	}
	pc := &PC{
		PIC:        NewDualPIC(),
		IOAPIC:     NewIOAPIC(cfg.IOAPICPins),
		LAPIC:      NewLocalAPIC(sub.CPUs()),
		ioapicBase: PICLines,
		localBase:  PICLines + uint(cfg.IOAPICPins),
		locals:     cfg.LocalVectors,
	}
	if need := int(pc.localBase) + cfg.LocalVectors; need > sub.Lines() {
		return nil, fmt.Errorf("pc: platform needs %d lines, table has %d", need, sub.Lines())
	}
	pc.IOAPIC.SetRouting(pc.LAPIC)
	pc.LAPIC.AttachEOITarget(pc.IOAPIC)

	b := core.NewBuilder()
	if err := b.WithController("pic", 0, PICLines, pc.PIC); err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}
	if err := b.WithPins(0, PICLines, pc.PIC); err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}
	for line := uint(0); line < PICLines; line++ {
		if cfg.Level[line] {
			pc.PIC.SetTriggerMode(line, true)
		}
	}

	edge := pc.IOAPIC.Controller(pc.ioapicBase, false, pc.LAPIC)
	level := pc.IOAPIC.Controller(pc.ioapicBase, true, pc.LAPIC)
	for pin := 0; pin < cfg.IOAPICPins; pin++ {
		line := pc.ioapicBase + uint(pin)
		vector := uint8(ioapicVectorBase + pin)
		if err := pc.IOAPIC.Program(uint(pin), vector, cfg.Level[line]); err != nil {
			return nil, fmt.Errorf("pc: %w", err)
		}
		if err := pc.LAPIC.Route(vector, line); err != nil {
			return nil, fmt.Errorf("pc: %w", err)
		}
		ctrl, name := edge, "ioapic-edge"
		if cfg.Level[line] {
			ctrl, name = level, "ioapic-level"
		}
		if err := b.WithController(fmt.Sprintf("%s-%d", name, pin), line, 1, ctrl); err != nil {
			return nil, fmt.Errorf("pc: %w", err)
		}
	}
	if err := b.WithPins(pc.ioapicBase, uint(cfg.IOAPICPins), pc.IOAPIC); err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}

	if cfg.LocalVectors > 0 {
		for i := 0; i < cfg.LocalVectors; i++ {
			if err := pc.LAPIC.RouteLocal(uint8(localVectorBase+i), pc.localBase+uint(i)); err != nil {
				return nil, fmt.Errorf("pc: %w", err)
			}
		}
		if err := b.WithController("lapic", pc.localBase, uint(cfg.LocalVectors), pc.LAPIC.LocalController()); err != nil {
			return nil, fmt.Errorf("pc: %w", err)
		}
	}

	if err := b.WithSource(pc.PIC); err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}
	if err := b.WithSource(pc.LAPIC); err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}
	b.WithArchAck(pc.LAPIC.ArchAck)

	p, err := b.Build(sub)
	if err != nil {
		return nil, fmt.Errorf("pc: %w", err)
	}
	pc.Platform = p
	pc.PIC.SetReadySink(ReadySinkFunc(func(level bool) {
		if level {
			p.Kick(0)
		}
	}))
	pc.LAPIC.SetKick(p.Kick)
	return pc, nil
}

// IOAPICBase is the first line routed through the IOAPIC.
func (pc *PC) IOAPICBase() uint { return pc.ioapicBase }

// LocalLine returns the line of local vector i.
func (pc *PC) LocalLine(i int) (uint, bool) {
	if i < 0 || i >= pc.locals {
		return 0, false
	}
	return pc.localBase + uint(i), true
}

// RaiseLocal posts the local vector of line on cpu.
func (pc *PC) RaiseLocal(cpu int, line uint) error {
	vector, ok := pc.LAPIC.Vector(line)
	if !ok || line < pc.localBase {
		return fmt.Errorf("pc: line %d is not a local vector: %w", line, irq.ErrInvalidArgument)
	}
	pc.LAPIC.Raise(cpu, vector)
	return nil
}

// RaiseLocalAll posts the local vector of line on every CPU.
func (pc *PC) RaiseLocalAll(line uint) error {
	vector, ok := pc.LAPIC.Vector(line)
	if !ok || line < pc.localBase {
		return fmt.Errorf("pc: line %d is not a local vector: %w", line, irq.ErrInvalidArgument)
	}
	pc.LAPIC.RaiseAll(vector)
	return nil
}
