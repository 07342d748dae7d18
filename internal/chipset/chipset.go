package chipset

import (
	"context"
	"fmt"

	"github.com/tinyrange/irqcore/internal/irq"
)

// Platform is a built set of controllers wired to one interrupt subsystem.
type Platform struct {
	sub         *irq.Subsystem
	controllers []controllerBinding
	lines       *LineSet
	sources     []Source
	wake        []chan struct{}
}

// ControllerInfo describes one bound controller.
type ControllerInfo struct {
	Name  string
	First uint
	Count uint
}

// Subsystem returns the interrupt subsystem the platform feeds.
func (p *Platform) Subsystem() *irq.Subsystem {
	return p.sub
}

// Controllers lists the bound controllers ordered by first line.
func (p *Platform) Controllers() []ControllerInfo {
	out := make([]ControllerInfo, len(p.controllers))
	for i, c := range p.controllers {
		out[i] = ControllerInfo{Name: c.name, First: c.first, Count: c.count}
	}
	return out
}

// Line returns the handle a device drives to signal line.
func (p *Platform) Line(line uint) LineInterrupt {
	return p.lines.AllocateLine(line)
}

// Lines returns the platform LineSet.
func (p *Platform) Lines() *LineSet {
	return p.lines
}

// Kick wakes the Service loop of cpu.
func (p *Platform) Kick(cpu int) {
	if cpu < 0 || cpu >= len(p.wake) {
		return
	}
	select {
	case p.wake[cpu] <- struct{}{}:
	default:
	}
}

// Deliver takes interrupts from every source for cpu until none is ready,
// dispatching each one. It stops early while cpu has local interrupts off,
// which is the case inside a chain registered with FlagDisableLocal.
func (p *Platform) Deliver(cpu int) int {
	n := 0
	for progress := true; progress; {
		progress = false
		for _, src := range p.sources {
			if !p.sub.LocalInterruptsEnabled(cpu) {
				return n
			}
			line, ok := src.Next(cpu)
			if !ok {
				continue
			}
			p.sub.Dispatch(cpu, line)
			n++
			progress = true
		}
	}
	return n
}

// Service runs cpu until ctx is done, delivering interrupts whenever a
// controller kicks it.
func (p *Platform) Service(ctx context.Context, cpu int) error {
	if cpu < 0 || cpu >= len(p.wake) {
		return fmt.Errorf("chipset: service cpu %d: %w", cpu, irq.ErrInvalidArgument)
	}
	for {
		p.Deliver(cpu)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake[cpu]:
		}
	}
}
