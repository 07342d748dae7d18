package chipset

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	lapicVectors = 256
	// Vectors below 32 are CPU exceptions and cannot be routed.
	lapicFirstRoutable = 32
)

// LAPICStats counts local APIC events across all CPUs.
type LAPICStats struct {
	Delivered uint64
	Spurious  uint64
	Dropped   uint64
	EOIs      uint64
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

type vectorRoute struct {
	line   uint
	ok     bool
	local  bool
	masked bool
}

type lapicCPU struct {
	irr [lapicVectors / 64]uint64
	isr [lapicVectors / 64]uint64
}

// LocalAPIC models one local APIC per CPU. It accepts deliveries from the
// IOAPIC and local raises, runs the acknowledge cycle for each CPU and
// broadcasts EOIs.
type LocalAPIC struct {
	mu sync.Mutex

	cpus   []lapicCPU
	routes [lapicVectors]vectorRoute
	byLine map[uint]uint8

	kick      func(cpu int)
	eoiTarget EOITarget

	stats LAPICStats
}

var _ IoApicRouting = (*LocalAPIC)(nil)

// NewLocalAPIC returns local APICs for cpus CPUs with no routes.
func NewLocalAPIC(cpus int) *LocalAPIC {
	if cpus <= 0 {
		cpus = 1
	}
	return &LocalAPIC{
		cpus:   make([]lapicCPU, cpus),
		byLine: make(map[uint]uint8),
		kick:   func(int) {},
	}
}

// SetKick installs the function called after a CPU gains a request.
func (l *LocalAPIC) SetKick(fn func(cpu int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		fn = func(int) {}
	}
	l.kick = fn
}

// AttachEOITarget wires EOI broadcasts to any target exposing HandleEOI(uint32).
func (l *LocalAPIC) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// Route maps vector to line for deliveries coming from the IOAPIC.
func (l *LocalAPIC) Route(vector uint8, line uint) error {
	return l.route(vector, line, false)
}

// RouteLocal maps vector to a per-CPU local line. Local vectors start
// masked and are unmasked by the line's Startup.
func (l *LocalAPIC) RouteLocal(vector uint8, line uint) error {
	return l.route(vector, line, true)
}

func (l *LocalAPIC) route(vector uint8, line uint, local bool) error {
	if vector < lapicFirstRoutable {
		return fmt.Errorf("lapic: vector %#x is reserved", vector)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.routes[vector].ok {
		return fmt.Errorf("lapic: vector %#x already routed to line %d", vector, l.routes[vector].line)
	}
	if _, ok := l.byLine[line]; ok {
		return fmt.Errorf("lapic: line %d already has a vector", line)
	}
	l.routes[vector] = vectorRoute{line: line, ok: true, local: local, masked: local}
	l.byLine[line] = vector
	return nil
}

// Vector returns the vector routed to line.
func (l *LocalAPIC) Vector(line uint) (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.byLine[line]
	return v, ok
}

// Assert implements IoApicRouting.
func (l *LocalAPIC) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	l.mu.Lock()
	cpu := l.pickLocked(dest, destMode)
	l.setIRRLocked(cpu, vector)
	kick := l.kick
	l.mu.Unlock()
	kick(cpu)
}

func (l *LocalAPIC) pickLocked(dest uint8, destMode uint8) int {
	if destMode == 0 {
		if int(dest) < len(l.cpus) {
			return int(dest)
		}
		return 0
	}
	for cpu := 0; cpu < len(l.cpus) && cpu < 8; cpu++ {
		if dest&(1<<cpu) != 0 {
			return cpu
		}
	}
	return 0
}

// Raise posts vector on cpu. Masked local vectors are dropped.
func (l *LocalAPIC) Raise(cpu int, vector uint8) {
	l.mu.Lock()
	if cpu < 0 || cpu >= len(l.cpus) {
		l.mu.Unlock()
		return
	}
	if r := l.routes[vector]; r.local && r.masked {
		l.stats.Dropped++
		l.mu.Unlock()
		return
	}
	l.setIRRLocked(cpu, vector)
	kick := l.kick
	l.mu.Unlock()
	kick(cpu)
}

// RaiseAll posts vector on every CPU.
func (l *LocalAPIC) RaiseAll(vector uint8) {
	for cpu := range l.cpus {
		l.Raise(cpu, vector)
	}
}

func (l *LocalAPIC) setIRRLocked(cpu int, vector uint8) {
	l.cpus[cpu].irr[vector/64] |= 1 << (vector % 64)
}

// Next accepts the highest pending vector on cpu that outranks every vector
// in service and returns its line. Vectors with no route are counted as
// spurious and retired immediately.
func (l *LocalAPIC) Next(cpu int) (uint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cpu < 0 || cpu >= len(l.cpus) {
		return 0, false
	}
	c := &l.cpus[cpu]
	for {
		v, ok := highest(c.irr)
		if !ok {
			return 0, false
		}
		if s, busy := highest(c.isr); busy && s >= v {
			return 0, false
		}
		c.irr[v/64] &^= 1 << (v % 64)
		r := l.routes[v]
		if !r.ok {
			l.stats.Spurious++
			continue
		}
		c.isr[v/64] |= 1 << (v % 64)
		l.stats.Delivered++
		return r.line, true
	}
}

// EOI retires the highest in-service vector of cpu and broadcasts it.
func (l *LocalAPIC) EOI(cpu int) {
	l.mu.Lock()
	if cpu < 0 || cpu >= len(l.cpus) {
		l.mu.Unlock()
		return
	}
	c := &l.cpus[cpu]
	v, ok := highest(c.isr)
	if !ok {
		l.mu.Unlock()
		return
	}
	c.isr[v/64] &^= 1 << (v % 64)
	l.stats.EOIs++
	target := l.eoiTarget
	pending := c.irr != [lapicVectors / 64]uint64{}
	kick := l.kick
	l.mu.Unlock()

	if target != nil {
		target.HandleEOI(uint32(v))
	}
	if pending {
		kick(cpu)
	}
}

// InService reports whether vector is in service on cpu.
func (l *LocalAPIC) InService(cpu int, vector uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cpu < 0 || cpu >= len(l.cpus) {
		return false
	}
	return l.cpus[cpu].isr[vector/64]&(1<<(vector%64)) != 0
}

// Stats returns a copy of the local APIC counters.
func (l *LocalAPIC) Stats() LAPICStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ArchAck is the acknowledgement every trigger delivered through a local
// APIC requires, including those on lines without a controller.
func (l *LocalAPIC) ArchAck(cpu int, line uint) {
	l.EOI(cpu)
}

func (l *LocalAPIC) setMasked(line uint, masked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.byLine[line]; ok && l.routes[v].local {
		l.routes[v].masked = masked
	}
}

func highest(set [lapicVectors / 64]uint64) (uint8, bool) {
	for i := len(set) - 1; i >= 0; i-- {
		if set[i] != 0 {
			return uint8(i*64 + 63 - bits.LeadingZeros64(set[i])), true
		}
	}
	return 0, false
}

// LocalController returns the controller for per-CPU local vector lines.
func (l *LocalAPIC) LocalController() irq.Controller {
	return localVectors{l}
}

// localVectors drives lines routed with RouteLocal. The mask is shared by
// all CPUs; acknowledgement is the EOI of the dispatching CPU.
type localVectors struct {
	lapic *LocalAPIC
}

func (localVectors) Name() string { return "LAPIC" }

func (c localVectors) Startup(line uint) bool {
	c.lapic.setMasked(line, false)
	return false
}

func (c localVectors) Shutdown(line uint)                   { c.lapic.setMasked(line, true) }
func (c localVectors) Enable(line uint)                     { c.lapic.setMasked(line, false) }
func (c localVectors) Disable(line uint)                    { c.lapic.setMasked(line, true) }
func (c localVectors) Ack(cpu int, line uint)               { c.lapic.EOI(cpu) }
func (c localVectors) End(cpu int, line uint, _ irq.Status) {}
