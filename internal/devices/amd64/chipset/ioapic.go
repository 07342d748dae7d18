package chipset

import (
	"fmt"
	"sync"

	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1

	// DefaultIOAPICPins is the redirection table size of the classic part.
	DefaultIOAPICPins = 24
)

// IOAPIC models the redirection table of an x86 IO-APIC. Each pin carries a
// vector, a destination, a trigger mode and a mask bit.
type IOAPIC struct {
	mu sync.Mutex

	entries []irqRedirection

	routing IoApicRouting
	stats   IOAPICStats
}

// IOAPICStats counts deliveries per pin.
type IOAPICStats struct {
	Interrupts uint64
	PerPin     []uint64
}

// IoApicRouting allows the IO-APIC to notify the rest of the platform when an
// interrupt should be delivered to a CPU.
type IoApicRouting interface {
	// Assert requests an interrupt delivery.
	// vector: The IDT vector (0-255).
	// dest: The target CPU ID or APIC ID.
	// destMode: 0 for Physical, 1 for Logical.
	// deliveryMode: 0 for Fixed, 1 for LowestPriority, etc.
	// level: true when the redirection entry is configured for level-triggered delivery.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// IoApicRoutingFunc adapts a simple function to IoApicRouting.
type IoApicRoutingFunc func(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)

// Assert implements IoApicRouting.
func (f IoApicRoutingFunc) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type noopIoApicRouting struct{}

func (noopIoApicRouting) Assert(uint8, uint8, uint8, uint8, bool) {}

// NewIOAPIC builds an IO-APIC exposing numEntries redirection slots.
func NewIOAPIC(numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = DefaultIOAPICPins
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		entries: entries,
		routing: noopIoApicRouting{},
		stats: IOAPICStats{
			PerPin: make([]uint64, numEntries),
		},
	}
}

// Pins returns the number of redirection entries.
func (i *IOAPIC) Pins() int { return len(i.entries) }

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r IoApicRouting) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = noopIoApicRouting{}
	} else {
		i.routing = r
	}
}

// Program sets the vector and trigger mode of pin and targets CPU 0 in
// physical mode. The pin stays masked.
func (i *IOAPIC) Program(pin uint, vector uint8, level bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return fmt.Errorf("ioapic: program pin %d: out of range", pin)
	}
	var value uint64
	value |= uint64(vector)
	value |= 1 << 16
	if level {
		value |= 1 << 15
	}
	entry.redirection.setRaw(value)
	return nil
}

// HandleEOI clears remote-IRR for any line that was targeting the supplied
// vector and re-evaluates pending level-triggered interrupts.
func (i *IOAPIC) HandleEOI(vector uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == uint8(vector) {
			entry.redirection.setRemoteIRR(false)
			entry.evaluate(i.routing, &i.stats, uint8(line), false)
		}
	}
}

// SetIRQ changes the level of a given IO-APIC input pin.
func (i *IOAPIC) SetIRQ(pin uint, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return
	}
	if high {
		entry.assert(i.routing, &i.stats, uint8(pin))
	} else {
		entry.deassert()
	}
}

// Stats returns a copy of the delivery counters.
func (i *IOAPIC) Stats() IOAPICStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.stats
	st.PerPin = append([]uint64(nil), i.stats.PerPin...)
	return st
}

// Masked reports the mask bit of pin.
func (i *IOAPIC) Masked(pin uint) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	return entry == nil || entry.redirection.masked()
}

func (i *IOAPIC) entry(pin uint) *irqRedirection {
	if pin >= uint(len(i.entries)) {
		return nil
	}
	return &i.entries[pin]
}

func (i *IOAPIC) setMask(pin uint, masked bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return
	}
	wasMasked := entry.redirection.masked()
	entry.redirection.setMasked(masked)

	// If the line was masked and is now unmasked, and the line is currently High,
	// we must treat this as a rising edge for Edge-Triggered interrupts.
	forceEdge := wasMasked && !masked && (entry.lineLevel || entry.resend)
	if !masked {
		entry.resend = false
	}
	entry.evaluate(i.routing, &i.stats, uint8(pin), forceEdge)
}

func (i *IOAPIC) latchResend(pin uint) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entry := i.entry(pin); entry != nil {
		entry.resend = true
	}
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
	resend      bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) assert(router IoApicRouting, stats *IOAPICStats, line uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(router, stats, line, edge)
}

// deassert lowers the pin. Remote-IRR stays set until the EOI arrives.
func (r *irqRedirection) deassert() {
	r.lineLevel = false
}

func (r *irqRedirection) evaluate(router IoApicRouting, stats *IOAPICStats, line uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.Interrupts++
	if int(line) < len(stats.PerPin) {
		stats.PerPin[line]++
	}

	destMode := uint8(0) // Physical
	if r.redirection.destinationModeLogical() {
		destMode = 1
	}

	router.Assert(
		r.redirection.vector(),
		r.redirection.destination(),
		destMode,
		r.redirection.deliveryMode(),
		isLevel,
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	var value uint64
	value |= 1 << 11 // destination mode logical
	value |= 1 << 16 // masked by default
	return redirectionEntry{value: value}
}

func (r *redirectionEntry) setRaw(value uint64) {
	r.value = value
}

// destination returns bits 56-63 (Destination Field)
func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r *redirectionEntry) setDestination(dest uint8, logical bool) {
	r.value &^= 0xFF<<56 | 1<<11
	r.value |= uint64(dest) << 56
	if logical {
		r.value |= 1 << 11
	}
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r *redirectionEntry) setMasked(val bool) {
	if val {
		r.value |= 1 << 16
	} else {
		r.value &^= 1 << 16
	}
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

// IOAPICController drives a range of IOAPIC pins for the interrupt
// subsystem. Edge pins are acknowledged with an immediate local APIC EOI.
// Level pins are masked on acknowledge and unmasked at the end of the
// cycle, so a device still holding its line raises it again.
type IOAPICController struct {
	io    *IOAPIC
	lapic *LocalAPIC
	base  uint
	level bool
}

var _ irq.Controller = (*IOAPICController)(nil)
var _ irq.Resender = (*IOAPICController)(nil)

// Controller returns the controller for lines base.. whose pins use the
// given trigger mode.
func (i *IOAPIC) Controller(base uint, level bool, lapic *LocalAPIC) *IOAPICController {
	return &IOAPICController{io: i, lapic: lapic, base: base, level: level}
}

func (c *IOAPICController) pin(line uint) uint { return line - c.base }

func (c *IOAPICController) Name() string {
	if c.level {
		return "IO-APIC-level"
	}
	return "IO-APIC-edge"
}

func (c *IOAPICController) Startup(line uint) bool {
	c.io.setMask(c.pin(line), false)
	return false
}

func (c *IOAPICController) Shutdown(line uint) { c.io.setMask(c.pin(line), true) }
func (c *IOAPICController) Enable(line uint)   { c.io.setMask(c.pin(line), false) }
func (c *IOAPICController) Disable(line uint)  { c.io.setMask(c.pin(line), true) }

func (c *IOAPICController) Ack(cpu int, line uint) {
	if c.level {
		c.io.setMask(c.pin(line), true)
	}
	c.lapic.EOI(cpu)
}

func (c *IOAPICController) End(cpu int, line uint, status irq.Status) {
	if !c.level || status&(irq.StatusDisabled|irq.StatusInProgress) != 0 {
		return
	}
	c.io.setMask(c.pin(line), false)
}

// Resend latches an edge that is delivered when the pin is next unmasked.
func (c *IOAPICController) Resend(line uint) {
	c.io.latchResend(c.pin(line))
}
