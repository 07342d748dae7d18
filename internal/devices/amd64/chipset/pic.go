package chipset

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/irqcore/internal/irq"
)

const (
	picChainCommunicationIRQ = 2
	picSpuriousIRQ           = 7

	// PICLines is the number of lines served by the cascaded pair.
	PICLines = 16
)

// PICStats tracks statistics for the PIC pair.
type PICStats struct {
	Spurious     uint64
	Acknowledges uint64
	PerLine      [PICLines]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers as an
// interrupt controller for lines 0-15. Its INT output is wired to CPU 0.
//
// Acknowledgement masks the line and issues a specific EOI; End unmasks it
// again unless the line is disabled or still being handled.
type DualPIC struct {
	mu    sync.Mutex
	ready readySink

	pics [2]*pic

	stats PICStats
}

var _ irq.Controller = (*DualPIC)(nil)
var _ irq.Resender = (*DualPIC)(nil)

// NewDualPIC returns a PIC pair with every line masked.
func NewDualPIC() *DualPIC {
	return &DualPIC{
		ready: noopReadySink{},
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// SetReadySink sets the sink driven by the INT output.
func (p *DualPIC) SetReadySink(sink readySink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		p.ready = noopReadySink{}
	} else {
		p.ready = sink
	}
	p.syncOutputsLocked()
}

// SetTriggerMode selects level (ELCR bit set) or edge detection for line.
// The cascade input is always level.
func (p *DualPIC) SetTriggerMode(line uint, level bool) {
	if line >= PICLines || line == picChainCommunicationIRQ {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	if level {
		c.elcr |= bit
	} else {
		c.elcr &^= bit
	}
	p.syncOutputsLocked()
}

func (p *DualPIC) locate(line uint) (*pic, byte) {
	if line >= 8 {
		return p.pics[1], 1 << (line - 8)
	}
	return p.pics[0], 1 << line
}

func (p *DualPIC) syncOutputsLocked() {
	cascade := p.pics[1].interruptPending()
	p.pics[0].setIRQ(picChainCommunicationIRQ, cascade)
	p.ready.SetLevel(p.pics[0].interruptPending())
}

// SetIRQ changes the level of an input pin.
func (p *DualPIC) SetIRQ(line uint, level bool) {
	if line >= PICLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		p.pics[1].setIRQ(uint8(line-8), level)
	} else {
		p.pics[0].setIRQ(uint8(line), level)
	}
	p.syncOutputsLocked()
}

// Next runs the INTA cycle for cpu. Only CPU 0 is wired to the PIC.
func (p *DualPIC) Next(cpu int) (uint, bool) {
	if cpu != 0 {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.pics[0].interruptPending() {
		return 0, false
	}
	requested, line := p.pics[0].acknowledgeInterrupt()
	if requested && line == picChainCommunicationIRQ {
		secRequested, secLine := p.pics[1].acknowledgeInterrupt()
		if !secRequested {
			// Spurious interrupt from the secondary PIC.
			p.pics[0].eoi(&line)
			p.stats.Spurious++
			p.syncOutputsLocked()
			return 0, false
		}
		line = secLine + 8
	} else if !requested {
		p.stats.Spurious++
		p.syncOutputsLocked()
		return 0, false
	}
	p.stats.Acknowledges++
	p.stats.PerLine[line]++
	p.syncOutputsLocked()
	return uint(line), true
}

// Stats returns a copy of the PIC statistics.
func (p *DualPIC) Stats() PICStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *DualPIC) Name() string { return "XT-PIC" }

// Startup unmasks line and reports whether a request is already latched.
func (p *DualPIC) Startup(line uint) bool {
	if line >= PICLines {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	c.imr &^= bit
	pending := c.irr()&bit != 0
	p.syncOutputsLocked()
	return pending
}

func (p *DualPIC) Shutdown(line uint) { p.Disable(line) }

func (p *DualPIC) Enable(line uint) {
	if line >= PICLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	c.imr &^= bit
	p.syncOutputsLocked()
}

func (p *DualPIC) Disable(line uint) {
	if line >= PICLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	c.imr |= bit
	p.syncOutputsLocked()
}

// Ack masks line and sends a specific EOI, to both chips for secondary lines.
func (p *DualPIC) Ack(cpu int, line uint) {
	if line >= PICLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	c.imr |= bit
	if line >= 8 {
		sec := uint8(line - 8)
		p.pics[1].eoi(&sec)
		cascade := uint8(picChainCommunicationIRQ)
		p.pics[0].eoi(&cascade)
	} else {
		l := uint8(line)
		p.pics[0].eoi(&l)
	}
	p.syncOutputsLocked()
}

func (p *DualPIC) End(cpu int, line uint, status irq.Status) {
	if status&(irq.StatusDisabled|irq.StatusInProgress) != 0 {
		return
	}
	p.Enable(line)
}

// Resend latches a request on line so it is delivered once unmasked.
func (p *DualPIC) Resend(line uint) {
	if line >= PICLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, bit := p.locate(line)
	c.resend |= bit
	p.syncOutputsLocked()
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%+v, secondary=%+v)", *p.pics[0], *p.pics[1])
}

// pic models a single 8259A.
type pic struct {
	primary bool

	imr     byte
	isr     byte
	elcr    byte
	lines   byte
	latched byte
	resend  byte
}

func newPic(primary bool) *pic {
	p := &pic{
		primary: primary,
		imr:     0xff,
	}
	if primary {
		p.imr &^= 1 << picChainCommunicationIRQ
		p.elcr |= 1 << picChainCommunicationIRQ
	}
	return p
}

func (p *pic) irr() byte {
	return p.lines&p.elcr | p.latched&^p.elcr | p.resend
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		if p.lines&bit == 0 {
			p.latched |= bit
		}
		p.lines |= bit
	} else {
		p.lines &^= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	return p.irr() &^ p.imr & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) pendingLine() (uint8, bool) {
	if vec := p.readyVec(); vec != 0 {
		return uint8(bits.TrailingZeros8(vec)), true
	}
	return 0, false
}

func (p *pic) acknowledgeInterrupt() (bool, uint8) {
	if line, ok := p.pendingLine(); ok {
		bit := byte(1 << line)
		p.latched &^= bit
		p.resend &^= bit
		p.isr |= bit
		return true, line
	}
	return false, picSpuriousIRQ
}

func (p *pic) eoi(line *uint8) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
