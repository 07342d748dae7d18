package chipset

import (
	"golang.org/x/sys/unix"

	"github.com/tinyrange/irqcore/internal/irq"
)

var _ irq.AffinitySetter = (*IOAPICController)(nil)

// SetAffinity points the pin of line at the lowest CPU in mask, in physical
// destination mode.
func (c *IOAPICController) SetAffinity(line uint, mask unix.CPUSet) {
	dest := 0
	for cpu := 0; cpu < 256; cpu++ {
		if mask.IsSet(cpu) {
			dest = cpu
			break
		}
	}
	c.io.mu.Lock()
	defer c.io.mu.Unlock()
	if entry := c.io.entry(c.pin(line)); entry != nil {
		entry.redirection.setDestination(uint8(dest), false)
	}
}

// Destination returns the physical destination of pin.
func (i *IOAPIC) Destination(pin uint) (uint8, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := i.entry(pin)
	if entry == nil {
		return 0, false
	}
	return entry.redirection.destination(), !entry.redirection.destinationModeLogical()
}
