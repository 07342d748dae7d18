package irq

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AffinitySetter is implemented by controllers that can steer a line to a
// set of CPUs.
type AffinitySetter interface {
	SetAffinity(line uint, mask unix.CPUSet)
}

// SetAffinity steers line to the CPUs in mask. It fails with ErrNotSupported
// when the bound controller cannot steer, and with ErrInvalidArgument when
// mask names no CPU the Subsystem knows.
func (s *Subsystem) SetAffinity(line uint, mask unix.CPUSet) error {
	d, err := s.Descriptor(line)
	if err != nil {
		return fmt.Errorf("irq: set affinity: %w", err)
	}
	online := false
	for cpu := range s.cpus {
		if mask.IsSet(cpu) {
			online = true
			break
		}
	}
	if !online {
		return fmt.Errorf("irq: set affinity line %d: empty mask: %w", line, ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	setter, ok := d.controller().(AffinitySetter)
	if !ok {
		return fmt.Errorf("irq: set affinity line %d: %s: %w", line, d.controller().Name(), ErrNotSupported)
	}
	setter.SetAffinity(line, mask)
	return nil
}
