package irq

import (
	"log/slog"
	"runtime"
	"time"
)

const synchronizeSpins = 64

// DisableNosync masks line and returns without waiting for a running chain.
// Calls nest: each one needs a matching Enable.
func (s *Subsystem) DisableNosync(line uint) {
	d, err := s.Descriptor(line)
	if err != nil {
		s.log.Error("irq: disable of nonexistent line", slog.Uint64("line", uint64(line)))
		return
	}
	d.mu.Lock()
	if d.depth == 0 {
		d.storeStatus(d.loadStatus() | StatusDisabled)
		d.controller().Disable(line)
	}
	d.depth++
	d.mu.Unlock()
}

// Disable masks line and, if the line has actions, waits until no CPU is
// running its chain. The caller must not hold anything the handlers need.
func (s *Subsystem) Disable(line uint) {
	s.DisableNosync(line)
	if d, err := s.Descriptor(line); err == nil && d.action.Load() != nil {
		s.Synchronize(line)
	}
}

// Enable undoes one Disable. The transition to depth zero unmasks the line,
// first asking the controller to resend an edge that was latched while the
// line was off. An Enable without a matching Disable is logged and ignored.
func (s *Subsystem) Enable(line uint) {
	d, err := s.Descriptor(line)
	if err != nil {
		s.log.Error("irq: enable of nonexistent line", slog.Uint64("line", uint64(line)))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.depth {
	case 0:
		s.log.Error("irq: unbalanced enable", slog.Uint64("line", uint64(line)))
	case 1:
		chip := d.controller()
		st := d.loadStatus() &^ StatusDisabled
		if st&(StatusPending|StatusReplay) == StatusPending {
			st |= StatusReplay
			if r, ok := chip.(Resender); ok {
				r.Resend(line)
			}
		}
		d.storeStatus(st)
		chip.Enable(line)
		d.depth = 0
	default:
		d.depth--
	}
}

// Synchronize waits until no CPU is running the chain of line. It must not
// be called from a handler of the same line.
func (s *Subsystem) Synchronize(line uint) {
	d, err := s.Descriptor(line)
	if err != nil {
		return
	}
	for spin := 0; d.inflight.Load() != 0 || d.loadStatus()&StatusInProgress != 0; spin++ {
		if spin < synchronizeSpins {
			runtime.Gosched()
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// drainReaders waits until every dispatch holding a reference in slot has
// left the chain.
func (d *Descriptor) drainReaders(slot uint32) {
	for spin := 0; d.readers[slot].Load() != 0; spin++ {
		if spin < synchronizeSpins {
			runtime.Gosched()
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}
