package irq

import "log/slog"

// Dispatch handles one hardware trigger of line on cpu. It is the only
// entry point for dispatch context: it never blocks, never allocates and
// reports problems through the log and the line statistics only.
//
// For a regular line the trigger is acknowledged, then either committed
// (the chain runs with the lock released) or left pending for the CPU that
// is already running the chain. Triggers arriving while the chain runs are
// coalesced into one more pass before Dispatch returns.
func (s *Subsystem) Dispatch(cpu int, line uint) {
	if cpu < 0 || cpu >= len(s.cpus) {
		s.log.Error("irq: dispatch on nonexistent cpu", slog.Int("cpu", cpu), slog.Uint64("line", uint64(line)))
		return
	}
	if line >= uint(len(s.desc)) {
		s.log.Error("irq: dispatch of nonexistent line", slog.Int("cpu", cpu), slog.Uint64("line", uint64(line)))
		return
	}
	d := &s.desc[line]
	c := &s.cpus[cpu]

	d.counts[cpu].Add(1)

	wasOff := c.localOff.Swap(true)
	c.nesting.Add(1)
	defer func() {
		c.nesting.Add(-1)
		c.localOff.Store(wasOff)
	}()

	if d.loadStatus()&StatusPerCPU != 0 {
		s.dispatchPerCPU(c, cpu, line, d)
		return
	}

	d.mu.Lock()
	chip := d.controller()
	chip.Ack(cpu, line)

	st := d.loadStatus()&^(StatusReplay|StatusWaiting) | StatusPending
	var head *Action
	if st&(StatusDisabled|StatusInProgress) == 0 {
		head = d.action.Load()
		if head != nil {
			st = st&^StatusPending | StatusInProgress
		}
	}
	d.storeStatus(st)

	if head == nil {
		// Disabled, already running elsewhere, or freed under us. The
		// pending bit stays so the owner of the chain loops once more.
		chip.End(cpu, line, st)
		d.mu.Unlock()
		return
	}

	d.inflight.Add(1)
	slot := d.epoch.Load() & 1
	d.readers[slot].Add(1)
	for {
		d.mu.Unlock()
		ret := s.handleEvent(c, line, head)
		d.mu.Lock()
		d.readers[slot].Add(-1)

		if !s.opts.NoIRQDebug && s.noteInterrupt(line, d, ret) {
			s.forceDisableLocked(line, d)
		}

		st = d.loadStatus()
		if st&StatusPending == 0 {
			break
		}
		d.storeStatus(st &^ StatusPending)
		if head = d.action.Load(); head == nil {
			break
		}
		slot = d.epoch.Load() & 1
		d.readers[slot].Add(1)
	}
	d.inflight.Add(-1)

	st = d.loadStatus() &^ StatusInProgress
	d.storeStatus(st)
	chip.End(cpu, line, st)
	d.mu.Unlock()
}

// dispatchPerCPU runs a PER_CPU line. Each CPU owns its own instance of the
// source, so the chain runs without the line lock.
func (s *Subsystem) dispatchPerCPU(c *cpuState, cpu int, line uint, d *Descriptor) {
	chip := d.controller()
	chip.Ack(cpu, line)

	d.inflight.Add(1)
	slot := d.enterChain()
	ret := s.handleEvent(c, line, d.action.Load())
	d.readers[slot].Add(-1)
	d.inflight.Add(-1)

	chip.End(cpu, line, d.loadStatus())

	if s.opts.NoIRQDebug {
		return
	}
	// The chain runs unlocked on every CPU, but closing a health window
	// resets two counters and must happen once.
	d.mu.Lock()
	if s.noteInterrupt(line, d, ret) {
		s.forceDisableLocked(line, d)
	}
	d.mu.Unlock()
}

// enterChain takes a reference in the reader slot of the current epoch
// without the line lock. The epoch is read again after the increment so a
// Free flipping it concurrently either sees this reader or this reader
// snapshots the chain after the unlink.
func (d *Descriptor) enterChain() uint32 {
	for {
		e := d.epoch.Load()
		d.readers[e&1].Add(1)
		if d.epoch.Load() == e {
			return e & 1
		}
		d.readers[e&1].Add(-1)
	}
}

// handleEvent runs every action of the chain starting at head and returns
// the OR of their results.
func (s *Subsystem) handleEvent(c *cpuState, line uint, head *Action) Return {
	if head == nil {
		return None
	}
	if head.Flags&FlagDisableLocal == 0 {
		c.localOff.Store(false)
	}

	var ret Return
	var flags Flags
	for a := head; a != nil; a = a.Next() {
		ret |= a.Handler(line, a.Dev)
		flags |= a.Flags
	}
	if flags&FlagSampleRandom != 0 && s.opts.Entropy != nil {
		s.opts.Entropy.AddInterrupt(line)
	}

	c.localOff.Store(true)
	return ret
}
