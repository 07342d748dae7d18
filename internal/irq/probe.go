package irq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// probeMaskBits is the width of the masks ProbeOn and ProbeMask return.
// Candidates on higher lines stay marked internally and are still examined
// by ProbeOff, but cannot be reported in a mask.
const probeMaskBits = 32

// ProbeOn starts an autodetection session. Line 0 never takes part: ProbeOff
// reserves 0 for "nothing found". Only one session runs at a time;
// ProbeOn blocks until the previous one ends or ctx is done.
//
// Every unclaimed line is started once to flush long-standing latched
// events, then marked for autodetection and started again. After the wait
// window, lines that fired are kept as candidates and returned in the mask;
// lines that stayed quiet are shut down. The session stays open until
// ProbeMask or ProbeOff.
func (s *Subsystem) ProbeOn(ctx context.Context) (uint32, error) {
	if err := s.probe.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("irq: probe: %w", err)
	}
	s.probing.Store(true)

	for line := len(s.desc) - 1; line > 0; line-- {
		d := &s.desc[line]
		d.mu.Lock()
		if d.action.Load() == nil {
			d.controller().Startup(uint(line))
		}
		d.mu.Unlock()
	}
	if err := sleepContext(ctx, s.opts.ProbeSettle); err != nil {
		s.abortProbe()
		return 0, fmt.Errorf("irq: probe: %w", err)
	}

	for line := len(s.desc) - 1; line > 0; line-- {
		d := &s.desc[line]
		d.mu.Lock()
		if d.action.Load() == nil {
			d.storeStatus(d.loadStatus() | StatusAutodetect | StatusWaiting)
			if d.controller().Startup(uint(line)) {
				d.storeStatus(d.loadStatus() | StatusPending)
			}
		}
		d.mu.Unlock()
	}
	if err := sleepContext(ctx, s.opts.ProbeWait); err != nil {
		s.abortProbe()
		return 0, fmt.Errorf("irq: probe: %w", err)
	}

	var mask uint32
	dropped := 0
	for line := range s.desc {
		d := &s.desc[line]
		d.mu.Lock()
		st := d.loadStatus()
		if st&StatusAutodetect != 0 {
			if st&StatusWaiting == 0 {
				if line < probeMaskBits {
					mask |= 1 << line
				} else {
					dropped++
				}
			} else {
				d.storeStatus(st &^ StatusAutodetect)
				d.controller().Shutdown(uint(line))
			}
		}
		d.mu.Unlock()
	}
	if dropped > 0 {
		s.log.Debug("irq: probe candidates beyond mask width",
			slog.Int("count", dropped),
			slog.Int("bits", probeMaskBits),
		)
	}
	return mask, nil
}

// ProbeMask ends the session started by ProbeOn and returns the candidates
// that fired, restricted to the lines in mask.
func (s *Subsystem) ProbeMask(mask uint32) uint32 {
	if !s.probing.CompareAndSwap(true, false) {
		s.log.Error("irq: probe mask without probe session")
		return 0
	}
	var found uint32
	for line := range s.desc {
		d := &s.desc[line]
		d.mu.Lock()
		st := d.loadStatus()
		if st&StatusAutodetect != 0 {
			if line < probeMaskBits && st&StatusWaiting == 0 {
				found |= 1 << line
			}
			d.storeStatus(st &^ StatusAutodetect)
			d.controller().Shutdown(uint(line))
		}
		d.mu.Unlock()
	}
	s.probe.Release(1)
	return found & mask
}

// ProbeOff ends the session started by ProbeOn. It returns 0 when no
// candidate fired, the line number when exactly one did, and the negated
// first line when several did. val is the mask ProbeOn returned; every line
// is examined regardless of it.
func (s *Subsystem) ProbeOff(val uint32) int {
	if !s.probing.CompareAndSwap(true, false) {
		s.log.Error("irq: probe off without probe session")
		return 0
	}
	found, first := 0, 0
	for line := range s.desc {
		d := &s.desc[line]
		d.mu.Lock()
		st := d.loadStatus()
		if st&StatusAutodetect != 0 {
			if st&StatusWaiting == 0 {
				if found == 0 {
					first = line
				}
				found++
			}
			d.storeStatus(st &^ StatusAutodetect)
			d.controller().Shutdown(uint(line))
		}
		d.mu.Unlock()
	}
	s.probe.Release(1)

	s.log.Debug("irq: probe finished",
		slog.Int("found", found),
		slog.Int("first", first),
		slog.String("mask", fmt.Sprintf("%#x", val)),
	)
	switch {
	case found == 0:
		return 0
	case found > 1:
		return -first
	default:
		return first
	}
}

// abortProbe clears autodetect state after a cancelled ProbeOn and releases
// the session token.
func (s *Subsystem) abortProbe() {
	for line := range s.desc {
		d := &s.desc[line]
		d.mu.Lock()
		if st := d.loadStatus(); st&StatusAutodetect != 0 {
			d.storeStatus(st &^ (StatusAutodetect | StatusWaiting))
			d.controller().Shutdown(uint(line))
		}
		d.mu.Unlock()
	}
	s.probing.Store(false)
	s.probe.Release(1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
