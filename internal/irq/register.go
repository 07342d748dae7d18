package irq

import (
	"fmt"
	"log/slog"
	"reflect"
)

// Request allocates an action for handler and installs it on line.
//
// The handler may run on another CPU before Request returns, so everything
// it touches must be initialized first.
func (s *Subsystem) Request(line uint, handler Handler, flags Flags, name string, dev any) error {
	if line >= uint(len(s.desc)) {
		return fmt.Errorf("irq: request line %d: %w", line, ErrInvalidArgument)
	}
	if handler == nil {
		return fmt.Errorf("irq: request line %d: nil handler: %w", line, ErrInvalidArgument)
	}
	if flags&FlagShared != 0 && dev == nil {
		return fmt.Errorf("irq: request line %d: shared without device token: %w", line, ErrInvalidArgument)
	}
	if !comparableToken(dev) {
		return fmt.Errorf("irq: request line %d: device token %T is not comparable: %w", line, dev, ErrInvalidArgument)
	}

	action, err := s.allocAction()
	if err != nil {
		return fmt.Errorf("irq: request line %d: %w", line, err)
	}
	action.Handler = handler
	action.Flags = flags
	action.Name = name
	action.Dev = dev

	if err := s.Setup(line, action); err != nil {
		s.releaseAction(action)
		return err
	}
	return nil
}

// Setup installs a caller-built action on line. Request is the usual entry
// point; Setup exists for platform code that registers actions before any
// allocation budget applies.
func (s *Subsystem) Setup(line uint, action *Action) error {
	d, err := s.Descriptor(line)
	if err != nil {
		return fmt.Errorf("irq: setup: %w", err)
	}
	if action == nil || action.Handler == nil {
		return fmt.Errorf("irq: setup line %d: %w", line, ErrInvalidArgument)
	}
	if !comparableToken(action.Dev) {
		return fmt.Errorf("irq: setup line %d: device token %T is not comparable: %w", line, action.Dev, ErrInvalidArgument)
	}
	action.next.Store(nil)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.bound(d) {
		return fmt.Errorf("irq: setup line %d: no controller: %w", line, ErrNotSupported)
	}

	old := d.action.Load()
	if old != nil {
		if old.Flags&action.Flags&FlagShared == 0 {
			return fmt.Errorf("irq: setup line %d: %q conflicts with %q: %w",
				line, action.Name, old.Name, ErrBusy)
		}
		last := old
		for next := last.Next(); next != nil; next = last.Next() {
			last = next
		}
		last.next.Store(action)
		s.registerEntropy(line, action)
		s.log.Debug("irq: shared action added",
			slog.Uint64("line", uint64(line)),
			slog.String("name", action.Name),
		)
		return nil
	}

	d.action.Store(action)
	st := d.loadStatus() &^ (StatusDisabled | StatusAutodetect | StatusWaiting | StatusInProgress)
	if action.Flags&FlagPerCPU != 0 {
		st |= StatusPerCPU
	}
	d.depth = 0
	d.storeStatus(st)
	if d.controller().Startup(line) {
		d.storeStatus(d.loadStatus() | StatusPending)
	}
	s.registerEntropy(line, action)
	s.log.Debug("irq: line started",
		slog.Uint64("line", uint64(line)),
		slog.String("name", action.Name),
		slog.String("controller", d.controller().Name()),
	)
	return nil
}

// CanRequest reports whether a registration with flags would currently
// succeed on line.
func (s *Subsystem) CanRequest(line uint, flags Flags) bool {
	d, err := s.Descriptor(line)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.bound(d) {
		return false
	}
	old := d.action.Load()
	return old == nil || old.Flags&flags&FlagShared != 0
}

// Free removes the action registered with dev from line. When the chain
// becomes empty the line is disabled and shut down. Free waits, without the
// line lock, for the dispatches that took their chain snapshot before the
// unlink, so the caller may tear down the device state once it returns.
// Dispatches that start afterwards never see the action and are not waited
// for, so a busy shared line does not hold Free up.
//
// Freeing a token that is not registered logs an error and does nothing.
func (s *Subsystem) Free(line uint, dev any) {
	d, err := s.Descriptor(line)
	if err != nil {
		s.log.Error("irq: free of nonexistent line", slog.Uint64("line", uint64(line)))
		return
	}
	if !comparableToken(dev) {
		s.log.Error("irq: free with uncomparable device token",
			slog.Uint64("line", uint64(line)),
			slog.String("type", reflect.TypeOf(dev).String()),
		)
		return
	}

	d.freeMu.Lock()
	defer d.freeMu.Unlock()

	d.mu.Lock()
	var prev *Action
	for a := d.action.Load(); a != nil; prev, a = a, a.Next() {
		if a.Dev != dev {
			continue
		}
		// a.next is left intact so a CPU already walking the chain
		// reaches the rest of it.
		if prev == nil {
			d.action.Store(a.Next())
		} else {
			prev.next.Store(a.Next())
		}
		if d.action.Load() == nil {
			d.depth = 1
			d.storeStatus(d.loadStatus()&^StatusPerCPU | StatusDisabled)
			d.controller().Shutdown(line)
		}
		old := d.epoch.Add(1) - 1
		d.mu.Unlock()

		d.drainReaders(old & 1)
		s.releaseAction(a)
		s.log.Debug("irq: action freed",
			slog.Uint64("line", uint64(line)),
			slog.String("name", a.Name),
		)
		return
	}
	d.mu.Unlock()

	s.log.Error("irq: trying to free free line", slog.Uint64("line", uint64(line)))
}

// registerEntropy tells the entropy sink about line once action is linked.
func (s *Subsystem) registerEntropy(line uint, action *Action) {
	if action.Flags&FlagSampleRandom != 0 && s.opts.Entropy != nil {
		s.opts.Entropy.RegisterLine(line)
	}
}

// comparableToken reports whether dev can be matched by Free. A token whose
// dynamic type holds a slice or a map panics when compared.
func comparableToken(dev any) bool {
	return dev == nil || reflect.TypeOf(dev).Comparable()
}

func (s *Subsystem) allocAction() (*Action, error) {
	if limit := int64(s.opts.MaxActions); limit > 0 {
		if s.actions.Add(1) > limit {
			s.actions.Add(-1)
			return nil, ErrNoMemory
		}
	} else {
		s.actions.Add(1)
	}
	return &Action{accounted: true}, nil
}

func (s *Subsystem) releaseAction(a *Action) {
	if a.accounted {
		a.accounted = false
		s.actions.Add(-1)
	}
}
