package irq

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
)

// noteInterrupt accounts one chain result for line and reports whether the
// sampling window just closed with the line considered stuck.
//
// The window is a fixed sample, not a sliding average: both counters reset
// every HealthWindow triggers whatever the outcome.
func (s *Subsystem) noteInterrupt(line uint, d *Descriptor, ret Return) bool {
	if ret != Handled {
		d.unhandled.Add(1)
		if ret != None {
			s.reportBad(line, d, ret)
		}
	}

	if d.irqCount.Add(1) < s.opts.HealthWindow {
		return false
	}
	d.irqCount.Store(0)
	unhandled := d.unhandled.Swap(0)
	if unhandled <= s.opts.HealthThreshold {
		return false
	}

	s.log.Error("irq: nobody cared, disabling line",
		slog.Uint64("line", uint64(line)),
		slog.Uint64("unhandled", uint64(unhandled)),
		slog.Uint64("window", uint64(s.opts.HealthWindow)),
		slog.String("hint", "set noIRQDebug to keep the line enabled"),
	)
	s.logHandlers(slog.LevelError, line, d)
	return true
}

// forceDisableLocked disables a line the health monitor gave up on. depth is
// raised so that a single Enable brings the line back.
func (s *Subsystem) forceDisableLocked(line uint, d *Descriptor) {
	if d.loadStatus()&StatusDisabled != 0 {
		return
	}
	d.depth++
	d.storeStatus(d.loadStatus() | StatusDisabled)
	d.controller().Disable(line)
}

func (s *Subsystem) reportBad(line uint, d *Descriptor, ret Return) {
	if s.badReports.Add(-1) < 0 {
		return
	}
	s.log.Warn("irq: bogus return value from handler chain",
		slog.Uint64("line", uint64(line)),
		slog.String("ret", fmt.Sprintf("%#x", uint32(ret))),
	)
	s.logHandlers(slog.LevelWarn, line, d)
}

// logHandlers writes one record per action on the chain, naming the handler
// function so the driver responsible can be found afterwards.
func (s *Subsystem) logHandlers(level slog.Level, line uint, d *Descriptor) {
	for a := d.action.Load(); a != nil; a = a.Next() {
		s.log.Log(context.Background(), level, "irq: handler on line",
			slog.Uint64("line", uint64(line)),
			slog.String("name", a.Name),
			slog.String("handler", handlerSymbol(a.Handler)),
		)
	}
}

func handlerSymbol(h Handler) string {
	if h == nil {
		return "<nil>"
	}
	pc := reflect.ValueOf(h).Pointer()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return fmt.Sprintf("%#x", pc)
	}
	return fmt.Sprintf("%s [%#x]", fn.Name(), pc)
}
