package irq

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// testController records every capability call and tracks the mask state a
// real controller would have.
type testController struct {
	mu sync.Mutex

	startupPending bool
	masked         map[uint]bool
	calls          map[string]int
	lastEndStatus  Status
	resent         []uint
}

func newTestController() *testController {
	return &testController{
		masked: make(map[uint]bool),
		calls:  make(map[string]int),
	}
}

func (c *testController) record(name string) {
	c.calls[name]++
}

func (c *testController) Name() string { return "test-chip" }

func (c *testController) Startup(line uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("startup")
	c.masked[line] = false
	return c.startupPending
}

func (c *testController) Shutdown(line uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("shutdown")
	c.masked[line] = true
}

func (c *testController) Enable(line uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("enable")
	c.masked[line] = false
}

func (c *testController) Disable(line uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("disable")
	c.masked[line] = true
}

func (c *testController) Ack(cpu int, line uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ack")
}

func (c *testController) End(cpu int, line uint, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("end")
	c.lastEndStatus = status
}

func (c *testController) Resend(line uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("resend")
	c.resent = append(c.resent, line)
}

func (c *testController) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *testController) isMasked(line uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked[line]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestSubsystem builds a small Subsystem with every line bound to one
// test controller.
func newTestSubsystem(t *testing.T, opts Options) (*Subsystem, *testController) {
	t.Helper()
	if opts.Lines == 0 {
		opts.Lines = 48
	}
	if opts.CPUs == 0 {
		opts.CPUs = 4
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.ProbeSettle == 0 {
		opts.ProbeSettle = time.Millisecond
	}
	if opts.ProbeWait == 0 {
		opts.ProbeWait = 5 * time.Millisecond
	}
	sub := New(opts)
	chip := newTestController()
	for line := 0; line < sub.Lines(); line++ {
		if err := sub.Bind(uint(line), chip); err != nil {
			t.Fatalf("bind line %d: %v", line, err)
		}
	}
	return sub, chip
}

func handledBy(counter *int) Handler {
	return func(uint, any) Return {
		*counter++
		return Handled
	}
}

func mustStats(t *testing.T, sub *Subsystem, line uint) LineStats {
	t.Helper()
	st, err := sub.Stats(line)
	if err != nil {
		t.Fatalf("stats line %d: %v", line, err)
	}
	return st
}
