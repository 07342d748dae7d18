package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/irqcore/internal/config"
	amd64chipset "github.com/tinyrange/irqcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/irqcore/internal/entropy"
	"github.com/tinyrange/irqcore/internal/irq"
)

func TestFitWidth(t *testing.T) {
	in := "short\n" + "a much longer line that will not fit\n"
	out := fitWidth(in, 10)
	want := "short\n" + ansi.Truncate("a much longer line that will not fit", 10, "…") + "\n"
	if out != want {
		t.Fatalf("fitWidth = %q, want %q", out, want)
	}
	if fitWidth(in, 0) != in {
		t.Fatalf("zero width changed the text")
	}
}

func TestDefaultDevicesValidate(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 2
	cfg.Devices = defaultDevices(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default devices: %v", err)
	}
}

func TestSharedLevelDevicesDrain(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	line := uint(cfg.IOAPICBase() + 2)
	cfg.Devices = []config.DeviceConfig{
		{Name: "a", Line: line, Level: true, Shared: true, Triggers: 1},
		{Name: "b", Line: line, Level: true, Shared: true, Triggers: 1},
	}
	sub := irq.New(cfg.IRQOptions(nil, nil))
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{Level: map[uint]bool{line: true}})
	if err != nil {
		t.Fatal(err)
	}
	devices, err := attachDevices(sub, pc.Platform, cfg.Devices)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		devices[0].raise()
	}
	devices[1].raise()
	pc.Deliver(0)

	if devices[0].handled.Load() != 3 || devices[1].handled.Load() != 1 {
		t.Fatalf("handled a=%d b=%d", devices[0].handled.Load(), devices[1].handled.Load())
	}
	if pc.Lines().Level(line) {
		t.Fatalf("line still held after both devices were serviced")
	}
	if n := pc.Deliver(0); n != 0 {
		t.Fatalf("quiet line delivered %d", n)
	}
}

func TestAttachRejectsUnsharedConflict(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	cfg.Devices = []config.DeviceConfig{
		{Name: "a", Line: 3},
		{Name: "b", Line: 3},
	}
	sub := irq.New(cfg.IRQOptions(nil, nil))
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := attachDevices(sub, pc.Platform, cfg.Devices); err == nil {
		t.Fatalf("two unshared devices attached to one line")
	}
}

func TestStartLocalTimerReleasesLineOnFailure(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	sub := irq.New(cfg.IRQOptions(nil, nil))
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{LocalVectors: 2})
	if err != nil {
		t.Fatal(err)
	}
	line, ok := pc.LocalLine(0)
	if !ok {
		t.Fatalf("no local line")
	}

	var ticks atomic.Uint64
	if ticker, err := startLocalTimer(sub, pc, 0, &ticks); err == nil || ticker != nil {
		t.Fatalf("zero period: ticker=%v err=%v", ticker, err)
	}
	if st, err := sub.Stats(line); err != nil || st.Active() {
		t.Fatalf("failed start left handlers %v (%v)", st.Handlers, err)
	}

	ticker, err := startLocalTimer(sub, pc, time.Hour, &ticks)
	if err != nil {
		t.Fatal(err)
	}
	defer ticker.Stop()
	if st, err := sub.Stats(line); err != nil || !st.Active() {
		t.Fatalf("timer not registered (%v)", err)
	}
}

func TestStartLocalTimerWithoutLocalVectors(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	sub := irq.New(cfg.IRQOptions(nil, nil))
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{})
	if err != nil {
		t.Fatal(err)
	}
	var ticks atomic.Uint64
	ticker, err := startLocalTimer(sub, pc, time.Millisecond, &ticks)
	if err != nil || ticker != nil {
		t.Fatalf("ticker=%v err=%v, want nil, nil", ticker, err)
	}
}

func TestPrintReportShowsHeldLines(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	line := uint(cfg.IOAPICBase() + 3)
	cfg.Devices = []config.DeviceConfig{
		{Name: "disk", Line: line, Level: true, Triggers: 1},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := entropy.New(log)
	sub := irq.New(cfg.IRQOptions(log, pool))
	pc, err := amd64chipset.NewPC(sub, amd64chipset.PCConfig{Level: map[uint]bool{line: true}})
	if err != nil {
		t.Fatal(err)
	}
	devices, err := attachDevices(sub, pc.Platform, cfg.Devices)
	if err != nil {
		t.Fatal(err)
	}

	heldRow := func() string {
		var buf bytes.Buffer
		if err := printReport(&buf, sub, devices, pool, pc, 0); err != nil {
			t.Fatal(err)
		}
		for _, row := range strings.Split(buf.String(), "\n") {
			if strings.HasPrefix(row, "disk ") {
				return strings.TrimSpace(row)
			}
		}
		t.Fatalf("no report row for disk:\n%s", buf.String())
		return ""
	}

	devices[0].raise()
	if row := heldRow(); !strings.HasSuffix(row, "true") {
		t.Fatalf("undelivered level device not shown held: %q", row)
	}
	pc.Deliver(0)
	if row := heldRow(); !strings.HasSuffix(row, "false") {
		t.Fatalf("serviced device still shown held: %q", row)
	}
}
