package chipset

import (
	"testing"

	"github.com/tinyrange/irqcore/internal/irq"
)

type ioapicTestRouter struct {
	calls []ioapicCall
}

type ioapicCall struct {
	vector uint8
	dest   uint8
	level  bool
}

func (r *ioapicTestRouter) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	r.calls = append(r.calls, ioapicCall{vector: vector, dest: dest, level: level})
}

func programRedirection(t *testing.T, dev *IOAPIC, pin uint, vector uint8, level bool) {
	t.Helper()
	if err := dev.Program(pin, vector, level); err != nil {
		t.Fatalf("program pin %d: %v", pin, err)
	}
	dev.setMask(pin, false)
}

func TestIOAPICStartsMasked(t *testing.T) {
	dev := NewIOAPIC(0)
	if dev.Pins() != DefaultIOAPICPins {
		t.Fatalf("pins = %d", dev.Pins())
	}
	router := &ioapicTestRouter{}
	dev.SetRouting(router)
	if err := dev.Program(3, 0x40, false); err != nil {
		t.Fatal(err)
	}
	dev.SetIRQ(3, true)
	if len(router.calls) != 0 || !dev.Masked(3) {
		t.Fatalf("programmed pin delivered while masked")
	}
	if err := dev.Program(99, 0x40, false); err == nil {
		t.Fatalf("out of range pin accepted")
	}
}

func TestIOAPICDeliversEdgeInterrupts(t *testing.T) {
	dev := NewIOAPIC(24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 0, 0x45, false)

	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("expected one interrupt, got %d", len(router.calls))
	}
	if router.calls[0].vector != 0x45 || router.calls[0].level {
		t.Fatalf("unexpected delivery %+v", router.calls[0])
	}

	// Keeping the line high should not retrigger.
	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("unexpected retrigger while line high")
	}

	// Falling edge then rising edge should retrigger.
	dev.SetIRQ(0, false)
	dev.SetIRQ(0, true)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt, got %d", len(router.calls))
	}
	if st := dev.Stats(); st.Interrupts != 2 || st.PerPin[0] != 2 {
		t.Fatalf("stats %+v", st)
	}
}

func TestIOAPICLevelInterruptRequiresEOI(t *testing.T) {
	dev := NewIOAPIC(24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)

	const pin = 5
	const vector = 0x55
	programRedirection(t, dev, pin, vector, true)

	dev.SetIRQ(pin, true)
	if len(router.calls) != 1 || !router.calls[0].level {
		t.Fatalf("expected first level interrupt, got %+v", router.calls)
	}

	dev.SetIRQ(pin, false)
	dev.SetIRQ(pin, true)
	if len(router.calls) != 1 {
		t.Fatalf("level interrupt fired without EOI")
	}

	dev.HandleEOI(vector)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt after EOI, got %d", len(router.calls))
	}

	// Once the device lets go, EOI is quiet.
	dev.SetIRQ(pin, false)
	dev.HandleEOI(vector)
	if len(router.calls) != 2 {
		t.Fatalf("EOI redelivered a low line")
	}
}

func TestIOAPICUnmaskDeliversHeldLine(t *testing.T) {
	dev := NewIOAPIC(24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)
	if err := dev.Program(7, 0x47, false); err != nil {
		t.Fatal(err)
	}
	dev.SetIRQ(7, true)
	dev.setMask(7, false)
	if len(router.calls) != 1 {
		t.Fatalf("unmasking a high line delivered %d times", len(router.calls))
	}
}

func TestIOAPICControllerResend(t *testing.T) {
	dev := NewIOAPIC(24)
	router := &ioapicTestRouter{}
	dev.SetRouting(router)
	lapic := NewLocalAPIC(1)
	ctrl := dev.Controller(16, false, lapic)
	if err := dev.Program(2, 0x32, false); err != nil {
		t.Fatal(err)
	}

	ctrl.Startup(18)
	ctrl.Disable(18)
	ctrl.Resend(18)
	if len(router.calls) != 0 {
		t.Fatalf("resend delivered while masked")
	}
	ctrl.Enable(18)
	if len(router.calls) != 1 || router.calls[0].vector != 0x32 {
		t.Fatalf("resend not delivered on enable: %+v", router.calls)
	}
	ctrl.Disable(18)
	ctrl.Enable(18)
	if len(router.calls) != 1 {
		t.Fatalf("resend latch not cleared")
	}
}

func TestIOAPICLevelControllerCycle(t *testing.T) {
	dev := NewIOAPIC(24)
	lapic := NewLocalAPIC(1)
	dev.SetRouting(lapic)
	lapic.AttachEOITarget(dev)
	ctrl := dev.Controller(16, true, lapic)
	if ctrl.Name() != "IO-APIC-level" {
		t.Fatalf("name %q", ctrl.Name())
	}
	if err := dev.Program(4, 0x34, true); err != nil {
		t.Fatal(err)
	}
	if err := lapic.Route(0x34, 20); err != nil {
		t.Fatal(err)
	}
	ctrl.Startup(20)

	dev.SetIRQ(4, true)
	if line, ok := lapic.Next(0); !ok || line != 20 {
		t.Fatalf("next = %d, %v", line, ok)
	}

	ctrl.Ack(0, 20)
	if !dev.Masked(4) {
		t.Fatalf("level ack did not mask")
	}
	if lapic.InService(0, 0x34) {
		t.Fatalf("ack did not retire the vector")
	}
	// The chain is still running elsewhere: stay masked.
	ctrl.End(0, 20, irq.StatusInProgress)
	if !dev.Masked(4) {
		t.Fatalf("end unmasked an in-progress line")
	}
	// The device still holds the line: unmasking redelivers.
	ctrl.End(0, 20, 0)
	if dev.Masked(4) {
		t.Fatalf("end left the pin masked")
	}
	if line, ok := lapic.Next(0); !ok || line != 20 {
		t.Fatalf("held line not redelivered: %d, %v", line, ok)
	}
	if st := dev.Stats(); st.Interrupts != 2 {
		t.Fatalf("interrupts %d, want 2", st.Interrupts)
	}
}
