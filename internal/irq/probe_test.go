package irq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newProbeSubsystem(t *testing.T) (*Subsystem, *testController) {
	t.Helper()
	return newTestSubsystem(t, Options{ProbeSettle: time.Millisecond, ProbeWait: 100 * time.Millisecond})
}

// fireDuringWindow triggers each line once it has been armed for
// autodetection by the second probe pass.
func fireDuringWindow(t *testing.T, sub *Subsystem, lines ...uint) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, line := range lines {
			for {
				st, err := sub.Stats(line)
				if err != nil {
					return
				}
				if st.Status&(StatusAutodetect|StatusWaiting) == StatusAutodetect|StatusWaiting {
					break
				}
				time.Sleep(100 * time.Microsecond)
			}
			sub.Dispatch(0, line)
		}
	}()
	return done
}

func assertProbeClean(t *testing.T, sub *Subsystem) {
	t.Helper()
	for line := 0; line < sub.Lines(); line++ {
		if st := mustStats(t, sub, uint(line)); st.Status&StatusAutodetect != 0 {
			t.Fatalf("line %d still marked for autodetection", line)
		}
	}
}

func TestProbeNothingFires(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	mask, err := sub.ProbeOn(context.Background())
	if err != nil {
		t.Fatalf("probe on: %v", err)
	}
	if mask != 0 {
		t.Fatalf("mask %#x with no trigger", mask)
	}
	if got := sub.ProbeOff(mask); got != 0 {
		t.Fatalf("probe off = %d, want 0", got)
	}
	assertProbeClean(t, sub)
}

func TestProbeFindsSingleLine(t *testing.T) {
	sub, _ := newProbeSubsystem(t)
	fired := fireDuringWindow(t, sub, 5)

	mask, err := sub.ProbeOn(context.Background())
	if err != nil {
		t.Fatalf("probe on: %v", err)
	}
	<-fired
	if mask != 1<<5 {
		t.Fatalf("mask %#x, want %#x", mask, 1<<5)
	}
	if got := sub.ProbeOff(mask); got != 5 {
		t.Fatalf("probe off = %d, want 5", got)
	}
	assertProbeClean(t, sub)
}

func TestProbeReportsAmbiguity(t *testing.T) {
	sub, _ := newProbeSubsystem(t)
	fired := fireDuringWindow(t, sub, 9, 3)

	mask, err := sub.ProbeOn(context.Background())
	if err != nil {
		t.Fatalf("probe on: %v", err)
	}
	<-fired
	if got := sub.ProbeOff(mask); got != -3 {
		t.Fatalf("probe off = %d, want -3", got)
	}
}

func TestProbeMaskFiltersCandidates(t *testing.T) {
	sub, _ := newProbeSubsystem(t)
	fired := fireDuringWindow(t, sub, 3, 9)

	if _, err := sub.ProbeOn(context.Background()); err != nil {
		t.Fatalf("probe on: %v", err)
	}
	<-fired
	if got := sub.ProbeMask(1<<9 | 1<<10); got != 1<<9 {
		t.Fatalf("probe mask = %#x, want %#x", got, 1<<9)
	}
	assertProbeClean(t, sub)
}

func TestProbeSkipsClaimedLines(t *testing.T) {
	sub, chip := newProbeSubsystem(t)
	if err := sub.Request(4, func(uint, any) Return { return Handled }, 0, "claimed", &device{}); err != nil {
		t.Fatal(err)
	}
	startups := chip.count("startup")
	fired := fireDuringWindow(t, sub, 6)
	go sub.Dispatch(1, 4)

	mask, err := sub.ProbeOn(context.Background())
	if err != nil {
		t.Fatalf("probe on: %v", err)
	}
	<-fired
	if mask&(1<<4) != 0 {
		t.Fatalf("claimed line reported in mask %#x", mask)
	}
	if got := sub.ProbeOff(mask); got != 6 {
		t.Fatalf("probe off = %d, want 6", got)
	}
	// Lines 1..47 except the claimed one are started twice; line 0 never.
	if want := startups + 2*(sub.Lines()-2); chip.count("startup") != want {
		t.Fatalf("startup calls %d, want %d", chip.count("startup"), want)
	}
}

func TestProbeHighLineOnlyInProbeOff(t *testing.T) {
	sub, _ := newProbeSubsystem(t)
	fired := fireDuringWindow(t, sub, 40)

	mask, err := sub.ProbeOn(context.Background())
	if err != nil {
		t.Fatalf("probe on: %v", err)
	}
	<-fired
	if mask != 0 {
		t.Fatalf("mask %#x, line 40 does not fit", mask)
	}
	if got := sub.ProbeOff(mask); got != 40 {
		t.Fatalf("probe off = %d, want 40", got)
	}
}

func TestProbeSessionsAreExclusive(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	if _, err := sub.ProbeOn(context.Background()); err != nil {
		t.Fatalf("probe on: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sub.ProbeOn(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second session: got %v, want deadline exceeded", err)
	}

	sub.ProbeOff(0)
	if _, err := sub.ProbeOn(context.Background()); err != nil {
		t.Fatalf("session after probe off: %v", err)
	}
	sub.ProbeOff(0)
}

func TestProbeCancelledCleansUp(t *testing.T) {
	sub, _ := newProbeSubsystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sub.ProbeOn(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	assertProbeClean(t, sub)

	if got := sub.ProbeOff(0); got != 0 {
		t.Fatalf("probe off after cancel = %d", got)
	}
	if _, err := sub.ProbeOn(context.Background()); err != nil {
		t.Fatalf("token not released after cancel: %v", err)
	}
	sub.ProbeOff(0)
}

func TestProbeEndWithoutSession(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	if got := sub.ProbeOff(0); got != 0 {
		t.Fatalf("probe off without session = %d", got)
	}
	if got := sub.ProbeMask(^uint32(0)); got != 0 {
		t.Fatalf("probe mask without session = %#x", got)
	}
}
