package irq

import (
	"strings"
	"testing"
	"time"
)

func TestDisableEnableNesting(t *testing.T) {
	sub, chip := newTestSubsystem(t, Options{})
	calls := 0
	if err := sub.Request(3, handledBy(&calls), 0, "dev", &device{}); err != nil {
		t.Fatal(err)
	}

	const n = 4
	for i := 0; i < n; i++ {
		sub.Disable(3)
	}
	if st := mustStats(t, sub, 3); st.Depth != n || st.Status&StatusDisabled == 0 {
		t.Fatalf("after %d disables depth=%d status=%v", n, st.Depth, st.Status)
	}
	for i := 0; i < n-1; i++ {
		sub.Enable(3)
		sub.Dispatch(0, 3)
	}
	if calls != 0 {
		t.Fatalf("handler ran while still disabled")
	}
	if !chip.isMasked(3) {
		t.Fatalf("line unmasked before the last enable")
	}

	sub.Enable(3)
	st := mustStats(t, sub, 3)
	if st.Depth != 0 || st.Status&StatusDisabled != 0 {
		t.Fatalf("after balanced enables depth=%d status=%v", st.Depth, st.Status)
	}
	if chip.count("disable") != 1 || chip.count("enable") != 1 {
		t.Fatalf("controller disable=%d enable=%d, want one each", chip.count("disable"), chip.count("enable"))
	}
	sub.Dispatch(0, 3)
	if calls != 1 {
		t.Fatalf("handler ran %d times after enable", calls)
	}
}

func TestUnbalancedEnable(t *testing.T) {
	log, buf := bufferLogger()
	sub, chip := newTestSubsystem(t, Options{Logger: log})
	if err := sub.Request(4, func(uint, any) Return { return Handled }, 0, "dev", &device{}); err != nil {
		t.Fatal(err)
	}
	sub.Enable(4)

	if st := mustStats(t, sub, 4); st.Depth != 0 || st.Status&StatusDisabled != 0 {
		t.Fatalf("unbalanced enable changed state: %+v", st)
	}
	if chip.count("enable") != 0 {
		t.Fatalf("unbalanced enable reached the controller")
	}
	if !strings.Contains(buf.String(), "unbalanced enable") {
		t.Fatalf("unbalanced enable not logged:\n%s", buf.String())
	}
}

func TestEnableReplaysLatchedTrigger(t *testing.T) {
	sub, chip := newTestSubsystem(t, Options{})
	calls := 0
	if err := sub.Request(5, handledBy(&calls), 0, "edge", &device{}); err != nil {
		t.Fatal(err)
	}

	sub.DisableNosync(5)
	sub.Dispatch(0, 5)
	sub.Enable(5)

	st := mustStats(t, sub, 5)
	if st.Status&StatusReplay == 0 {
		t.Fatalf("status %v, want replay", st.Status)
	}
	if len(chip.resent) != 1 || chip.resent[0] != 5 {
		t.Fatalf("resent %v, want [5]", chip.resent)
	}

	// A second cycle without a new trigger must not resend again.
	sub.DisableNosync(5)
	sub.Enable(5)
	if len(chip.resent) != 1 {
		t.Fatalf("resent twice for one latched trigger: %v", chip.resent)
	}

	// The replayed edge arrives as a normal trigger and clears the bits.
	sub.Dispatch(0, 5)
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if st := mustStats(t, sub, 5); st.Status&(StatusReplay|StatusPending) != 0 {
		t.Fatalf("status %v after replay dispatch", st.Status)
	}
}

func TestEnableWithoutLatchDoesNotResend(t *testing.T) {
	sub, chip := newTestSubsystem(t, Options{})
	if err := sub.Request(6, func(uint, any) Return { return Handled }, 0, "dev", &device{}); err != nil {
		t.Fatal(err)
	}
	sub.Disable(6)
	sub.Enable(6)
	if len(chip.resent) != 0 {
		t.Fatalf("resent %v without a latched trigger", chip.resent)
	}
}

func TestDisableWaitsForRunningChain(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	err := sub.Request(7, func(uint, any) Return {
		close(entered)
		<-release
		return Handled
	}, 0, "slow", &device{})
	if err != nil {
		t.Fatal(err)
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		sub.Dispatch(2, 7)
	}()
	<-entered

	disabled := make(chan struct{})
	go func() {
		defer close(disabled)
		sub.Disable(7)
	}()

	select {
	case <-disabled:
		t.Fatalf("Disable returned while the chain was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-disabled:
	case <-time.After(5 * time.Second):
		t.Fatalf("Disable did not return after the chain finished")
	}
	<-dispatched

	if st := mustStats(t, sub, 7); st.Status&(StatusInProgress|StatusDisabled) != StatusDisabled {
		t.Fatalf("status %v after disable", st.Status)
	}
}

func TestDisableNosyncDoesNotWait(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	err := sub.Request(8, func(uint, any) Return {
		close(entered)
		<-release
		return Handled
	}, 0, "slow", &device{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.Dispatch(0, 8)
	}()
	<-entered

	sub.DisableNosync(8)
	if st := mustStats(t, sub, 8); st.Status&StatusInProgress == 0 {
		t.Fatalf("chain finished before release")
	}
	close(release)
	<-done
}
