package irq

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

type steeringController struct {
	*testController
	masks map[uint]unix.CPUSet
}

func (c *steeringController) SetAffinity(line uint, mask unix.CPUSet) {
	c.masks[line] = mask
}

func TestSetAffinity(t *testing.T) {
	sub, _ := newTestSubsystem(t, Options{})
	chip := &steeringController{testController: newTestController(), masks: make(map[uint]unix.CPUSet)}
	if err := sub.Bind(30, chip); err != nil {
		t.Fatal(err)
	}

	var mask unix.CPUSet
	mask.Set(2)
	if err := sub.SetAffinity(30, mask); err != nil {
		t.Fatalf("set affinity: %v", err)
	}
	got := chip.masks[30]
	if !got.IsSet(2) || got.Count() != 1 {
		t.Fatalf("controller saw mask with %d cpus", got.Count())
	}

	if err := sub.SetAffinity(31, mask); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("non-steering controller: got %v, want ErrNotSupported", err)
	}

	var empty unix.CPUSet
	if err := sub.SetAffinity(30, empty); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty mask: got %v, want ErrInvalidArgument", err)
	}
	var offline unix.CPUSet
	offline.Set(sub.CPUs() + 8)
	if err := sub.SetAffinity(30, offline); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("offline cpus: got %v, want ErrInvalidArgument", err)
	}
	if err := sub.SetAffinity(uint(sub.Lines()), mask); !errors.Is(err, ErrNoSuchLine) {
		t.Fatalf("bad line: got %v, want ErrNoSuchLine", err)
	}
}
