package chipset

// readySink models the PIC "INT" output line.
type readySink interface {
	SetLevel(level bool)
}

// ReadySinkFunc adapts a function to the readySink interface.
type ReadySinkFunc func(level bool)

// SetLevel implements readySink.
func (f ReadySinkFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

type noopReadySink struct{}

func (noopReadySink) SetLevel(bool) {}
