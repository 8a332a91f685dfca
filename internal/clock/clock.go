package clock

import "time"

// Clock supplies the time used by all control logic. Go's time.Time carries
// a monotonic reading, so dwell timers and retry windows are immune to
// wall-clock jumps; wall-clock formatting is only applied when a message
// leaves the node.
type Clock interface {
	Now() time.Time
}

// System is the production clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake creates a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
