// Every expiry comparison in fig goes through an injected Clock instead of reading the wall clock
// directly. Production code uses System; tests use Fake to simulate time passage deterministically.

package clock

import (
	"sync"
	"time"
)

// Clock is the time source used for entry timestamps and expiry decisions.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

var _ Clock = System{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually driven clock for tests.
type Fake struct {
	mux sync.Mutex
	now time.Time
}

var _ Clock = (*Fake)(nil)

// NewFake is the constructor for Fake, starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.now
}

// Advance moves the clock forward by `d`.
func (f *Fake) Advance(d time.Duration) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the clock to the given instant.
func (f *Fake) Set(t time.Time) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.now = t
}
