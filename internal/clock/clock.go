// Package clock abstracts the time source so strategies can be tested
// deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// Real reads the system wall clock.
type Real struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() Real {
	return Real{}
}

// Now returns the current system time.
func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
