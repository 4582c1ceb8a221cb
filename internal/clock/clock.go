// Package clock provides the time port components use instead of reading
// the OS clock directly, so tests can advance time explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into time-dependent components.
type Clock interface {
	Now() time.Time
}

// System reads the OS clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a test clock advanced explicitly.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
