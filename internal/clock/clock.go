package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that compute ages and staleness.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at the given time.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at.UTC()}
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
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the fake clock to the given time.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	f.now = at.UTC()
	f.mu.Unlock()
}
