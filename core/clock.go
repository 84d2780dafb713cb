package core

import "time"

// Clock abstracts time for components with age-based triggers, so tests can
// drive them deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	Current time.Time
}

func (c *MockClock) Now() time.Time { return c.Current }

// Advance moves the mock clock forward.
func (c *MockClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }
