// Package clock abstracts time for deterministic tests.
package clock

import "time"

// Clock supplies the current time and timers to components that would
// otherwise call time.Now directly.
type Clock interface {
	Now() time.Time
	NowMillis() int64
}

// System is the real clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// NowMillis returns the current time as unix milliseconds.
func (System) NowMillis() int64 { return time.Now().UnixMilli() }

// Fixed is a manually advanced clock for tests.
type Fixed struct {
	T time.Time
}

// Now returns the fixed time.
func (f *Fixed) Now() time.Time { return f.T }

// NowMillis returns the fixed time as unix milliseconds.
func (f *Fixed) NowMillis() int64 { return f.T.UnixMilli() }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
