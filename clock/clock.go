// Package clock provides an injectable time abstraction so that
// timer-driven controllers (rate-limit window resets, polling loops)
// can be tested deterministically. Production code injects Real();
// tests inject Fake() and drive time with Advance.
package clock

import "time"

// Clock abstracts the time operations this module schedules with.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. The returned Timer cancels the pending call with Stop.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled one-shot callback.
type Timer interface {
	// Stop prevents the timer from firing. Reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool {
	return t.timer.Stop()
}
