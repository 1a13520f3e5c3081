package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", c.Now(), epoch)
	}

	c.Advance(time.Minute)
	if !c.Now().Equal(epoch.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", c.Now(), epoch.Add(time.Minute))
	}
}

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)

	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatal("timer fired before its deadline")
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("timer fired %d times, want 1", fired)
	}

	// One-shot: advancing further must not re-fire.
	c.Advance(time.Minute)
	if fired != 1 {
		t.Errorf("timer fired %d times after further advances", fired)
	}
}

func TestFakeAfterFuncZeroDurationRunsInline(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Error("zero-duration callback did not run inline")
	}
	if timer.Stop() {
		t.Error("Stop() reported stopping an already-fired timer")
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() = false for a pending timer")
	}

	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop() = true")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(time.Second, func() { order = append(order, "early") })

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("fire order = %v, want [early late]", order)
	}
}

func TestFakeCallbackMayReschedule(t *testing.T) {
	c := Fake(epoch)

	ticks := 0
	var schedule func()
	schedule = func() {
		c.AfterFunc(time.Second, func() {
			ticks++
			schedule()
		})
	}
	schedule()

	// Rescheduling loops make progress within a single Advance.
	c.Advance(3 * time.Second)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	if c.Now().IsZero() {
		t.Error("Now() returned the zero time")
	}

	done := make(chan struct{})
	timer := c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc never fired")
	}
	if timer.Stop() {
		t.Error("Stop() = true for a fired timer")
	}
}
