package polling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quorail/ctrlkit/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingExecutor counts polls per input and fails inputs on demand.
type recordingExecutor struct {
	mu    sync.Mutex
	polls map[string]int
	fail  map[string]error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		polls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (e *recordingExecutor) execute(ctx context.Context, input string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls[input]++
	return e.fail[input]
}

func (e *recordingExecutor) count(input string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls[input]
}

func newTestController(t *testing.T) (*Controller, *recordingExecutor, *clock.FakeClock) {
	t.Helper()
	executor := newRecordingExecutor()
	fake := clock.Fake(epoch)
	c := NewController(executor.execute, WithInterval(time.Minute), WithClock(fake))
	t.Cleanup(c.Destroy)
	return c, executor, fake
}

func TestPollsOncePerInterval(t *testing.T) {
	c, executor, fake := newTestController(t)
	c.Start("mainnet")

	if executor.count("mainnet") != 0 {
		t.Fatal("executor ran before the first interval")
	}

	fake.Advance(time.Minute)
	if got := executor.count("mainnet"); got != 1 {
		t.Fatalf("polls after one interval = %d, want 1", got)
	}

	fake.Advance(3 * time.Minute)
	if got := executor.count("mainnet"); got != 4 {
		t.Errorf("polls after four intervals = %d, want 4", got)
	}
}

func TestStartIsIdempotentPerInput(t *testing.T) {
	c, executor, fake := newTestController(t)
	c.Start("mainnet")
	c.Start("mainnet")

	fake.Advance(time.Minute)
	if got := executor.count("mainnet"); got != 1 {
		t.Errorf("polls = %d, want 1 despite double Start", got)
	}
}

func TestIndependentLoopsPerInput(t *testing.T) {
	c, executor, fake := newTestController(t)
	c.Start("mainnet")
	c.Start("optimism")

	fake.Advance(time.Minute)
	if executor.count("mainnet") != 1 || executor.count("optimism") != 1 {
		t.Errorf("polls = (%d, %d), want (1, 1)",
			executor.count("mainnet"), executor.count("optimism"))
	}

	c.Stop("optimism")
	fake.Advance(time.Minute)
	if executor.count("mainnet") != 2 {
		t.Errorf("mainnet polls = %d, want 2", executor.count("mainnet"))
	}
	if executor.count("optimism") != 1 {
		t.Errorf("optimism polled after Stop")
	}
}

func TestSuccessAndErrorCallbacks(t *testing.T) {
	c, executor, fake := newTestController(t)

	var successes, failures []string
	c.OnPollSuccess(func(input string) { successes = append(successes, input) })
	c.OnPollError(func(input string, err error) { failures = append(failures, input) })

	executor.fail["broken"] = fmt.Errorf("rpc timeout")
	c.Start("mainnet")
	c.Start("broken")

	fake.Advance(time.Minute)
	if len(successes) != 1 || successes[0] != "mainnet" {
		t.Errorf("successes = %v, want [mainnet]", successes)
	}
	if len(failures) != 1 || failures[0] != "broken" {
		t.Errorf("failures = %v, want [broken]", failures)
	}
}

func TestCallbackRegistrationIsIdempotent(t *testing.T) {
	c, _, fake := newTestController(t)

	calls := 0
	callback := func(input string) { calls++ }
	c.OnPollSuccess(callback)
	c.OnPollSuccess(callback)

	c.Start("mainnet")
	fake.Advance(time.Minute)
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestErrorLoopKeepsPolling(t *testing.T) {
	c, executor, fake := newTestController(t)
	executor.fail["broken"] = fmt.Errorf("rpc timeout")
	c.Start("broken")

	fake.Advance(2 * time.Minute)
	if got := executor.count("broken"); got != 2 {
		t.Errorf("polls = %d, want the loop to continue after errors", got)
	}
}

func TestStopAll(t *testing.T) {
	c, executor, fake := newTestController(t)
	c.Start("a")
	c.Start("b")
	c.StopAll()

	if c.Active("a") || c.Active("b") {
		t.Error("inputs still active after StopAll")
	}

	fake.Advance(time.Hour)
	if executor.count("a") != 0 || executor.count("b") != 0 {
		t.Error("stopped loops still polled")
	}
}

func TestDestroyDropsCallbacksAndLoops(t *testing.T) {
	c, executor, fake := newTestController(t)

	calls := 0
	c.OnPollSuccess(func(input string) { calls++ })
	c.Start("mainnet")
	c.Destroy()

	fake.Advance(time.Hour)
	if executor.count("mainnet") != 0 {
		t.Error("destroyed controller still polled")
	}
	if calls != 0 {
		t.Error("destroyed controller fired callbacks")
	}

	// Start after Destroy is a no-op.
	c.Start("mainnet")
	if c.Active("mainnet") {
		t.Error("controller accepted new input after Destroy")
	}
}
