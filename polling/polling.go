// Package polling implements a controller that drives periodic
// side-effecting work, one polling loop per input. It depends only on
// plain callback registration, not on the messenger.
package polling

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/quorail/ctrlkit/clock"
)

// Executor performs one poll for an input. The context is canceled
// when the input's loop stops.
type Executor func(ctx context.Context, input string) error

// Option configures a Controller.
type Option func(*Controller)

// WithInterval sets the time between polls. Default is 30 seconds.
func WithInterval(interval time.Duration) Option {
	return func(c *Controller) {
		c.interval = interval
	}
}

// WithClock sets the clock used to schedule polls.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

type session struct {
	timer  clock.Timer
	cancel context.CancelFunc
}

// Controller runs the executor on an interval for every started input.
// Each input has at most one loop; callbacks report per-poll outcomes.
type Controller struct {
	executor Executor
	interval time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	sessions  map[string]*session
	onSuccess map[uintptr]func(input string)
	onError   map[uintptr]func(input string, err error)
	destroyed bool
}

// NewController creates a polling controller around an executor.
func NewController(executor Executor, opts ...Option) *Controller {
	c := &Controller{
		executor:  executor,
		interval:  30 * time.Second,
		clock:     clock.Real(),
		sessions:  make(map[string]*session),
		onSuccess: make(map[uintptr]func(string)),
		onError:   make(map[uintptr]func(string, error)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnPollSuccess registers a callback fired after each successful poll.
// Registration is idempotent by function identity.
func (c *Controller) OnPollSuccess(fn func(input string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSuccess[reflect.ValueOf(fn).Pointer()] = fn
}

// OnPollError registers a callback fired after each failed poll.
// Registration is idempotent by function identity.
func (c *Controller) OnPollError(fn func(input string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError[reflect.ValueOf(fn).Pointer()] = fn
}

// Start begins the polling loop for an input. Starting an input whose
// loop is already running is a no-op. The first poll runs one interval
// after Start.
func (c *Controller) Start(input string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if _, running := c.sessions[input]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel}
	c.sessions[input] = s
	s.timer = c.clock.AfterFunc(c.interval, func() {
		c.poll(ctx, input)
	})
}

// poll runs one executor pass and reschedules while the input is live.
func (c *Controller) poll(ctx context.Context, input string) {
	c.mu.Lock()
	s, running := c.sessions[input]
	c.mu.Unlock()
	if !running || ctx.Err() != nil {
		return
	}

	err := c.executor(ctx, input)

	c.mu.Lock()
	var callbacks []func()
	if err != nil {
		for _, fn := range c.onError {
			fn := fn
			callbacks = append(callbacks, func() { fn(input, err) })
		}
	} else {
		for _, fn := range c.onSuccess {
			fn := fn
			callbacks = append(callbacks, func() { fn(input) })
		}
	}
	if _, running := c.sessions[input]; running && !c.destroyed {
		s.timer = c.clock.AfterFunc(c.interval, func() {
			c.poll(ctx, input)
		})
	}
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// Stop ends the polling loop for an input. Stopping an input that is
// not running is a no-op.
func (c *Controller) Stop(input string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(input)
}

func (c *Controller) stopLocked(input string) {
	s, running := c.sessions[input]
	if !running {
		return
	}
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(c.sessions, input)
}

// StopAll ends every polling loop.
func (c *Controller) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for input := range c.sessions {
		c.stopLocked(input)
	}
}

// Active reports whether an input's polling loop is running.
func (c *Controller) Active(input string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, running := c.sessions[input]
	return running
}

// Destroy stops every loop and drops all callbacks; the controller
// schedules no further timers.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	for input := range c.sessions {
		c.stopLocked(input)
	}
	c.onSuccess = make(map[uintptr]func(string))
	c.onError = make(map[uintptr]func(string, error))
}
