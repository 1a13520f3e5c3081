// Package ratelimit implements a call-budget controller. Other
// controllers reach it exclusively through the "RateLimitController:call"
// action on the messenger; the budget state lives in a state container
// so consumption is observable like any other controller state.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorail/ctrlkit"
	"github.com/quorail/ctrlkit/clock"
)

// ControllerName is the controller's messenger namespace.
const ControllerName = "RateLimitController"

// ActionCall is the single action the controller registers.
const ActionCall = ControllerName + ":call"

// ApiFunc is the implementation bound to one rate-limited call type.
type ApiFunc func(args ...any)

// Request names a call type and carries its arguments.
type Request struct {
	Type string
	Args []any
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallLimit sets the number of calls allowed per window.
// Default is 1.
func WithCallLimit(limit int) Option {
	return func(c *Controller) {
		c.limit = limit
	}
}

// WithWindow sets the length of the rate-limit window.
// Default is 5 minutes.
func WithWindow(window time.Duration) Option {
	return func(c *Controller) {
		c.window = window
	}
}

// WithClock sets the clock used to schedule window resets.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// Controller counts calls per type within a rolling window and refuses
// calls over budget. The first call for a type after a reset schedules
// the window timer; when it fires the type's count returns to zero and
// no new timer runs until the next call.
type Controller struct {
	messenger *ctrlkit.RestrictedMessenger
	container *ctrlkit.Container
	impls     map[string]ApiFunc
	clock     clock.Clock
	limit     int
	window    time.Duration

	mu        sync.Mutex
	counts    map[string]int
	timers    map[string]clock.Timer
	destroyed bool
}

// New wires a controller onto its restricted messenger, which must be
// bound under ControllerName. Each implementation entry becomes one
// rate-limited call type.
func New(rm *ctrlkit.RestrictedMessenger, implementations map[string]ApiFunc, opts ...Option) (*Controller, error) {
	if rm.Name() != ControllerName {
		return nil, fmt.Errorf("messenger restricted to %q, want %q", rm.Name(), ControllerName)
	}

	requests := make(map[string]any, len(implementations))
	for callType := range implementations {
		requests[callType] = 0
	}

	c := &Controller{
		messenger: rm,
		container: ctrlkit.New(ControllerName, ctrlkit.State{"requests": requests}, ctrlkit.Schema{
			"requests": {
				Persist:   ctrlkit.Omit(),
				Anonymous: ctrlkit.Keep(),
			},
		}),
		impls:  implementations,
		clock:  clock.Real(),
		limit:  1,
		window: 5 * time.Minute,
		counts: make(map[string]int),
		timers: make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.container.Bind(rm); err != nil {
		return nil, err
	}
	if err := rm.RegisterActionHandler(ActionCall, c.handleCall); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) handleCall(ctx context.Context, args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: want (origin, request), got %d arguments", ActionCall, len(args))
	}
	origin, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s: origin is %T, want string", ActionCall, args[0])
	}
	request, ok := args[1].(Request)
	if !ok {
		return nil, fmt.Errorf("%s: request is %T, want ratelimit.Request", ActionCall, args[1])
	}
	return c.Call(origin, request), nil
}

// Call invokes the implementation for the request's type unless the
// type is unknown or its budget for the current window is exhausted.
// Reports whether the implementation ran. The origin is forwarded as
// the first implementation argument.
func (c *Controller) Call(origin string, request Request) bool {
	impl, known := c.impls[request.Type]
	if !known {
		return false
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	count := c.counts[request.Type]
	if count >= c.limit {
		c.mu.Unlock()
		return false
	}
	if count == 0 {
		callType := request.Type
		c.timers[callType] = c.clock.AfterFunc(c.window, func() {
			c.reset(callType)
		})
	}
	c.counts[request.Type] = count + 1
	c.mu.Unlock()

	// The container update publishes stateChange synchronously, so it
	// must run with mu released: a subscriber may re-enter Call.
	c.setCount(request.Type, count+1)
	impl(append([]any{origin}, request.Args...)...)
	return true
}

// setCount mirrors a call count into the observable container state.
// The counts map under mu stays authoritative. Must not be called
// while holding mu.
func (c *Controller) setCount(callType string, count int) {
	// The recipe only touches one key, so subscribers of the container
	// see a patch scoped to requests.<type>.
	_ = c.container.Update(func(draft ctrlkit.State) (ctrlkit.State, error) {
		requests, _ := draft["requests"].(map[string]any)
		if requests == nil {
			requests = make(map[string]any)
			draft["requests"] = requests
		}
		requests[callType] = count
		return nil, nil
	})
}

func (c *Controller) reset(callType string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	delete(c.timers, callType)
	c.counts[callType] = 0
	c.mu.Unlock()

	c.setCount(callType, 0)
}

// Container exposes the controller's state container, e.g. for
// wiring persistence or inspecting the anonymized projection.
func (c *Controller) Container() *ctrlkit.Container {
	return c.container
}

// Destroy stops pending window timers, unregisters the call action,
// and destroys the state container.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	for _, timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[string]clock.Timer)
	c.mu.Unlock()

	_ = c.messenger.UnregisterActionHandler(ActionCall)
	c.container.Destroy()
}
