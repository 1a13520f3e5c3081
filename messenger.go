package ctrlkit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ActionHandler services a named request/response action. Errors
// propagate to the caller of Call unmodified.
type ActionHandler func(ctx context.Context, args ...any) (any, error)

// EventListener receives the payload of a published event. Listeners
// registered with a selector receive the selected value instead.
type EventListener func(payload ...any)

// Selector narrows an event payload to the value a listener cares
// about; the listener then only fires when that value changes.
type Selector func(payload ...any) any

var (
	// ErrDuplicateActionHandler is returned when an action name that
	// already has a handler is registered again without unregistering.
	ErrDuplicateActionHandler = errors.New("action handler already registered")

	// ErrNoSuchAction is returned by Call for an unregistered action.
	ErrNoSuchAction = errors.New("no handler registered for action")
)

type eventSubscription struct {
	listener EventListener
	selector Selector

	mu     sync.Mutex
	last   any
	seeded bool
}

// Messenger is the action/event bus connecting controllers. Actions are
// request/response with exactly one handler per name; events are
// fire-and-forget with any number of subscribers. Action and event
// names follow the "ControllerName:operation" convention. A Messenger
// is explicitly constructed and passed; there is no process global.
//
// Controllers do not use a Messenger directly; each receives a
// RestrictedMessenger scoped to its declared grant.
type Messenger struct {
	mu       sync.RWMutex
	actions  map[string]ActionHandler
	events   map[string]map[uintptr]*eventSubscription
	initial  map[string]func() []any
	observer Observability
}

// MessengerOption configures a Messenger.
type MessengerOption func(*Messenger)

// WithObservability installs an instrumentation hook for calls and
// publishes. A nil hook is ignored.
func WithObservability(observer Observability) MessengerOption {
	return func(m *Messenger) {
		m.observer = observer
	}
}

// Observability receives instrumentation callbacks from a Messenger.
// Implementations must be safe for concurrent use.
type Observability interface {
	// CallBegin is invoked before an action handler runs. The returned
	// context is passed to the handler; the returned function is
	// invoked with the handler's error once it completes.
	CallBegin(ctx context.Context, action string) (context.Context, func(err error))

	// EventPublished is invoked after an event is delivered, with the
	// number of subscribers that received it.
	EventPublished(event string, delivered int)

	// OperationDenied is invoked when a restricted messenger rejects
	// an out-of-grant operation.
	OperationDenied(restrictedTo, operation, name string)
}

// NewMessenger creates an empty bus.
func NewMessenger(opts ...MessengerOption) *Messenger {
	m := &Messenger{
		actions: make(map[string]ActionHandler),
		events:  make(map[string]map[uintptr]*eventSubscription),
		initial: make(map[string]func() []any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterActionHandler binds the single handler for an action name.
// Registering a second handler for the same name fails; unregister
// first to replace.
func (m *Messenger) RegisterActionHandler(action string, handler ActionHandler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for action %q", action)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actions[action]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateActionHandler, action)
	}
	m.actions[action] = handler
	return nil
}

// UnregisterActionHandler removes the handler for an action name, if
// any. Unregistering an unbound name is a no-op.
func (m *Messenger) UnregisterActionHandler(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, action)
}

// Call invokes the handler registered for the action synchronously and
// returns its result. Handler errors are returned unwrapped. Calling an
// unregistered action fails with ErrNoSuchAction.
func (m *Messenger) Call(ctx context.Context, action string, args ...any) (any, error) {
	m.mu.RLock()
	handler, exists := m.actions[action]
	observer := m.observer
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchAction, action)
	}

	if observer != nil {
		var done func(error)
		ctx, done = observer.CallBegin(ctx, action)
		result, err := handler(ctx, args...)
		done(err)
		return result, err
	}
	return handler(ctx, args...)
}

// CallAs invokes an action through any messenger surface and asserts
// the result to R. A result of a different dynamic type is an error; a
// nil result yields the zero R.
func CallAs[R any](ctx context.Context, caller interface {
	Call(ctx context.Context, action string, args ...any) (any, error)
}, action string, args ...any) (R, error) {
	var zero R
	result, err := caller.Call(ctx, action, args...)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(R)
	if !ok {
		return zero, fmt.Errorf("action %q returned %T, want %T", action, result, zero)
	}
	return typed, nil
}

// RegisterInitialEventPayload records a producer for an event's current
// payload. Selector subscriptions are seeded from it so they fire only
// when the selected value actually changes from its value at
// subscription time.
func (m *Messenger) RegisterInitialEventPayload(event string, getPayload func() []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initial[event] = getPayload
}

// Subscribe registers a listener for an event. The same listener can be
// registered once per event name; re-subscribing replaces its selector.
func (m *Messenger) Subscribe(event string, listener EventListener) error {
	return m.subscribe(event, listener, nil)
}

// SubscribeWithSelector registers a listener that receives
// selector(payload) instead of the raw payload, and only when that
// value differs from the previous delivery.
func (m *Messenger) SubscribeWithSelector(event string, listener EventListener, selector Selector) error {
	if selector == nil {
		return fmt.Errorf("nil selector for event %q", event)
	}
	return m.subscribe(event, listener, selector)
}

func (m *Messenger) subscribe(event string, listener EventListener, selector Selector) error {
	if listener == nil {
		return fmt.Errorf("nil listener for event %q", event)
	}

	subscription := &eventSubscription{listener: listener, selector: selector}

	m.mu.Lock()
	defer m.mu.Unlock()
	if selector != nil {
		if getPayload, exists := m.initial[event]; exists {
			subscription.last = selector(getPayload()...)
			subscription.seeded = true
		}
	}
	subscriptions, exists := m.events[event]
	if !exists {
		subscriptions = make(map[uintptr]*eventSubscription)
		m.events[event] = subscriptions
	}
	subscriptions[reflect.ValueOf(listener).Pointer()] = subscription
	return nil
}

// Unsubscribe removes a listener from an event. Removing a listener
// that was never subscribed is a no-op.
func (m *Messenger) Unsubscribe(event string, listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscriptions, exists := m.events[event]
	if !exists {
		return
	}
	delete(subscriptions, reflect.ValueOf(listener).Pointer())
	if len(subscriptions) == 0 {
		delete(m.events, event)
	}
}

// Publish delivers the payload to every current subscriber of the
// event, synchronously. Each live subscriber is invoked exactly once;
// delivery order across subscribers is unspecified.
func (m *Messenger) Publish(event string, payload ...any) {
	m.mu.RLock()
	subscriptions := make([]*eventSubscription, 0, len(m.events[event]))
	for _, subscription := range m.events[event] {
		subscriptions = append(subscriptions, subscription)
	}
	observer := m.observer
	m.mu.RUnlock()

	delivered := 0
	for _, subscription := range subscriptions {
		if subscription.deliver(payload) {
			delivered++
		}
	}
	if observer != nil {
		observer.EventPublished(event, delivered)
	}
}

// deliver invokes the subscription's listener for the payload, applying
// selector change detection when a selector is present. Reports whether
// the listener actually fired.
func (s *eventSubscription) deliver(payload []any) bool {
	if s.selector == nil {
		s.listener(payload...)
		return true
	}

	selected := s.selector(payload...)

	s.mu.Lock()
	if s.seeded && reflect.DeepEqual(selected, s.last) {
		s.mu.Unlock()
		return false
	}
	s.last = selected
	s.seeded = true
	s.mu.Unlock()

	s.listener(selected)
	return true
}
