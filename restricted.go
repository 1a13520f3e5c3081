package ctrlkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrForbiddenAction is returned when a restricted messenger is
	// asked to perform an action operation outside its grant.
	ErrForbiddenAction = errors.New("action not allowed by messenger grant")

	// ErrForbiddenEvent is returned when a restricted messenger is
	// asked to perform an event operation outside its grant.
	ErrForbiddenEvent = errors.New("event not allowed by messenger grant")
)

// RestrictedConfig declares the capability grant for one controller's
// view of the bus.
type RestrictedConfig struct {
	// Name is the controller namespace. Actions and events under
	// "Name:" are always available to this view; everything else must
	// be listed explicitly.
	Name string

	// AllowedActions are the external action names this controller may
	// call.
	AllowedActions []string

	// AllowedEvents are the external event names this controller may
	// subscribe to.
	AllowedEvents []string
}

// RestrictedMessenger is a controller's view of the bus, fixed at
// construction to a declared set of action and event names. Operations
// under the controller's own namespace are always permitted; anything
// else must appear in the grant or the operation fails fast. This is
// the boundary that keeps controllers from depending on each other by
// accident: the allow-list is checked on every call, not by convention.
type RestrictedMessenger struct {
	parent         *Messenger
	name           string
	allowedActions map[string]struct{}
	allowedEvents  map[string]struct{}
}

// NewRestricted builds a restricted view over the bus. The grant is
// copied and immutable afterwards.
func NewRestricted(parent *Messenger, cfg RestrictedConfig) (*RestrictedMessenger, error) {
	if cfg.Name == "" {
		return nil, errors.New("restricted messenger requires a name")
	}
	rm := &RestrictedMessenger{
		parent:         parent,
		name:           cfg.Name,
		allowedActions: make(map[string]struct{}, len(cfg.AllowedActions)),
		allowedEvents:  make(map[string]struct{}, len(cfg.AllowedEvents)),
	}
	for _, action := range cfg.AllowedActions {
		rm.allowedActions[action] = struct{}{}
	}
	for _, event := range cfg.AllowedEvents {
		rm.allowedEvents[event] = struct{}{}
	}
	return rm, nil
}

// Name returns the controller namespace this view is bound to.
func (rm *RestrictedMessenger) Name() string {
	return rm.name
}

func (rm *RestrictedMessenger) owns(name string) bool {
	return strings.HasPrefix(name, rm.name+":")
}

func (rm *RestrictedMessenger) denied(operation, name string) {
	rm.parent.mu.RLock()
	observer := rm.parent.observer
	rm.parent.mu.RUnlock()
	if observer != nil {
		observer.OperationDenied(rm.name, operation, name)
	}
}

// RegisterActionHandler binds a handler for an action in this
// controller's own namespace. Registering outside the namespace fails
// with ErrForbiddenAction.
func (rm *RestrictedMessenger) RegisterActionHandler(action string, handler ActionHandler) error {
	if !rm.owns(action) {
		rm.denied("registerActionHandler", action)
		return fmt.Errorf("%w: %q is outside namespace %q", ErrForbiddenAction, action, rm.name)
	}
	return rm.parent.RegisterActionHandler(action, handler)
}

// UnregisterActionHandler removes a handler previously registered in
// this controller's own namespace.
func (rm *RestrictedMessenger) UnregisterActionHandler(action string) error {
	if !rm.owns(action) {
		rm.denied("unregisterActionHandler", action)
		return fmt.Errorf("%w: %q is outside namespace %q", ErrForbiddenAction, action, rm.name)
	}
	rm.parent.UnregisterActionHandler(action)
	return nil
}

// Call invokes an action the grant permits. Own-namespace actions are
// always permitted.
func (rm *RestrictedMessenger) Call(ctx context.Context, action string, args ...any) (any, error) {
	if _, allowed := rm.allowedActions[action]; !allowed && !rm.owns(action) {
		rm.denied("call", action)
		return nil, fmt.Errorf("%w: %q not granted to %q", ErrForbiddenAction, action, rm.name)
	}
	return rm.parent.Call(ctx, action, args...)
}

// Publish delivers an event in this controller's own namespace.
// Publishing another controller's event fails with ErrForbiddenEvent.
func (rm *RestrictedMessenger) Publish(event string, payload ...any) error {
	if !rm.owns(event) {
		rm.denied("publish", event)
		return fmt.Errorf("%w: %q is outside namespace %q", ErrForbiddenEvent, event, rm.name)
	}
	rm.parent.Publish(event, payload...)
	return nil
}

// RegisterInitialEventPayload records the current-payload producer for
// an event in this controller's own namespace.
func (rm *RestrictedMessenger) RegisterInitialEventPayload(event string, getPayload func() []any) error {
	if !rm.owns(event) {
		rm.denied("registerInitialEventPayload", event)
		return fmt.Errorf("%w: %q is outside namespace %q", ErrForbiddenEvent, event, rm.name)
	}
	rm.parent.RegisterInitialEventPayload(event, getPayload)
	return nil
}

// Subscribe registers a listener for an event the grant permits.
func (rm *RestrictedMessenger) Subscribe(event string, listener EventListener) error {
	if err := rm.checkEvent("subscribe", event); err != nil {
		return err
	}
	return rm.parent.Subscribe(event, listener)
}

// SubscribeWithSelector registers a change-detecting listener for an
// event the grant permits.
func (rm *RestrictedMessenger) SubscribeWithSelector(event string, listener EventListener, selector Selector) error {
	if err := rm.checkEvent("subscribe", event); err != nil {
		return err
	}
	return rm.parent.SubscribeWithSelector(event, listener, selector)
}

// Unsubscribe removes a listener from an event the grant permits.
func (rm *RestrictedMessenger) Unsubscribe(event string, listener EventListener) error {
	if err := rm.checkEvent("unsubscribe", event); err != nil {
		return err
	}
	rm.parent.Unsubscribe(event, listener)
	return nil
}

func (rm *RestrictedMessenger) checkEvent(operation, event string) error {
	if _, allowed := rm.allowedEvents[event]; !allowed && !rm.owns(event) {
		rm.denied(operation, event)
		return fmt.Errorf("%w: %q not granted to %q", ErrForbiddenEvent, event, rm.name)
	}
	return nil
}
