package ctrlkit

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// State is a controller's entire domain state at a point in time: a
// mapping from property name to value. A published snapshot is never
// mutated in place; updates replace it wholesale.
type State map[string]any

// StateListener receives the new state and the patches that produced it
// after every successful update.
type StateListener func(state State, patches []Patch)

// Recipe computes the next state from a draft copy of the current one.
// Either mutate the draft in place and return nil, or return a full
// replacement and leave the draft untouched. Doing both in the same call
// is a wiring bug and fails with ErrInvalidUpdate.
type Recipe func(draft State) (State, error)

var (
	// ErrInvalidUpdate is returned when a recipe both mutated its draft
	// and returned a replacement state.
	ErrInvalidUpdate = errors.New("update recipe both mutated the draft and returned a state")

	// ErrImmutableState is returned by assignment-shaped operations
	// (Restore) once the container has published state through Update.
	ErrImmutableState = errors.New("state is immutable once published")

	// ErrDestroyed is returned by operations on a destroyed container.
	ErrDestroyed = errors.New("container is destroyed")
)

// Container holds one immutable state value for a controller, mediates
// every mutation through Update, and notifies subscribers with the new
// state and the patches that produced it. Projections for persistence
// and telemetry are derived from the schema.
type Container struct {
	name   string
	schema Schema

	mu          sync.RWMutex
	state       State
	subscribers map[uintptr]StateListener
	messenger   *RestrictedMessenger
	live        bool
	destroyed   bool
}

// New creates a container with its initial state and schema. The initial
// state is copied; the caller's value stays independent.
func New(name string, initial State, schema Schema) *Container {
	return &Container{
		name:        name,
		schema:      schema,
		state:       deepCopyState(initial),
		subscribers: make(map[uintptr]StateListener),
	}
}

// Name returns the controller namespace this container belongs to.
func (c *Container) Name() string {
	return c.name
}

// State returns a copy of the current state. Mutating the returned value
// has no effect on the container.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyState(c.state)
}

// Schema returns the container's projection schema.
func (c *Container) Schema() Schema {
	schema := make(Schema, len(c.schema))
	for key, property := range c.schema {
		schema[key] = property
	}
	return schema
}

// PersistentState returns the persistent projection of the current state.
func (c *Container) PersistentState() State {
	return GetPersistentState(c.State(), c.schema)
}

// AnonymizedState returns the anonymized projection of the current state.
func (c *Container) AnonymizedState() State {
	return GetAnonymizedState(c.State(), c.schema)
}

// StateChangeEvent returns the event name under which bound containers
// publish their changes: "<name>:stateChange".
func (c *Container) StateChangeEvent() string {
	return c.name + ":stateChange"
}

// Bind publishes every future state change as the container's
// stateChange event on the given restricted messenger, which must be
// bound under the container's own name. The event's initial payload is
// registered so selector subscriptions start from the current state.
func (c *Container) Bind(rm *RestrictedMessenger) error {
	if rm.Name() != c.name {
		return fmt.Errorf("cannot bind container %q to messenger restricted to %q", c.name, rm.Name())
	}
	if err := rm.RegisterInitialEventPayload(c.StateChangeEvent(), func() []any {
		return []any{c.State(), []Patch(nil)}
	}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	c.messenger = rm
	return nil
}

// Update runs the recipe against a draft of the current state, commits
// the result, and synchronously notifies every subscriber with the new
// state and the patches that produced it. A recipe that changes nothing
// commits nothing and notifies nobody. A recipe error aborts the update
// with the state unchanged.
func (c *Container) Update(recipe Recipe) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}

	oldState := c.state
	draft := deepCopyState(oldState)
	replacement, err := recipe(draft)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	draftMutated := !reflect.DeepEqual(map[string]any(draft), map[string]any(oldState))

	var newState State
	var patches []Patch
	switch {
	case replacement != nil && draftMutated:
		c.mu.Unlock()
		return fmt.Errorf("%w (container %q)", ErrInvalidUpdate, c.name)
	case replacement != nil:
		newState = deepCopyState(replacement)
		patches = rootReplace(newState)
	case draftMutated:
		newState = draft
		patches = Diff(oldState, draft)
	default:
		c.mu.Unlock()
		return nil
	}

	c.state = newState
	c.live = true

	listeners := make([]StateListener, 0, len(c.subscribers))
	for _, listener := range c.subscribers {
		listeners = append(listeners, listener)
	}
	messenger := c.messenger
	c.mu.Unlock()

	snapshot := deepCopyState(newState)
	for _, listener := range listeners {
		listener(snapshot, patches)
	}
	if messenger != nil {
		if err := messenger.Publish(c.StateChangeEvent(), snapshot, patches); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a listener for state changes. Registration is
// idempotent by function identity: subscribing the same listener again
// still results in exactly one notification per change.
func (c *Container) Subscribe(listener StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.subscribers[reflect.ValueOf(listener).Pointer()] = listener
}

// Unsubscribe removes a listener. Removing a listener that was never
// subscribed is a no-op.
func (c *Container) Unsubscribe(listener StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, reflect.ValueOf(listener).Pointer())
}

// Restore replaces the state wholesale without notification. It is the
// seed path for persistence collaborators and is only legal before the
// container has published state: once any Update commits, Restore fails
// with ErrImmutableState.
func (c *Container) Restore(state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if c.live {
		return fmt.Errorf("%w (container %q)", ErrImmutableState, c.name)
	}
	c.state = deepCopyState(state)
	return nil
}

// Destroy makes the container permanently inert: all subscribers are
// dropped and no further update commits or notifies.
func (c *Container) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.messenger = nil
	c.subscribers = make(map[uintptr]StateListener)
}
