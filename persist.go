package ctrlkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoState is returned by StateStore.Load when nothing has been
// saved for a controller.
var ErrNoState = errors.New("no persisted state for controller")

// PersistedState is a saved persistent-state projection. Version is
// the controller's state format version at save time; Rev increases
// with every save.
type PersistedState struct {
	Controller string          `json:"controller"`
	Rev        int64           `json:"rev"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StateStore is the interface persistence collaborators implement.
// Save overwrites the controller's previous row; Load returns the
// latest one.
type StateStore interface {
	Save(ctx context.Context, state *PersistedState) error
	Load(ctx context.Context, controller string) (*PersistedState, error)
	Close() error
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithSaveErrorHandler replaces the default handler (an slog error
// record) for failed saves. Save failures are environmental, not
// programming errors, so they never abort the update that caused them.
func WithSaveErrorHandler(fn func(controller string, err error)) PersisterOption {
	return func(p *Persister) {
		p.onError = fn
	}
}

// WithSavePolicy sets the policy deciding which changes are written
// through. Default is EveryChange.
func WithSavePolicy(policy SavePolicy) PersisterOption {
	return func(p *Persister) {
		p.policy = policy
	}
}

// SavePolicy decides whether a state change is written through to the
// store.
type SavePolicy interface {
	// ShouldSave is consulted once per change with the revision being
	// saved and the time of the controller's last write.
	ShouldSave(rev int64, lastSave time.Time) bool
}

// PolicyFunc adapts a function to a SavePolicy.
type PolicyFunc func(rev int64, lastSave time.Time) bool

func (f PolicyFunc) ShouldSave(rev int64, lastSave time.Time) bool {
	return f(rev, lastSave)
}

// EveryChange writes through on every state change.
func EveryChange() SavePolicy {
	return PolicyFunc(func(int64, time.Time) bool { return true })
}

// MinInterval skips writes landing within d of the controller's
// previous one. Skipped changes are not replayed later; use this only
// where the latest row being slightly stale is acceptable.
func MinInterval(d time.Duration) SavePolicy {
	return PolicyFunc(func(rev int64, lastSave time.Time) bool {
		return time.Since(lastSave) >= d
	})
}

// Persister bridges container change notifications into a StateStore:
// every committed update write-through saves the container's persistent
// projection, JSON-encoded, under a monotonically increasing revision.
type Persister struct {
	store      StateStore
	onError    func(controller string, err error)
	policy     SavePolicy
	migrations *migrationRegistry

	mu       sync.Mutex
	rev      map[string]int64
	lastSave map[string]time.Time
	attached map[string]StateListener
}

// NewPersister creates a persister over a store.
func NewPersister(store StateStore, opts ...PersisterOption) *Persister {
	p := &Persister{
		store: store,
		onError: func(controller string, err error) {
			slog.Error("persist state", "controller", controller, "error", err)
		},
		policy:     EveryChange(),
		migrations: newMigrationRegistry(),
		rev:        make(map[string]int64),
		lastSave:   make(map[string]time.Time),
		attached:   make(map[string]StateListener),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterMigrations declares a controller's current state format
// version and the gapless chain upgrading older saved states to it.
// Controllers without registered migrations are version 0.
func (p *Persister) RegisterMigrations(controller string, current int64, migrations ...Migration) error {
	return p.migrations.register(controller, current, migrations)
}

// Attach subscribes to the container and saves its persistent
// projection on every change. Attaching an already-attached container
// is a no-op.
func (p *Persister) Attach(container *Container) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.attached[container.Name()]; exists {
		return
	}

	listener := func(State, []Patch) {
		p.save(container)
	}
	p.attached[container.Name()] = listener
	container.Subscribe(listener)
}

// Detach stops saving a container's changes.
func (p *Persister) Detach(container *Container) {
	p.mu.Lock()
	defer p.mu.Unlock()
	listener, exists := p.attached[container.Name()]
	if !exists {
		return
	}
	delete(p.attached, container.Name())
	container.Unsubscribe(listener)
}

func (p *Persister) save(container *Container) {
	data, err := json.Marshal(container.PersistentState())
	if err != nil {
		p.onError(container.Name(), fmt.Errorf("encode persistent state: %w", err))
		return
	}

	p.mu.Lock()
	p.rev[container.Name()]++
	rev := p.rev[container.Name()]
	if !p.policy.ShouldSave(rev, p.lastSave[container.Name()]) {
		p.mu.Unlock()
		return
	}
	p.lastSave[container.Name()] = time.Now()
	p.mu.Unlock()

	err = p.store.Save(context.Background(), &PersistedState{
		Controller: container.Name(),
		Rev:        rev,
		Version:    p.migrations.currentVersion(container.Name()),
		Data:       data,
		Timestamp:  time.Now(),
	})
	if err != nil {
		p.onError(container.Name(), err)
	}
}

// Restore seeds a container from its latest saved projection. Saved
// properties overlay the container's initial state, so properties the
// schema never persists keep their initial values. A container with
// nothing saved is left untouched. Restore must run before the
// container publishes its first update; afterwards the container
// refuses the seed with ErrImmutableState.
func (p *Persister) Restore(ctx context.Context, container *Container) error {
	saved, err := p.store.Load(ctx, container.Name())
	if errors.Is(err, ErrNoState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load state for %q: %w", container.Name(), err)
	}

	var state map[string]any
	if err := json.Unmarshal(saved.Data, &state); err != nil {
		return fmt.Errorf("decode state for %q: %w", container.Name(), err)
	}
	migrated, err := p.migrations.apply(container.Name(), saved.Version, State(state))
	if err != nil {
		return err
	}
	seed := container.State()
	for key, value := range migrated {
		seed[key] = value
	}
	if err := container.Restore(seed); err != nil {
		return err
	}

	p.mu.Lock()
	if saved.Rev > p.rev[container.Name()] {
		p.rev[container.Name()] = saved.Rev
	}
	p.mu.Unlock()
	return nil
}

// MemoryStore is a simple in-memory StateStore, mainly for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*PersistedState
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*PersistedState)}
}

// Save implements StateStore.
func (m *MemoryStore) Save(ctx context.Context, state *PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.states[state.Controller] = &copied
	return nil
}

// Load implements StateStore.
func (m *MemoryStore) Load(ctx context.Context, controller string) (*PersistedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.states[controller]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNoState, controller)
	}
	copied := *state
	return &copied, nil
}

// Close implements StateStore.
func (m *MemoryStore) Close() error {
	return nil
}
