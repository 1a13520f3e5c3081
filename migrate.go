package ctrlkit

import (
	"fmt"
	"sort"
	"sync"
)

// MigrationFunc transforms a persisted state from one format version
// to the next.
type MigrationFunc func(state State) (State, error)

// Migration upgrades persisted state written at format version From to
// version From+1.
type Migration struct {
	From    int64
	Migrate MigrationFunc
}

// migrationRegistry holds the per-controller migration chains applied
// when restoring state saved under an older format version.
type migrationRegistry struct {
	mu     sync.RWMutex
	chains map[string][]Migration
	latest map[string]int64
}

func newMigrationRegistry() *migrationRegistry {
	return &migrationRegistry{
		chains: make(map[string][]Migration),
		latest: make(map[string]int64),
	}
}

// register installs a controller's migration chain. The chain must be
// gapless: sorted by From, each step upgrades exactly one version, and
// the final step lands on the current version.
func (r *migrationRegistry) register(controller string, current int64, migrations []Migration) error {
	if current < 0 {
		return fmt.Errorf("negative state version for %q", controller)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	for i, migration := range sorted {
		if migration.Migrate == nil {
			return fmt.Errorf("nil migration at version %d for %q", migration.From, controller)
		}
		if i > 0 && migration.From != sorted[i-1].From+1 {
			return fmt.Errorf("migration chain for %q has a gap after version %d", controller, sorted[i-1].From)
		}
	}
	if len(sorted) > 0 && sorted[len(sorted)-1].From != current-1 {
		return fmt.Errorf("migration chain for %q ends at version %d, want %d", controller, sorted[len(sorted)-1].From+1, current)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[controller] = sorted
	r.latest[controller] = current
	return nil
}

// currentVersion returns the registered format version for a
// controller; unregistered controllers are version 0.
func (r *migrationRegistry) currentVersion(controller string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest[controller]
}

// apply upgrades state saved at the given version to the controller's
// current version, one step at a time.
func (r *migrationRegistry) apply(controller string, version int64, state State) (State, error) {
	r.mu.RLock()
	chain := r.chains[controller]
	current := r.latest[controller]
	r.mu.RUnlock()

	if version == current {
		return state, nil
	}
	if version > current {
		return nil, fmt.Errorf("state for %q saved at version %d, newer than current %d", controller, version, current)
	}

	for _, migration := range chain {
		if migration.From < version {
			continue
		}
		migrated, err := migration.Migrate(state)
		if err != nil {
			return nil, fmt.Errorf("migrate %q from version %d: %w", controller, migration.From, err)
		}
		state = migrated
		version = migration.From + 1
	}

	if version != current {
		return nil, fmt.Errorf("no migration path for %q from version %d to %d", controller, version, current)
	}
	return state, nil
}
