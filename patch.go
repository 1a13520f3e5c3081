package ctrlkit

import (
	"fmt"
	"reflect"
	"sort"
)

// Op is the kind of a patch operation.
type Op string

const (
	// OpReplace substitutes the value at Path with Value.
	OpReplace Op = "replace"
	// OpAdd inserts Value at Path, which must not already exist.
	OpAdd Op = "add"
	// OpRemove deletes the value at Path.
	OpRemove Op = "remove"
)

// Patch is a single structural change between two state snapshots.
// An empty Path addresses the state root.
type Patch struct {
	Op    Op       `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Diff computes the ordered sequence of patches that transforms oldState
// into newState. Nested maps are descended into so that only the mutated
// leaves appear in the result; any other changed value produces a single
// replace at its path. Applying the result to oldState yields a value
// deep-equal to newState.
func Diff(oldState, newState State) []Patch {
	return diffValue(nil, map[string]any(oldState), map[string]any(newState))
}

func diffValue(path []string, oldValue, newValue map[string]any) []Patch {
	var patches []Patch

	for _, key := range sortedKeys(oldValue) {
		childPath := appendPath(path, key)
		after, exists := newValue[key]
		if !exists {
			patches = append(patches, Patch{Op: OpRemove, Path: childPath})
			continue
		}
		before := oldValue[key]
		if reflect.DeepEqual(before, after) {
			continue
		}
		beforeMap, beforeOK := asMap(before)
		afterMap, afterOK := asMap(after)
		if beforeOK && afterOK {
			patches = append(patches, diffValue(childPath, beforeMap, afterMap)...)
			continue
		}
		patches = append(patches, Patch{Op: OpReplace, Path: childPath, Value: deepCopyValue(after)})
	}

	for _, key := range sortedKeys(newValue) {
		if _, exists := oldValue[key]; !exists {
			patches = append(patches, Patch{
				Op:    OpAdd,
				Path:  appendPath(path, key),
				Value: deepCopyValue(newValue[key]),
			})
		}
	}

	return patches
}

// Apply transforms state by the given patches and returns the result.
// The input state is not modified. Patches addressing a missing parent
// path, removing an absent key, or adding an existing key are errors.
func Apply(state State, patches []Patch) (State, error) {
	result := deepCopyState(state)

	for i, patch := range patches {
		if len(patch.Path) == 0 {
			if patch.Op != OpReplace {
				return nil, fmt.Errorf("patch %d: %q not valid at state root", i, patch.Op)
			}
			root, ok := asMap(patch.Value)
			if !ok {
				return nil, fmt.Errorf("patch %d: root replacement value is not a state mapping", i)
			}
			result = deepCopyState(root)
			continue
		}

		parent := map[string]any(result)
		for depth, segment := range patch.Path[:len(patch.Path)-1] {
			child, ok := asMap(parent[segment])
			if !ok {
				return nil, fmt.Errorf("patch %d: path %v has no mapping at depth %d", i, patch.Path, depth)
			}
			parent = child
		}

		key := patch.Path[len(patch.Path)-1]
		switch patch.Op {
		case OpReplace:
			if _, exists := parent[key]; !exists {
				return nil, fmt.Errorf("patch %d: replace of missing key %v", i, patch.Path)
			}
			parent[key] = deepCopyValue(patch.Value)
		case OpAdd:
			if _, exists := parent[key]; exists {
				return nil, fmt.Errorf("patch %d: add of existing key %v", i, patch.Path)
			}
			parent[key] = deepCopyValue(patch.Value)
		case OpRemove:
			if _, exists := parent[key]; !exists {
				return nil, fmt.Errorf("patch %d: remove of missing key %v", i, patch.Path)
			}
			delete(parent, key)
		default:
			return nil, fmt.Errorf("patch %d: unknown op %q", i, patch.Op)
		}
	}

	return result, nil
}

// rootReplace is the degenerate whole-state patch emitted when an update
// recipe returns a full replacement value. The value is copied so the
// delivered patch never aliases the container's live state.
func rootReplace(newState State) []Patch {
	return []Patch{{Op: OpReplace, Path: []string{}, Value: deepCopyValue(map[string]any(newState))}}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return m, true
	default:
		return nil, false
	}
}

func appendPath(path []string, key string) []string {
	child := make([]string, 0, len(path)+1)
	child = append(child, path...)
	return append(child, key)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// deepCopyState copies a state mapping, descending into nested mappings
// and slices. Values of other types are copied by assignment.
func deepCopyState(state State) State {
	if state == nil {
		return nil
	}
	result := make(State, len(state))
	for key, value := range state {
		result[key] = deepCopyValue(value)
	}
	return result
}

func deepCopyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(value))
		for key, child := range value {
			result[key] = deepCopyValue(child)
		}
		return result
	case State:
		return map[string]any(deepCopyState(value))
	case []any:
		result := make([]any, len(value))
		for i, child := range value {
			result[i] = deepCopyValue(child)
		}
		return result
	default:
		return v
	}
}
