package ctrlkit

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func counterContainer() *Container {
	return New("CounterController", State{"count": 0}, Schema{
		"count": {Persist: Keep(), Anonymous: Keep()},
	})
}

func TestUpdateWithDraftMutation(t *testing.T) {
	c := counterContainer()

	err := c.Update(func(draft State) (State, error) {
		draft["count"] = draft["count"].(int) + 1
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if got := c.State()["count"]; got != 1 {
		t.Errorf("state count = %v, want 1", got)
	}
}

func TestUpdateEmitsPatchThatReconstructsState(t *testing.T) {
	c := New("NetworkController", State{
		"chain":    "mainnet",
		"networks": map[string]any{"1": map[string]any{"status": "up"}},
	}, Schema{})

	before := c.State()

	var gotState State
	var gotPatches []Patch
	c.Subscribe(func(state State, patches []Patch) {
		gotState = state
		gotPatches = patches
	})

	err := c.Update(func(draft State) (State, error) {
		draft["networks"].(map[string]any)["1"].(map[string]any)["status"] = "down"
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	reconstructed, err := Apply(before, gotPatches)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !reflect.DeepEqual(map[string]any(reconstructed), map[string]any(gotState)) {
		t.Errorf("patches applied to old state = %+v, want %+v", reconstructed, gotState)
	}
}

func TestUpdateWithReplacementEmitsRootReplace(t *testing.T) {
	c := counterContainer()

	var gotState State
	var gotPatches []Patch
	calls := 0
	c.Subscribe(func(state State, patches []Patch) {
		calls++
		gotState = state
		gotPatches = patches
	})

	err := c.Update(func(draft State) (State, error) {
		return State{"count": 1}, nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
	if !reflect.DeepEqual(gotState, State{"count": 1}) {
		t.Errorf("notified state = %+v, want {count: 1}", gotState)
	}
	if len(gotPatches) != 1 {
		t.Fatalf("got %d patches, want 1", len(gotPatches))
	}
	patch := gotPatches[0]
	if patch.Op != OpReplace || len(patch.Path) != 0 {
		t.Errorf("patch = %+v, want root replace", patch)
	}
	if !reflect.DeepEqual(patch.Value, map[string]any{"count": 1}) {
		t.Errorf("patch value = %+v, want {count: 1}", patch.Value)
	}

	if !reflect.DeepEqual(c.PersistentState(), State{"count": 1}) {
		t.Errorf("PersistentState() = %+v, want {count: 1}", c.PersistentState())
	}
	if !reflect.DeepEqual(c.AnonymizedState(), State{"count": 1}) {
		t.Errorf("AnonymizedState() = %+v, want {count: 1}", c.AnonymizedState())
	}
}

func TestDeliveredPatchesDoNotAliasState(t *testing.T) {
	c := counterContainer()

	var gotPatches []Patch
	c.Subscribe(func(state State, patches []Patch) {
		gotPatches = patches
	})

	if err := c.Update(func(draft State) (State, error) {
		return State{"count": 1}, nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	// Mutating the delivered patch value must not reach the container.
	gotPatches[0].Value.(map[string]any)["count"] = 999
	if got := c.State()["count"]; got != 1 {
		t.Errorf("state count = %v after mutating a delivered patch, want 1", got)
	}
}

func TestUpdateRejectsMutateAndReturn(t *testing.T) {
	c := counterContainer()

	err := c.Update(func(draft State) (State, error) {
		draft["count"] = 5
		return State{"count": 9}, nil
	})
	if !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("Update() error = %v, want ErrInvalidUpdate", err)
	}

	if got := c.State()["count"]; got != 0 {
		t.Errorf("state changed after invalid update: count = %v, want 0", got)
	}
}

func TestUpdateRecipeErrorLeavesStateUnchanged(t *testing.T) {
	c := counterContainer()
	boom := fmt.Errorf("boom")

	notified := false
	c.Subscribe(func(State, []Patch) { notified = true })

	err := c.Update(func(draft State) (State, error) {
		draft["count"] = 42
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if got := c.State()["count"]; got != 0 {
		t.Errorf("state changed after failed recipe: count = %v", got)
	}
	if notified {
		t.Error("listener notified for a failed update")
	}
}

func TestUpdateWithoutChangesNotifiesNobody(t *testing.T) {
	c := counterContainer()

	calls := 0
	c.Subscribe(func(State, []Patch) { calls++ })

	if err := c.Update(func(draft State) (State, error) { return nil, nil }); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if calls != 0 {
		t.Errorf("listener called %d times for a no-op update", calls)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	c := counterContainer()

	calls := 0
	listener := func(State, []Patch) { calls++ }
	for i := 0; i < 3; i++ {
		c.Subscribe(listener)
	}

	if err := c.Update(func(draft State) (State, error) {
		draft["count"] = 1
		return nil, nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}

	// One unsubscribe removes the listener no matter how many times it
	// was subscribed.
	c.Unsubscribe(listener)
	if err := c.Update(func(draft State) (State, error) {
		draft["count"] = 2
		return nil, nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("listener called %d times after unsubscribe, want 1", calls)
	}
}

func TestUnsubscribeUnknownListenerIsNoOp(t *testing.T) {
	c := counterContainer()
	c.Unsubscribe(func(State, []Patch) {})
}

func TestDestroyStopsNotifications(t *testing.T) {
	c := counterContainer()

	calls := 0
	c.Subscribe(func(State, []Patch) { calls++ })
	c.Destroy()

	err := c.Update(func(draft State) (State, error) {
		draft["count"] = 1
		return nil, nil
	})
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("Update() after Destroy = %v, want ErrDestroyed", err)
	}
	if calls != 0 {
		t.Errorf("listener called %d times after Destroy", calls)
	}
}

func TestStateReturnsDefensiveCopy(t *testing.T) {
	c := New("PreferencesController", State{
		"flags": map[string]any{"beta": false},
	}, Schema{})

	snapshot := c.State()
	snapshot["flags"].(map[string]any)["beta"] = true

	if c.State()["flags"].(map[string]any)["beta"] != false {
		t.Error("mutating a snapshot reached the container's state")
	}
}

func TestRestoreOnlyBeforeFirstUpdate(t *testing.T) {
	c := counterContainer()

	if err := c.Restore(State{"count": 10}); err != nil {
		t.Fatalf("Restore() before updates: %v", err)
	}
	if got := c.State()["count"]; got != 10 {
		t.Errorf("count after restore = %v, want 10", got)
	}

	if err := c.Update(func(draft State) (State, error) {
		draft["count"] = 11
		return nil, nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	err := c.Restore(State{"count": 0})
	if !errors.Is(err, ErrImmutableState) {
		t.Errorf("Restore() after update = %v, want ErrImmutableState", err)
	}
}

func TestBindPublishesStateChangeEvent(t *testing.T) {
	bus := NewMessenger()
	rm, err := NewRestricted(bus, RestrictedConfig{Name: "CounterController"})
	if err != nil {
		t.Fatalf("NewRestricted() error: %v", err)
	}

	c := counterContainer()
	if err := c.Bind(rm); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}

	var gotState State
	events := 0
	err = bus.Subscribe("CounterController:stateChange", func(payload ...any) {
		events++
		gotState = payload[0].(State)
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := c.Update(func(draft State) (State, error) {
		draft["count"] = 3
		return nil, nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if events != 1 {
		t.Fatalf("stateChange published %d times, want 1", events)
	}
	if !reflect.DeepEqual(gotState, State{"count": 3}) {
		t.Errorf("published state = %+v, want {count: 3}", gotState)
	}
}

func TestBindRejectsForeignMessenger(t *testing.T) {
	bus := NewMessenger()
	rm, err := NewRestricted(bus, RestrictedConfig{Name: "OtherController"})
	if err != nil {
		t.Fatalf("NewRestricted() error: %v", err)
	}

	if err := counterContainer().Bind(rm); err == nil {
		t.Error("Bind() accepted a messenger restricted to another name")
	}
}
