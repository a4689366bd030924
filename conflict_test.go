package replikv

import (
	"errors"
	"testing"
)

func TestConflictResolver_DominanceShortCircuitsStrategy(t *testing.T) {
	r := NewConflictResolver("self", StrategyMergeFields, nil)
	local := Record{Value: "old", VectorClock: VectorClock{"a": 1}, Origin: "a"}
	remote := Record{Value: "new", VectorClock: VectorClock{"a": 2}, Origin: "a"}

	got := r.Resolve("p", local, remote)
	if got.Value != "new" {
		t.Errorf("expected causally dominant remote to win outright, got %v", got.Value)
	}
}

func TestConflictResolver_FirstWriteWinsInvertsDominance(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.SetStrategy("orders", StrategyFirstWriteWins)

	earlier := Record{Value: "old", VectorClock: VectorClock{"a": 1}, Origin: "a"}
	later := Record{Value: "new", VectorClock: VectorClock{"a": 2}, Origin: "a"}

	got := r.Resolve("orders/1", earlier, later)
	if got.Value != "old" {
		t.Errorf("expected causally dominated (earlier) write to win under first-write-wins, got %v", got.Value)
	}
}

func TestConflictResolver_VectorDominance_ConcurrentTiebreak(t *testing.T) {
	r := NewConflictResolver("self", StrategyVectorDominance, nil)
	local := Record{Value: "a-write", VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	remote := Record{Value: "b-write", VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}

	got := r.Resolve("p", local, remote)
	if got.Origin != "a" {
		t.Errorf("expected lexicographically smaller origin to win, got %s", got.Origin)
	}
}

func TestConflictResolver_FirstWriteWinsConcurrentTiebreakIsReversed(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.SetStrategy("orders", StrategyFirstWriteWins)

	fromA := Record{Value: "a-write", VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	fromB := Record{Value: "b-write", VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}

	got := r.Resolve("orders/1", fromA, fromB)
	if got.Origin != "b" {
		t.Errorf("expected larger origin to win under first-write-wins' reversed tiebreak, got %s", got.Origin)
	}
}

func TestConflictResolver_MergeFields(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.SetStrategy("profile", StrategyMergeFields)

	local := Record{
		Value:       map[string]any{"name": "alice", "age": float64(30)},
		VectorClock: VectorClock{"a": 1, "b": 0},
		Origin:      "a",
	}
	remote := Record{
		Value:       map[string]any{"age": float64(31), "city": "nyc"},
		VectorClock: VectorClock{"a": 0, "b": 1},
		Origin:      "b",
	}

	got := r.Resolve("profile/1", local, remote)
	merged, ok := got.Value.(map[string]any)
	if !ok {
		t.Fatalf("expected merged map, got %T", got.Value)
	}
	if merged["name"] != "alice" {
		t.Errorf("expected name preserved from non-conflicting field, got %v", merged["name"])
	}
	if merged["city"] != "nyc" {
		t.Errorf("expected city preserved from non-conflicting field, got %v", merged["city"])
	}
	if _, ok := merged["age"]; !ok {
		t.Error("expected age key present after merge")
	}
}

func TestConflictResolver_MergeFieldsFallsBackForNonObjectValues(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.SetStrategy("counters", StrategyMergeFields)

	local := Record{Value: float64(1), VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	remote := Record{Value: float64(2), VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}

	got := r.Resolve("counters/x", local, remote)
	if _, ok := got.Value.(map[string]any); ok {
		t.Error("scalar values should not be merged as maps")
	}
}

func TestConflictResolver_CustomResolver(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	called := false
	r.RegisterCustomResolver("special", func(path string, local, remote Record) (Record, error) {
		called = true
		return remote, nil
	})

	local := Record{Value: "a", VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	remote := Record{Value: "b", VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}
	got := r.Resolve("special/1", local, remote)

	if !called {
		t.Fatal("custom resolver was not invoked")
	}
	if got.Value != "b" {
		t.Errorf("expected custom resolver's chosen record, got %v", got.Value)
	}
}

func TestConflictResolver_CustomResolverErrorFallsBackToVectorDominance(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.RegisterCustomResolver("special", func(path string, local, remote Record) (Record, error) {
		return Record{}, errors.New("boom")
	})

	local := Record{Value: "a", VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	remote := Record{Value: "b", VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}
	got := r.Resolve("special/1", local, remote)

	if got.Origin != "a" {
		t.Errorf("expected fallback to vector-dominance tiebreak, got origin=%s", got.Origin)
	}
}

func TestConflictResolver_CustomResolverPanicFallsBack(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.RegisterCustomResolver("special", func(path string, local, remote Record) (Record, error) {
		panic("kaboom")
	})

	local := Record{Value: "a", VectorClock: VectorClock{"a": 1, "b": 0}, Origin: "a"}
	remote := Record{Value: "b", VectorClock: VectorClock{"a": 0, "b": 1}, Origin: "b"}

	got := r.Resolve("special/1", local, remote)
	if got.Origin != "a" {
		t.Errorf("expected fallback after panic, got origin=%s", got.Origin)
	}
}

func TestConflictResolver_LongestPrefixWins(t *testing.T) {
	r := NewConflictResolver("self", "", nil)
	r.SetStrategy("a", StrategyFirstWriteWins)
	r.SetStrategy("a/b", StrategyMergeFields)

	strategy, matched := r.strategyFor("a/b/c")
	if strategy != StrategyMergeFields || matched != "a/b" {
		t.Errorf("expected longest match a/b -> merge-fields, got %s (%s)", strategy, matched)
	}
}
