package replikv

import "testing"

func TestVectorClock_IncrementAndGet(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("a")
	vc.Increment("a")
	if got := vc.Get("a"); got != 2 {
		t.Errorf("Get(a) = %d, want 2", got)
	}
	if got := vc.Get("b"); got != 0 {
		t.Errorf("Get(b) = %d, want 0", got)
	}
}

func TestVectorClock_CloneIsIndependent(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("a")
	clone := vc.Clone()
	clone.Increment("a")
	if vc.Get("a") != 1 {
		t.Errorf("original mutated by clone: got %d, want 1", vc.Get("a"))
	}
	if clone.Get("a") != 2 {
		t.Errorf("clone.Get(a) = %d, want 2", clone.Get("a"))
	}
}

func TestVectorClock_Merge(t *testing.T) {
	a := VectorClock{"x": 3, "y": 1}
	b := VectorClock{"y": 5, "z": 2}

	merged := a.Merge(b)
	want := VectorClock{"x": 3, "y": 5, "z": 2}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%s] = %d, want %d", k, merged[k], v)
		}
	}
	if a["y"] != 1 || b["x"] != 0 {
		t.Error("Merge must not mutate its operands")
	}
}

func TestVectorClock_Compare(t *testing.T) {
	cases := []struct {
		name     string
		a, b     VectorClock
		expected Relation
	}{
		{"identical", VectorClock{"a": 1}, VectorClock{"a": 1}, Identical},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 2}, Before},
		{"after", VectorClock{"a": 2}, VectorClock{"a": 1}, After},
		{"concurrent", VectorClock{"a": 2, "b": 0}, VectorClock{"a": 1, "b": 1}, Concurrent},
		{"both-empty", VectorClock{}, VectorClock{}, Identical},
		{"nil-other-is-concurrent", VectorClock{"a": 1}, nil, Concurrent},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.Compare(c.b); got != c.expected {
				t.Errorf("Compare() = %s, want %s", got, c.expected)
			}
		})
	}
}

func TestVectorClock_Dominance(t *testing.T) {
	a := VectorClock{"a": 2}
	b := VectorClock{"a": 1}
	if a.Dominance(b) != Dominates {
		t.Error("a should dominate b")
	}
	if b.Dominance(a) != Dominated {
		t.Error("b should be dominated by a")
	}
	if a.Dominance(a) != IdenticalRelation {
		t.Error("a should be identical to itself")
	}
}

func TestVectorClock_DeterministicWinner_CausalOrder(t *testing.T) {
	earlier := VectorClock{"node-a": 1}
	later := VectorClock{"node-a": 2}

	if got := earlier.DeterministicWinner(later, "node-a", "node-b"); got != "node-b" {
		t.Errorf("winner = %s, want node-b (causally later)", got)
	}
}

func TestVectorClock_DeterministicWinner_ConcurrentIsSymmetric(t *testing.T) {
	a := VectorClock{"node-a": 1, "node-b": 0}
	b := VectorClock{"node-a": 0, "node-b": 1}

	fromA := a.DeterministicWinner(b, "node-a", "node-b")
	fromB := b.DeterministicWinner(a, "node-b", "node-a")
	if fromA != fromB {
		t.Errorf("tiebreak not symmetric: fromA=%s fromB=%s", fromA, fromB)
	}
	if fromA != "node-a" {
		t.Errorf("winner = %s, want node-a (lexicographically smaller)", fromA)
	}
}

func TestVectorClockFromJSON_SanitizesBadInput(t *testing.T) {
	raw := map[string]any{
		"a": float64(3),
		"b": float64(-1),
		"c": "not-a-number",
		"d": nil,
	}
	vc := vectorClockFromJSON(raw)
	if vc["a"] != 3 {
		t.Errorf("a = %d, want 3", vc["a"])
	}
	if vc["b"] != 0 {
		t.Errorf("negative counter b = %d, want 0", vc["b"])
	}
	if vc["c"] != 0 {
		t.Errorf("non-numeric counter c = %d, want 0", vc["c"])
	}
	if vc["d"] != 0 {
		t.Errorf("nil counter d = %d, want 0", vc["d"])
	}
}
