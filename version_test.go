package replikv

import "testing"

func TestVersionStore_AppendAndHistory(t *testing.T) {
	v := NewVersionStore(0)
	v.Append("p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	v.Append("p", Record{Value: "v2", VectorClock: VectorClock{"a": 2}, Origin: "a"})

	hist := v.History("p")
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Record.Value != "v2" || hist[1].Record.Value != "v1" {
		t.Errorf("expected dominant-first causal order v2,v1, got %v,%v", hist[0].Record.Value, hist[1].Record.Value)
	}
}

func TestVersionStore_OutOfOrderInsertionSortsCausally(t *testing.T) {
	v := NewVersionStore(0)
	v.Append("p", Record{Value: "later", VectorClock: VectorClock{"a": 2}, Origin: "a"})
	v.Append("p", Record{Value: "earlier", VectorClock: VectorClock{"a": 1}, Origin: "a"})

	hist := v.History("p")
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Record.Value != "later" || hist[1].Record.Value != "earlier" {
		t.Errorf("expected causal reordering with dominant first, got %v,%v", hist[0].Record.Value, hist[1].Record.Value)
	}
}

func TestVersionStore_BoundedHistory(t *testing.T) {
	v := NewVersionStore(3)
	for i := 0; i < 5; i++ {
		v.Append("p", Record{Value: i, VectorClock: VectorClock{"a": uint64(i + 1)}, Origin: "a"})
	}
	hist := v.History("p")
	if len(hist) != 3 {
		t.Fatalf("len(hist) = %d, want 3 (bounded)", len(hist))
	}
	if hist[0].Record.Value != 4 {
		t.Errorf("expected newest write retained at index 0, got %v", hist[0].Record.Value)
	}
}

func TestVersionStore_HistoryReturnsCopy(t *testing.T) {
	v := NewVersionStore(0)
	v.Append("p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"})

	hist := v.History("p")
	hist[0].Record.Value = "mutated"

	again := v.History("p")
	if again[0].Record.Value != "v1" {
		t.Error("mutating the returned history leaked into the store")
	}
}

func TestVersionStore_Clear(t *testing.T) {
	v := NewVersionStore(0)
	v.Append("p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	v.Clear("p")
	if len(v.History("p")) != 0 {
		t.Error("expected history cleared")
	}
}

func TestVersionStore_Len(t *testing.T) {
	v := NewVersionStore(0)
	v.Append("a", Record{Value: 1, VectorClock: VectorClock{"n": 1}, Origin: "n"})
	v.Append("b", Record{Value: 2, VectorClock: VectorClock{"n": 1}, Origin: "n"})
	if v.Len() != 2 {
		t.Errorf("Len() = %d, want 2", v.Len())
	}
}
