package replikv

import "sort"

// VectorClock maps NodeId to a monotonic logical counter, used to track
// causality between writes across the replica set. A missing key is
// equivalent to a counter of 0.
type VectorClock map[string]uint64

// NewVectorClock returns an empty vector clock.
func NewVectorClock() VectorClock {
	return VectorClock{}
}

// vectorClockFromJSON sanitizes an arbitrary decoded map into a VectorClock:
// negative, non-numeric, or NaN-ish values coerce to 0, and a nil or
// non-object input yields an empty clock. This matches the fail-safe
// construction rule in the data model.
func vectorClockFromJSON(raw map[string]any) VectorClock {
	vc := NewVectorClock()
	for k, v := range raw {
		vc[k] = coerceCounter(v)
	}
	return vc
}

func coerceCounter(v any) uint64 {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != n {
			return 0
		}
		return uint64(n)
	case uint64:
		return n
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		// non-numeric or undefined: coerce to 0
		return 0
	}
}

// Clone returns a deep copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Get returns the counter for nodeID, or 0 if absent.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Increment advances the counter for nodeID by one, mutating vc in place.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID] = vc[nodeID] + 1
}

// EnsureKey guarantees nodeID is present in vc (with a counter of at least
// 0), without changing an existing counter.
func (vc VectorClock) EnsureKey(nodeID string) {
	if _, ok := vc[nodeID]; !ok {
		vc[nodeID] = 0
	}
}

// Merge returns a new VectorClock that is the pointwise maximum of vc and
// other across the union of their keys. vc and other are not mutated.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Relation is the four-valued result of comparing two vector clocks.
type Relation int

const (
	// Identical means every entry in both clocks is equal.
	Identical Relation = iota
	// Before means vc causally precedes the other clock: every entry is
	// ≤ the other's, with at least one strictly less.
	Before
	// After means vc causally follows the other clock: every entry is ≥
	// the other's, with at least one strictly greater.
	After
	// Concurrent means neither clock causally dominates the other.
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Compare determines the causal relation of vc to other. A nil other is
// treated as fail-safe Concurrent so callers fall through to conflict
// resolution rather than silently discarding data.
func (vc VectorClock) Compare(other VectorClock) Relation {
	if other == nil {
		return Concurrent
	}

	someLess, someGreater := false, false
	keys := unionKeys(vc, other)
	for _, k := range keys {
		a, b := vc[k], other[k]
		if a < b {
			someLess = true
		} else if a > b {
			someGreater = true
		}
		if someLess && someGreater {
			return Concurrent
		}
	}

	switch {
	case !someLess && !someGreater:
		return Identical
	case someLess:
		return Before
	default:
		return After
	}
}

// DominanceRelation maps the four-valued Compare result onto the dominance
// vocabulary used by conflict resolution and version ordering.
type DominanceRelation int

const (
	Dominates DominanceRelation = iota
	Dominated
	ConcurrentRelation
	IdenticalRelation
)

// Dominance is a convenience wrapper around Compare expressed in dominance
// terms: vc.Dominance(other) reports whether vc dominates, is dominated by,
// is concurrent with, or is identical to other.
func (vc VectorClock) Dominance(other VectorClock) DominanceRelation {
	switch vc.Compare(other) {
	case Before:
		return Dominated
	case After:
		return Dominates
	case Identical:
		return IdenticalRelation
	default:
		return ConcurrentRelation
	}
}

// DeterministicWinner picks a single winner between vc (owned by selfID) and
// other (owned by otherID). If the relation is not Concurrent, the causally
// later clock wins. If Concurrent, the tiebreak is a lexicographic compare
// of the owning node IDs — this must be (and is) symmetric: calling it from
// either side with the ID pair swapped agrees on the same winner.
func (vc VectorClock) DeterministicWinner(other VectorClock, selfID, otherID string) string {
	switch vc.Compare(other) {
	case After, Identical:
		return selfID
	case Before:
		return otherID
	default:
		if selfID < otherID {
			return selfID
		}
		return otherID
	}
}

func unionKeys(a, b VectorClock) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
