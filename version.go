package replikv

import (
	"sort"
	"sync"
)

// VersionedRecord is one historical entry for a path, in the order the
// VersionStore chooses to present it (causal order, dominant first, not
// arrival order).
type VersionedRecord struct {
	Record    Record
	Sequence  int
}

// VersionStore keeps a bounded causally-ordered history of the records
// appended for a path, independent of the live Store's current value. The
// write pipeline appends the record stored at a path each time a new
// write for that path is resolved against it; an incoming write that loses
// conflict resolution is not recorded.
type VersionStore struct {
	mu          sync.Mutex
	maxVersions int
	history     map[string][]VersionedRecord
	seq         int
}

// DefaultMaxVersions is the per-path history length kept when a
// VersionStore is constructed with maxVersions <= 0.
const DefaultMaxVersions = 10

// NewVersionStore creates a VersionStore keeping at most maxVersions
// entries per path (DefaultMaxVersions if maxVersions <= 0).
func NewVersionStore(maxVersions int) *VersionStore {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	return &VersionStore{
		maxVersions: maxVersions,
		history:     make(map[string][]VersionedRecord),
	}
}

// Append records rec as a version at path, inserting it in causal order
// among the existing history rather than always appending at the end: a
// record observed out of arrival order (e.g. a late-arriving anti-entropy
// batch) is placed where its vector clock says it belongs. When the
// history exceeds maxVersions, the causally oldest entries are dropped
// first.
func (v *VersionStore) Append(path string, rec Record) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	entry := VersionedRecord{Record: rec.clone(), Sequence: v.seq}

	hist := v.history[path]
	idx := sort.Search(len(hist), func(i int) bool {
		return !dominatesOrTies(hist[i].Record, entry.Record)
	})
	hist = append(hist, VersionedRecord{})
	copy(hist[idx+1:], hist[idx:])
	hist[idx] = entry

	if len(hist) > v.maxVersions {
		hist = hist[:v.maxVersions]
	}
	v.history[path] = hist
}

// dominatesOrTies reports whether a should sort before (or at the same
// position as) b in causal history order: a is placed earlier if a's
// clock dominates (or is concurrent-but-lexicographically-earlier than)
// b's, so the dominant/newest entry ends up at index 0 and the causally
// oldest entry at the tail.
func dominatesOrTies(a, b Record) bool {
	switch a.VectorClock.Dominance(b.VectorClock) {
	case Dominates:
		return true
	case Dominated:
		return false
	default:
		return a.Origin <= b.Origin
	}
}

// History returns the ordered version history for path, causally
// dominant (newest) first and causally oldest last, up to maxVersions
// entries. The returned slice is a copy.
func (v *VersionStore) History(path string) []VersionedRecord {
	v.mu.Lock()
	defer v.mu.Unlock()

	hist := v.history[path]
	out := make([]VersionedRecord, len(hist))
	copy(out, hist)
	return out
}

// Clear discards all history for path.
func (v *VersionStore) Clear(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.history, path)
}

// Len returns the number of paths with any recorded history, used by
// tests.
func (v *VersionStore) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history)
}
