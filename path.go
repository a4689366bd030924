package replikv

import "strings"

// splitPath splits a slash-delimited path into its segments, dropping empty
// segments produced by a leading/trailing/doubled slash.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// isAncestorOrEqual reports whether prefix is path itself or a segment-wise
// ancestor of path (the "is child of" relation, directional: prefix must be
// the shorter or equal path).
func isAncestorOrEqual(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	p := splitPath(prefix)
	q := splitPath(path)
	if len(p) > len(q) {
		return false
	}
	for i, seg := range p {
		if q[i] != seg {
			return false
		}
	}
	return true
}

// isRelated reports whether prefix and path are on the same ancestor chain
// in either direction: prefix is an ancestor of path, or path is an
// ancestor of prefix. Exact equality counts as related.
func isRelated(prefix, path string) bool {
	return isAncestorOrEqual(prefix, path) || isAncestorOrEqual(path, prefix)
}

// pathPrefixCandidates returns every decreasing-length segment prefix of
// path, longest first, e.g. "a/b/c" -> ["a/b/c", "a/b", "a"]. Used by
// ConflictResolver's longest-prefix-match strategy selection.
func pathPrefixCandidates(path string) []string {
	segs := splitPath(path)
	out := make([]string, 0, len(segs))
	for n := len(segs); n > 0; n-- {
		out = append(out, strings.Join(segs[:n], "/"))
	}
	return out
}

// legacyPrefixMatch implements the old startsWith(prefix+"/") || equals
// matching form kept for backward compatibility with path-strategy maps
// built before segment-aware matching existed.
func legacyPrefixMatch(prefix, path string) bool {
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
