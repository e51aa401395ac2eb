package batch

import "strconv"

// IndexPath identifies one element's position at each level of nesting,
// from the top-level batch down to the element's own dimensionality level.
// The length of an index path always equals the dimensionality level of the
// container holding the element.
type IndexPath []int

// NewIndexPath builds an index path from coordinates.
func NewIndexPath(coords ...int) IndexPath {
	p := make(IndexPath, len(coords))
	copy(p, coords)
	return p
}

// Level returns the dimensionality level the path addresses.
func (p IndexPath) Level() int {
	return len(p)
}

// Extend returns a new path one level deeper, with i appended.
// The receiver is not modified.
func (p IndexPath) Extend(i int) IndexPath {
	out := make(IndexPath, len(p)+1)
	copy(out, p)
	out[len(p)] = i
	return out
}

// Parent returns the path with the last coordinate dropped.
// The parent of a top-level path is the empty path.
func (p IndexPath) Parent() IndexPath {
	if len(p) == 0 {
		return nil
	}
	out := make(IndexPath, len(p)-1)
	copy(out, p[:len(p)-1])
	return out
}

// Truncate returns the first n coordinates of the path.
func (p IndexPath) Truncate(n int) IndexPath {
	if n < 0 {
		n = 0
	}
	if n > len(p) {
		n = len(p)
	}
	out := make(IndexPath, n)
	copy(out, p[:n])
	return out
}

// Clone returns an independent copy of the path.
func (p IndexPath) Clone() IndexPath {
	out := make(IndexPath, len(p))
	copy(out, p)
	return out
}

// Equal reports whether two paths are identical.
func (p IndexPath) Equal(q IndexPath) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether the path extends (or equals) prefix.
func (p IndexPath) HasPrefix(prefix IndexPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// String renders the path as "[0,1,2]". The empty path renders as "[]".
func (p IndexPath) String() string {
	buf := make([]byte, 0, 2+len(p)*3)
	buf = append(buf, '[')
	for i, c := range p {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(c), 10)
	}
	buf = append(buf, ']')
	return string(buf)
}

// Key returns a stable map key for the path.
func (p IndexPath) Key() string {
	return p.String()
}

// ComparePaths orders paths lexicographically by coordinates, shorter
// prefixes first. It defines the deterministic iteration order of batches.
func ComparePaths(a, b IndexPath) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
