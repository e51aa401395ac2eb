// Package batch provides the read-only, possibly-nested sequence abstraction
// the execution engine moves between steps. A Batch holds leaf elements at a
// fixed dimensionality level, each carrying its full index path relative to
// the top-level workflow batch and a per-element empty marker. Batches are
// immutable once constructed and iterate deterministically in index order.
package batch

import (
	"errors"
	"fmt"
	"sort"
)

// Common errors returned by batch construction.
var (
	// ErrLevelMismatch is returned when an element's path length does not
	// match the batch's dimensionality level.
	ErrLevelMismatch = errors.New("element path length does not match batch level")

	// ErrDuplicatePath is returned when two elements share an index path.
	ErrDuplicatePath = errors.New("duplicate index path in batch")

	// ErrBranchLevel is returned when an empty-branch path is not shallower
	// than the batch's level.
	ErrBranchLevel = errors.New("empty branch path must be shallower than batch level")
)

// Element is a single leaf value inside a Batch.
type Element struct {
	// Path is the element's full index path relative to the top-level batch.
	Path IndexPath
	// Value is the element's payload. It is meaningless when Empty is true.
	Value any
	// Empty marks an index path carrying no value, due to flow-control
	// pruning or a block's explicit no-result signal. Both causes collapse
	// into this one flag.
	Empty bool
}

// Batch is an immutable container of elements at one dimensionality level.
//
// Besides its leaves, a batch records "empty branches": index paths shallower
// than the batch's level whose subtrees produced zero children (for example a
// dimensionality-increasing step that returned no results for one parent).
// Empty branches keep positional provenance alive so that later grouping
// steps reproduce an empty group at the right path.
type Batch struct {
	level    int
	elems    []Element
	branches []IndexPath
}

// Group is a contiguous run of elements sharing a common parent path,
// produced by GroupByParent. A group may hold zero elements when the parent
// path is an empty branch.
type Group struct {
	// Path is the shared parent path (one level above the elements).
	Path IndexPath
	// Elements are the group's leaves in index order.
	Elements []Element
}

// New constructs a batch at the given dimensionality level. Elements are
// copied and sorted into index order; duplicate paths are rejected.
// Empty branch paths must be strictly shallower than level.
func New(level int, elems []Element, emptyBranches []IndexPath) (*Batch, error) {
	if level < 0 {
		return nil, fmt.Errorf("negative batch level %d", level)
	}
	sorted := make([]Element, len(elems))
	copy(sorted, elems)
	for _, e := range sorted {
		if len(e.Path) != level {
			return nil, fmt.Errorf("%w: path %s in level-%d batch", ErrLevelMismatch, e.Path, level)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return ComparePaths(sorted[i].Path, sorted[j].Path) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Path.Equal(sorted[i-1].Path) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, sorted[i].Path)
		}
	}
	branches := make([]IndexPath, len(emptyBranches))
	for i, p := range emptyBranches {
		if len(p) >= level {
			return nil, fmt.Errorf("%w: %s in level-%d batch", ErrBranchLevel, p, level)
		}
		branches[i] = p.Clone()
	}
	sort.SliceStable(branches, func(i, j int) bool {
		return ComparePaths(branches[i], branches[j]) < 0
	})
	return &Batch{level: level, elems: sorted, branches: branches}, nil
}

// Scalar wraps a single level-0 value.
func Scalar(v any) *Batch {
	b, _ := New(0, []Element{{Path: IndexPath{}, Value: v}}, nil)
	return b
}

// FromValues builds a level-1 batch from a top-level slice of values,
// assigning index paths [0], [1], ... in order.
func FromValues(values []any) *Batch {
	elems := make([]Element, len(values))
	for i, v := range values {
		elems[i] = Element{Path: IndexPath{i}, Value: v}
	}
	b, _ := New(1, elems, nil)
	return b
}

// Level returns the batch's dimensionality level.
func (b *Batch) Level() int {
	return b.level
}

// Len returns the number of leaf elements, empty leaves included.
func (b *Batch) Len() int {
	return len(b.elems)
}

// Elements returns the leaves in index order. The slice is a copy; the
// batch itself is never mutated.
func (b *Batch) Elements() []Element {
	out := make([]Element, len(b.elems))
	copy(out, b.elems)
	return out
}

// Paths returns every leaf index path in order.
func (b *Batch) Paths() []IndexPath {
	out := make([]IndexPath, len(b.elems))
	for i, e := range b.elems {
		out[i] = e.Path
	}
	return out
}

// At looks up the element with the given path.
func (b *Batch) At(p IndexPath) (Element, bool) {
	i := sort.Search(len(b.elems), func(i int) bool {
		return ComparePaths(b.elems[i].Path, p) >= 0
	})
	if i < len(b.elems) && b.elems[i].Path.Equal(p) {
		return b.elems[i], true
	}
	return Element{}, false
}

// EmptyBranches returns the paths of subtrees known to hold zero children.
func (b *Batch) EmptyBranches() []IndexPath {
	out := make([]IndexPath, len(b.branches))
	copy(out, b.branches)
	return out
}

// Sub returns the view of the batch restricted to leaves (and empty
// branches) extending the given prefix. The result keeps the same level.
func (b *Batch) Sub(prefix IndexPath) *Batch {
	var elems []Element
	for _, e := range b.elems {
		if e.Path.HasPrefix(prefix) {
			elems = append(elems, e)
		}
	}
	var branches []IndexPath
	for _, p := range b.branches {
		if p.HasPrefix(prefix) {
			branches = append(branches, p)
		}
	}
	return &Batch{level: b.level, elems: elems, branches: branches}
}

// GroupByParent partitions the leaves by their path with the last coordinate
// dropped, in index order. Empty branches one level above the leaves appear
// as zero-element groups, preserving their position in the output of a
// dimensionality-decreasing step.
func (b *Batch) GroupByParent() []Group {
	if b.level == 0 {
		return nil
	}
	var groups []Group
	index := make(map[string]int)
	for _, e := range b.elems {
		parent := e.Path.Parent()
		key := parent.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Path: parent})
		}
		groups[i].Elements = append(groups[i].Elements, e)
	}
	for _, p := range b.branches {
		if len(p) != b.level-1 {
			continue
		}
		if _, ok := index[p.Key()]; ok {
			continue
		}
		index[p.Key()] = len(groups)
		groups = append(groups, Group{Path: p.Clone()})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return ComparePaths(groups[i].Path, groups[j].Path) < 0
	})
	return groups
}

// NonEmpty returns the leaves whose empty flag is unset, in index order.
func (b *Batch) NonEmpty() []Element {
	var out []Element
	for _, e := range b.elems {
		if !e.Empty {
			out = append(out, e)
		}
	}
	return out
}

// HasEmpty reports whether any leaf is marked empty.
func (b *Batch) HasEmpty() bool {
	for _, e := range b.elems {
		if e.Empty {
			return true
		}
	}
	return false
}
