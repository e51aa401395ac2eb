package batch

// Builder accumulates elements for a batch under construction. The step
// executor uses it while scattering block results back into index-path
// aligned containers; Build finalizes into an immutable Batch.
type Builder struct {
	level    int
	elems    []Element
	branches []IndexPath
}

// NewBuilder creates a builder for a batch at the given level.
func NewBuilder(level int) *Builder {
	return &Builder{level: level}
}

// Append adds a value at the given path.
func (b *Builder) Append(path IndexPath, value any) {
	b.elems = append(b.elems, Element{Path: path.Clone(), Value: value})
}

// AppendEmpty adds an empty placeholder at the given path. The placeholder
// still occupies its index path so positional alignment survives for later
// steps that request empty values.
func (b *Builder) AppendEmpty(path IndexPath) {
	b.elems = append(b.elems, Element{Path: path.Clone(), Empty: true})
}

// AppendElement adds a pre-built element, preserving its empty flag.
func (b *Builder) AppendElement(e Element) {
	b.elems = append(b.elems, Element{Path: e.Path.Clone(), Value: e.Value, Empty: e.Empty})
}

// MarkBranchEmpty records a subtree with zero children at the given path,
// which must be shallower than the batch's level.
func (b *Builder) MarkBranchEmpty(path IndexPath) {
	b.branches = append(b.branches, path.Clone())
}

// Len returns the number of elements appended so far.
func (b *Builder) Len() int {
	return len(b.elems)
}

// Build finalizes the accumulated elements into an immutable Batch.
func (b *Builder) Build() (*Batch, error) {
	return New(b.level, b.elems, b.branches)
}
