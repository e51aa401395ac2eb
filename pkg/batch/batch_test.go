package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexPath_ExtendParentTruncate(t *testing.T) {
	p := NewIndexPath(1, 2)

	assert.Equal(t, 2, p.Level())
	assert.Equal(t, IndexPath{1, 2, 0}, p.Extend(0))
	assert.Equal(t, IndexPath{1}, p.Parent())
	assert.Equal(t, IndexPath{1}, p.Truncate(1))
	assert.Equal(t, IndexPath{1, 2}, p.Truncate(5))
	assert.Equal(t, "[1,2]", p.String())

	// Extending must not mutate the receiver.
	q := p.Extend(7)
	q[0] = 99
	assert.Equal(t, IndexPath{1, 2}, p)
}

func TestIndexPath_HasPrefix(t *testing.T) {
	p := NewIndexPath(0, 1, 2)

	assert.True(t, p.HasPrefix(IndexPath{}))
	assert.True(t, p.HasPrefix(IndexPath{0}))
	assert.True(t, p.HasPrefix(IndexPath{0, 1}))
	assert.True(t, p.HasPrefix(IndexPath{0, 1, 2}))
	assert.False(t, p.HasPrefix(IndexPath{1}))
	assert.False(t, p.HasPrefix(IndexPath{0, 1, 2, 3}))
}

func TestComparePaths_Ordering(t *testing.T) {
	assert.Equal(t, 0, ComparePaths(IndexPath{1, 2}, IndexPath{1, 2}))
	assert.Equal(t, -1, ComparePaths(IndexPath{0, 9}, IndexPath{1, 0}))
	assert.Equal(t, 1, ComparePaths(IndexPath{2}, IndexPath{1, 5}))
	assert.Equal(t, -1, ComparePaths(IndexPath{1}, IndexPath{1, 0}))
}

func TestNew_SortsAndValidates(t *testing.T) {
	b, err := New(2, []Element{
		{Path: IndexPath{1, 0}, Value: "c"},
		{Path: IndexPath{0, 1}, Value: "b"},
		{Path: IndexPath{0, 0}, Value: "a"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, b.Level())
	assert.Equal(t, []IndexPath{{0, 0}, {0, 1}, {1, 0}}, b.Paths())
}

func TestNew_RejectsLevelMismatch(t *testing.T) {
	_, err := New(2, []Element{{Path: IndexPath{0}, Value: "a"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLevelMismatch)
}

func TestNew_RejectsDuplicatePaths(t *testing.T) {
	_, err := New(1, []Element{
		{Path: IndexPath{0}, Value: "a"},
		{Path: IndexPath{0}, Value: "b"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestNew_RejectsDeepEmptyBranch(t *testing.T) {
	_, err := New(1, nil, []IndexPath{{0}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchLevel)
}

func TestScalar(t *testing.T) {
	b := Scalar("v")

	assert.Equal(t, 0, b.Level())
	el, ok := b.At(IndexPath{})
	require.True(t, ok)
	assert.Equal(t, "v", el.Value)
}

func TestFromValues(t *testing.T) {
	b := FromValues([]any{"x", "y"})

	assert.Equal(t, 1, b.Level())
	assert.Equal(t, 2, b.Len())
	el, ok := b.At(IndexPath{1})
	require.True(t, ok)
	assert.Equal(t, "y", el.Value)
}

func TestAt_Missing(t *testing.T) {
	b := FromValues([]any{"x"})

	_, ok := b.At(IndexPath{3})
	assert.False(t, ok)
}

func TestSub_RestrictsToPrefix(t *testing.T) {
	b, err := New(2, []Element{
		{Path: IndexPath{0, 0}, Value: "a"},
		{Path: IndexPath{0, 1}, Value: "b"},
		{Path: IndexPath{1, 0}, Value: "c"},
	}, []IndexPath{{2}})
	require.NoError(t, err)

	sub := b.Sub(IndexPath{0})
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, []IndexPath{{0, 0}, {0, 1}}, sub.Paths())
	assert.Empty(t, sub.EmptyBranches())

	assert.Equal(t, 0, b.Sub(IndexPath{5}).Len())
}

func TestGroupByParent(t *testing.T) {
	b, err := New(2, []Element{
		{Path: IndexPath{0, 0}, Value: "a"},
		{Path: IndexPath{0, 1}, Value: "b"},
		{Path: IndexPath{2, 0}, Value: "c"},
	}, []IndexPath{{1}})
	require.NoError(t, err)

	groups := b.GroupByParent()
	require.Len(t, groups, 3)

	assert.Equal(t, IndexPath{0}, groups[0].Path)
	assert.Len(t, groups[0].Elements, 2)

	// The empty branch claims its position as a zero-element group.
	assert.Equal(t, IndexPath{1}, groups[1].Path)
	assert.Empty(t, groups[1].Elements)

	assert.Equal(t, IndexPath{2}, groups[2].Path)
	assert.Len(t, groups[2].Elements, 1)
}

func TestNonEmptyAndHasEmpty(t *testing.T) {
	b, err := New(1, []Element{
		{Path: IndexPath{0}, Value: "a"},
		{Path: IndexPath{1}, Empty: true},
		{Path: IndexPath{2}, Value: "c"},
	}, nil)
	require.NoError(t, err)

	assert.True(t, b.HasEmpty())
	nonEmpty := b.NonEmpty()
	require.Len(t, nonEmpty, 2)
	assert.Equal(t, "a", nonEmpty[0].Value)
	assert.Equal(t, "c", nonEmpty[1].Value)
}

func TestBuilder_BuildsAlignedBatch(t *testing.T) {
	builder := NewBuilder(2)
	builder.Append(IndexPath{0, 1}, "b")
	builder.Append(IndexPath{0, 0}, "a")
	builder.AppendEmpty(IndexPath{1, 0})
	builder.MarkBranchEmpty(IndexPath{2})

	b, err := builder.Build()
	require.NoError(t, err)

	assert.Equal(t, []IndexPath{{0, 0}, {0, 1}, {1, 0}}, b.Paths())
	el, ok := b.At(IndexPath{1, 0})
	require.True(t, ok)
	assert.True(t, el.Empty)
	assert.Equal(t, []IndexPath{{2}}, b.EmptyBranches())
}

func TestBuilder_RejectsWrongLevel(t *testing.T) {
	builder := NewBuilder(1)
	builder.Append(IndexPath{0, 0}, "a")

	_, err := builder.Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLevelMismatch)
}
