package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newBlock(t *testing.T, source string) blocks.Block {
	t.Helper()
	b, err := New(&workflow.Step{
		Name:    "expr",
		Type:    TypeTag,
		Inputs:  []workflow.Binding{{Name: "expression", Value: source}},
		Outputs: []string{OutputName},
	})
	require.NoError(t, err)
	return b
}

func TestExpression_EvaluatesArguments(t *testing.T) {
	b := newBlock(t, "a + b")

	out, err := b.Run(context.Background(), blocks.Call{
		Arguments: map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)

	result, ok := out.(blocks.Result)
	require.True(t, ok)
	assert.EqualValues(t, 5, result[OutputName])
}

func TestExpression_NullBecomesNoValue(t *testing.T) {
	b := newBlock(t, "null")

	out, err := b.Run(context.Background(), blocks.Call{Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, blocks.IsEmpty(out))
}

func TestExpression_EmptyArgumentSeenAsNull(t *testing.T) {
	b := newBlock(t, `x === null ? "was-null" : x`)

	out, err := b.Run(context.Background(), blocks.Call{
		Arguments: map[string]any{"x": blocks.NoValue},
	})
	require.NoError(t, err)

	result, ok := out.(blocks.Result)
	require.True(t, ok)
	assert.Equal(t, "was-null", result[OutputName])
}

func TestExpression_MissingSource(t *testing.T) {
	_, err := New(&workflow.Step{Name: "expr", Type: TypeTag, Outputs: []string{OutputName}})
	assert.ErrorIs(t, err, ErrMissingExpression)

	_, err = New(&workflow.Step{
		Name:    "expr",
		Type:    TypeTag,
		Inputs:  []workflow.Binding{{Name: "expression", Value: 42}},
		Outputs: []string{OutputName},
	})
	assert.ErrorIs(t, err, ErrMissingExpression)
}

func TestExpression_CompileError(t *testing.T) {
	_, err := New(&workflow.Step{
		Name:    "expr",
		Type:    TypeTag,
		Inputs:  []workflow.Binding{{Name: "expression", Value: "a +"}},
		Outputs: []string{OutputName},
	})
	assert.Error(t, err)
}

func TestExpression_RuntimeError(t *testing.T) {
	b := newBlock(t, "missing.field")

	_, err := b.Run(context.Background(), blocks.Call{Arguments: map[string]any{}})
	assert.Error(t, err)
}
