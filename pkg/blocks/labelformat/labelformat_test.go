package labelformat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newBlock(t *testing.T, transform string) blocks.Block {
	t.Helper()
	step := &workflow.Step{Name: "fmt", Type: TypeTag, Outputs: []string{OutputName}}
	if transform != "" {
		step.Inputs = []workflow.Binding{{Name: "transform", Value: transform}}
	}
	b, err := New(step)
	require.NoError(t, err)
	return b
}

func TestLabelFormat_Transforms(t *testing.T) {
	cases := []struct {
		transform string
		in, want  string
	}{
		{TransformUpper, "stop sign", "STOP SIGN"},
		{TransformLower, "Stop Sign", "stop sign"},
		{TransformTitle, "stop sign", "Stop Sign"},
		{"", "stop sign", "Stop Sign"},
	}
	for _, tc := range cases {
		b := newBlock(t, tc.transform)
		out, err := b.Run(context.Background(), blocks.Call{
			Arguments: map[string]any{"label": tc.in},
		})
		require.NoError(t, err)
		result, ok := out.(blocks.Result)
		require.True(t, ok)
		assert.Equal(t, tc.want, result[OutputName])
	}
}

func TestLabelFormat_EmptyPassesThrough(t *testing.T) {
	b := newBlock(t, TransformUpper)

	out, err := b.Run(context.Background(), blocks.Call{
		Arguments: map[string]any{"label": blocks.NoValue},
	})
	require.NoError(t, err)
	assert.True(t, blocks.IsEmpty(out))
}

func TestLabelFormat_UnknownTransform(t *testing.T) {
	_, err := New(&workflow.Step{
		Name:    "fmt",
		Type:    TypeTag,
		Inputs:  []workflow.Binding{{Name: "transform", Value: "reverse"}},
		Outputs: []string{OutputName},
	})
	assert.ErrorIs(t, err, ErrUnknownTransform)
}

func TestLabelFormat_NonStringLabel(t *testing.T) {
	b := newBlock(t, TransformLower)

	_, err := b.Run(context.Background(), blocks.Call{
		Arguments: map[string]any{"label": 42},
	})
	assert.Error(t, err)
}
