// Package labelformat provides a builtin block that normalizes prediction
// class labels (title, upper or lower case) one element at a time.
package labelformat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// TypeTag is the registry tag for the label formatter block.
const TypeTag = "daedalus/label_format@v1"

// OutputName is the block's single declared output.
const OutputName = "label"

// Transforms supported by the block.
const (
	TransformTitle = "title"
	TransformUpper = "upper"
	TransformLower = "lower"
)

// ErrUnknownTransform is returned for an unsupported "transform" parameter.
var ErrUnknownTransform = errors.New("unknown label transform")

// Block rewrites a label string according to the configured transform.
type Block struct {
	transform string
	titler    cases.Caser
}

// New is the block factory. The transform comes from the step's literal
// "transform" binding and defaults to title casing.
func New(step *workflow.Step) (blocks.Block, error) {
	transform := TransformTitle
	if b, ok := step.Binding("transform"); ok && !b.IsSelector() {
		s, ok := b.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownTransform, b.Value)
		}
		transform = s
	}
	switch transform {
	case TransformTitle, TransformUpper, TransformLower:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, transform)
	}
	return &Block{
		transform: transform,
		titler:    cases.Title(language.Und),
	}, nil
}

// Run formats the "label" argument. Empty markers pass through as
// no-result so pruned elements stay empty downstream.
func (b *Block) Run(ctx context.Context, call blocks.Call) (any, error) {
	raw, ok := call.Arguments["label"]
	if !ok || blocks.IsEmpty(raw) {
		return blocks.NoValue, nil
	}
	label, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("label must be a string, got %T", raw)
	}

	switch b.transform {
	case TransformUpper:
		label = strings.ToUpper(label)
	case TransformLower:
		label = strings.ToLower(label)
	default:
		label = b.titler.String(label)
	}
	return blocks.Result{OutputName: label}, nil
}
