// Package expression provides a builtin block that evaluates a JavaScript
// expression once per element. The expression sees the step's arguments as
// global variables and its value becomes the block's single "result" output;
// null or undefined results become the no-result marker.
package expression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// TypeTag is the registry tag for the expression block.
const TypeTag = "daedalus/expression@v1"

// OutputName is the block's single declared output.
const OutputName = "result"

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 5 * time.Second

// ErrMissingExpression is returned when the "expression" parameter is
// absent or not a string.
var ErrMissingExpression = errors.New("expression block requires a string \"expression\" parameter")

// Block evaluates a compiled JavaScript expression per call.
type Block struct {
	program *goja.Program
	timeout time.Duration
}

// New is the block factory. The expression source comes from the step's
// literal "expression" binding and is compiled once; an optional
// "timeout_ms" binding overrides the evaluation timeout.
func New(step *workflow.Step) (blocks.Block, error) {
	binding, ok := step.Binding("expression")
	if !ok || binding.IsSelector() {
		return nil, ErrMissingExpression
	}
	source, ok := binding.Value.(string)
	if !ok {
		return nil, ErrMissingExpression
	}
	program, err := goja.Compile(step.Name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compiling expression for step %q: %w", step.Name, err)
	}

	timeout := DefaultTimeout
	if b, ok := step.Binding("timeout_ms"); ok && !b.IsSelector() {
		if ms, ok := toInt(b.Value); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return &Block{program: program, timeout: timeout}, nil
}

// Run evaluates the expression against the call's arguments. Each argument
// is exposed as a global variable; selector and step metadata stay hidden.
func (b *Block) Run(ctx context.Context, call blocks.Call) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for name, value := range call.Arguments {
		if blocks.IsEmpty(value) {
			value = goja.Null()
		}
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("binding argument %q: %w", name, err)
		}
	}

	timer := time.AfterFunc(b.timeout, func() {
		vm.Interrupt("evaluation timed out")
	})
	defer timer.Stop()
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < b.timeout {
		timer.Reset(time.Until(deadline))
	}

	value, err := vm.RunProgram(b.program)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	if value == nil || goja.IsNull(value) || goja.IsUndefined(value) {
		return blocks.NoValue, nil
	}
	return blocks.Result{OutputName: value.Export()}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
