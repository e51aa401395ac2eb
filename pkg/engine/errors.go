package engine

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/batch"
)

// Contract violations surfaced as step execution errors.
var (
	// ErrMissingOutputKey is returned when a result set lacks a declared
	// output name.
	ErrMissingOutputKey = errors.New("result missing declared output key")

	// ErrUnexpectedOutputKey is returned when a result set carries a key
	// the step never declared.
	ErrUnexpectedOutputKey = errors.New("result carries undeclared output key")

	// ErrBadResultShape is returned when a block's return value does not
	// match the shape its declared contract requires.
	ErrBadResultShape = errors.New("result shape does not match step contract")

	// ErrMalformedDirective is returned when a flow-control step returns
	// something other than a directive (or directive list).
	ErrMalformedDirective = errors.New("malformed flow-control directive")

	// ErrUnknownDirectiveTarget is returned when a directive routes toward
	// a step outside the flow-control step's declared successor set.
	ErrUnknownDirectiveTarget = errors.New("directive targets undeclared successor")

	// ErrResultCountMismatch is returned when a batch call returns a
	// different number of result sets than elements passed in.
	ErrResultCountMismatch = errors.New("result count does not match element count")
)

// Execution phases recorded on step execution errors.
const (
	PhaseGather    = "gather"
	PhaseInvoke    = "invoke"
	PhaseScatter   = "scatter"
	PhaseDirective = "directive"
)

// StepExecutionError reports a fatal contract violation during one step's
// pass. It carries the step name and, when attributable, the index path
// being processed.
type StepExecutionError struct {
	// Step is the name of the failing step.
	Step string
	// Output is the offending output name, when attributable to one.
	Output string
	// Path is the index path being processed, nil for whole-step failures.
	Path batch.IndexPath
	// Phase is the execution phase that failed.
	Phase string
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	msg := fmt.Sprintf("step %q failed during %s", e.Step, e.Phase)
	if e.Output != "" {
		msg += fmt.Sprintf(" (output %q)", e.Output)
	}
	if e.Path != nil {
		msg += fmt.Sprintf(" at %s", e.Path)
	}
	return msg + ": " + e.Cause.Error()
}

// Unwrap returns the underlying error.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// IsStepExecutionError reports whether err is a StepExecutionError.
func IsStepExecutionError(err error) bool {
	var se *StepExecutionError
	return errors.As(err, &se)
}

// EmptyValueViolation reports an empty element reaching a block that does
// not accept empty values. The propagation rules make this unreachable, so
// hitting it indicates an engine bug rather than a user error.
type EmptyValueViolation struct {
	// Step is the step that would have been invoked.
	Step string
	// Input is the argument carrying the empty value.
	Input string
	// Path is the affected index path.
	Path batch.IndexPath
}

// Error implements the error interface.
func (e *EmptyValueViolation) Error() string {
	return fmt.Sprintf("empty value reached step %q (input %q) at %s despite empty propagation",
		e.Step, e.Input, e.Path)
}

// IsEmptyValueViolation reports whether err is an EmptyValueViolation.
func IsEmptyValueViolation(err error) bool {
	var ev *EmptyValueViolation
	return errors.As(err, &ev)
}
