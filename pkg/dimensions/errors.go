package dimensions

import (
	"errors"
	"fmt"
)

// Resolution errors.
var (
	// ErrInputsDisagree is returned when a step's batch inputs resolve to
	// different dimensionalities without a reference input designated.
	ErrInputsDisagree = errors.New("input dimensionalities disagree without a reference input")

	// ErrOffsetOutOfRange is returned when a declared offset is outside
	// {-1, 0, +1}.
	ErrOffsetOutOfRange = errors.New("dimensionality offset outside {-1,0,1}")

	// ErrNegativeLevel is returned when the computed output dimensionality
	// would be negative.
	ErrNegativeLevel = errors.New("computed output dimensionality is negative")

	// ErrInputSpread is returned when two inputs differ in dimensionality
	// by more than one level.
	ErrInputSpread = errors.New("input dimensionalities differ by more than one")

	// ErrReferenceMismatch is returned when an input's dimensionality does
	// not equal the reference input's dimensionality plus its declared
	// offset.
	ErrReferenceMismatch = errors.New("input dimensionality does not match reference plus offset")

	// ErrReferenceNotSelector is returned when the designated reference
	// input is a literal parameter rather than a data selector.
	ErrReferenceNotSelector = errors.New("reference input is not a data selector")
)

// DimensionalityError reports an inconsistency found while resolving the
// nesting depth of a step's inputs and outputs. It is fatal and reported
// before any step executes.
type DimensionalityError struct {
	// Step is the name of the offending step.
	Step string
	// Input is the offending input name, when attributable to one.
	Input string
	// Cause is the underlying sentinel error.
	Cause error
}

// Error implements the error interface.
func (e *DimensionalityError) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("dimensionality error in step %q (input %q): %v", e.Step, e.Input, e.Cause)
	}
	return fmt.Sprintf("dimensionality error in step %q: %v", e.Step, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DimensionalityError) Unwrap() error {
	return e.Cause
}

// IsDimensionalityError reports whether err is a DimensionalityError.
func IsDimensionalityError(err error) bool {
	var de *DimensionalityError
	return errors.As(err, &de)
}
