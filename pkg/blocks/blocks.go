// Package blocks defines the contract between the execution engine and the
// step implementations it invokes. A block is opaque business logic behind a
// type tag: the engine resolves the tag through a Registry at graph-build
// time, constructs the call shape its declared contract requires, and
// validates whatever the block returns.
package blocks

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/batch"
)

// Empty is the explicit no-value marker. Blocks that accept empty values
// receive it in place of a missing argument; blocks return it (or NoValue)
// in place of a result set to signal "no result for this element". Pruned
// and computed empties are deliberately the same state.
type Empty struct{}

// String renders the marker for logs.
func (Empty) String() string {
	return "<empty>"
}

// NoValue is the canonical Empty marker value.
var NoValue = Empty{}

// IsEmpty reports whether v is the no-value marker.
func IsEmpty(v any) bool {
	_, ok := v.(Empty)
	return ok
}

// Result is one element's result set: a value for every declared output
// name. A missing key is a fatal contract violation.
type Result map[string]any

// Call carries everything a block receives for one invocation.
type Call struct {
	// Step is the name of the step being executed.
	Step string
	// Arguments maps input names to the call-shape values the engine
	// built: single element values, *batch.Batch containers for
	// batch-accepting or grouped inputs, literal parameters, or the Empty
	// marker.
	Arguments map[string]any
	// Path is the call's anchor index path: the element path for scalar
	// calls, the group path for grouped calls, nil for whole-batch and
	// non-SIMD calls.
	Path batch.IndexPath
	// State is the step's session-scoped mutable state handle. It is owned
	// by the session and shared by every call of the same step.
	State *State
}

// Block is a step implementation. Run returns a value whose shape must
// match the step's declared contract: a Result (or Empty) for scalar calls,
// a []Result for dimensionality-increasing and batch calls, a Directive or
// []Directive for flow-control steps. The executor validates the shape and
// converts mismatches into step execution errors.
type Block interface {
	Run(ctx context.Context, call Call) (any, error)
}

// OutputProvider is implemented by blocks behind a wildcard output
// declaration. The engine queries Outputs once per step, after parameter
// binding and before execution begins.
type OutputProvider interface {
	Outputs() ([]string, error)
}

// Directive is a flow-control verdict. An empty target set terminates the
// index path's progression; otherwise execution continues only toward the
// named successor steps.
type Directive struct {
	Targets []string
}

// Terminate returns the directive that stops an index path entirely.
func Terminate() Directive {
	return Directive{}
}

// ContinueTo returns the directive routing execution toward the named
// successors.
func ContinueTo(steps ...string) Directive {
	return Directive{Targets: steps}
}
