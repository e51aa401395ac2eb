package workflow

import "errors"

// Graph construction errors.
var (
	// ErrDuplicateStep is returned when two steps share a name.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrDuplicateInput is returned when two workflow inputs share a name.
	ErrDuplicateInput = errors.New("duplicate workflow input name")

	// ErrUnknownStep is returned when a selector references a step that is
	// not part of the graph.
	ErrUnknownStep = errors.New("selector references unknown step")

	// ErrUnknownOutput is returned when a selector references an output the
	// target step does not declare.
	ErrUnknownOutput = errors.New("selector references undeclared output")

	// ErrUnknownInput is returned when a selector references a workflow
	// input that is not declared.
	ErrUnknownInput = errors.New("selector references unknown workflow input")

	// ErrFlowControlOutputs is returned when a flow-control step declares
	// outputs; the two are mutually exclusive.
	ErrFlowControlOutputs = errors.New("flow-control step must not declare outputs")

	// ErrMissingOutputs is returned when a non-flow-control step declares
	// no outputs at all.
	ErrMissingOutputs = errors.New("step declares no outputs")

	// ErrUnknownReferenceInput is returned when the declared reference
	// input is not one of the step's bindings.
	ErrUnknownReferenceInput = errors.New("reference input is not a declared input")

	// ErrCycle is returned when the dependency graph is not acyclic.
	ErrCycle = errors.New("step graph contains a cycle")

	// ErrIncompatibleStep is returned when a step's engine version range
	// excludes the running engine.
	ErrIncompatibleStep = errors.New("step incompatible with engine version")

	// ErrBadVersionRange is returned for an unparsable version range.
	ErrBadVersionRange = errors.New("malformed engine version range")
)
