// Package workflow defines the compiled step graph the execution engine
// consumes. Graphs arrive from an external compiler with selectors already
// validated; this package models the declarations the engine needs at run
// time (bindings, capability descriptors, dimensionality offsets, version
// ranges) and computes the dependency topology.
package workflow

// InputsStep is the pseudo step name under which top-level workflow inputs
// are published in the data store, one output per input declaration.
const InputsStep = "$inputs"

// WildcardOutput is the sentinel output name for steps whose concrete
// output list is only known after parameter binding. Blocks behind a
// wildcard declaration report their actual outputs before execution begins.
const WildcardOutput = "*"

// InputKind distinguishes batch-oriented workflow inputs from scalar
// parameters.
type InputKind string

const (
	// BatchInput is a top-level batch input (for example a list of images);
	// it materializes at dimensionality level 1.
	BatchInput InputKind = "batch"
	// ParameterInput is a scalar workflow parameter at level 0, broadcast
	// to every call that selects it.
	ParameterInput InputKind = "parameter"
)

// InputDefinition declares one top-level workflow input.
type InputDefinition struct {
	// Name is unique among the workflow's inputs.
	Name string `json:"name"`
	// Kind selects the input's dimensionality behavior.
	Kind InputKind `json:"kind"`
}

// Level returns the dimensionality level the input materializes at.
func (d InputDefinition) Level() int {
	if d.Kind == BatchInput {
		return 1
	}
	return 0
}

// SelectorKind identifies what a selector points at.
type SelectorKind string

const (
	// SelectStepOutput references another step's named output.
	SelectStepOutput SelectorKind = "step_output"
	// SelectInput references a top-level workflow input.
	SelectInput SelectorKind = "input"
	// SelectStep references a step itself, with no output. Flow-control
	// steps use step references to declare their candidate successors.
	SelectStep SelectorKind = "step"
)

// Selector references another step's output, a workflow input, or (for
// flow-control bindings) a step itself.
type Selector struct {
	Kind SelectorKind `json:"kind"`
	// Step is the referenced step name (step_output and step kinds).
	Step string `json:"step,omitempty"`
	// Output is the referenced output name (step_output kind).
	Output string `json:"output,omitempty"`
	// Input is the referenced workflow input name (input kind).
	Input string `json:"input,omitempty"`
}

// Binding is one named input of a step: either a static literal parameter
// or a selector resolved against the data store at execution time.
type Binding struct {
	Name string `json:"name"`
	// Selector is set for data-selector bindings, nil for literals.
	Selector *Selector `json:"selector,omitempty"`
	// Value is the literal parameter value when Selector is nil.
	Value any `json:"value,omitempty"`
}

// IsSelector reports whether the binding references other data rather than
// carrying a literal value.
func (b Binding) IsSelector() bool {
	return b.Selector != nil
}

// Capabilities is the immutable capability descriptor attached to each step
// definition at graph-build time. The executor consults it by plain field
// access; nothing is introspected at call time.
type Capabilities struct {
	// AcceptsBatch indicates the block receives whole batch containers
	// rather than one element per call.
	AcceptsBatch bool `json:"acceptsBatchInput"`
	// AcceptsEmpty indicates the block tolerates explicit no-value markers;
	// without it, empty index paths are skipped before the block is invoked.
	AcceptsEmpty bool `json:"acceptsEmptyValues"`
	// FlowControl marks the step as a flow-control step. Flow-control steps
	// declare no outputs and return directives instead of result sets.
	FlowControl bool `json:"isFlowControl"`
}

// Step is one node of the compiled graph, as consumed by the engine.
type Step struct {
	// Name is unique within the graph.
	Name string `json:"name"`
	// Type is the tag selecting the block implementation in the registry.
	Type string `json:"type"`
	// Inputs are the step's ordered input bindings.
	Inputs []Binding `json:"inputs"`
	// Outputs are the declared output names, or the single wildcard
	// sentinel for dynamic output declarations.
	Outputs []string `json:"declaredOutputs,omitempty"`
	// OutputOffset is the declared dimensionality change between the
	// step's inputs and outputs, one of {-1, 0, +1}. Ignored when
	// ReferenceInput is set.
	OutputOffset int `json:"outputDimensionalityOffset"`
	// InputOffsets maps input names to their offset relative to the
	// reference input's dimensionality. Required when input
	// dimensionalities differ.
	InputOffsets map[string]int `json:"inputDimensionalityOffsets,omitempty"`
	// ReferenceInput names the input whose dimensionality and index paths
	// determine the step's output dimensionality in the reference case.
	ReferenceInput string `json:"dimensionalityReferenceInput,omitempty"`
	// Capabilities is the step's capability descriptor.
	Capabilities Capabilities `json:"capabilities"`
	// EngineVersions constrains which engine versions may run the step,
	// e.g. ">=1.0.0,<2.0.0". Empty means any.
	EngineVersions string `json:"compatibleEngineVersionRange,omitempty"`
}

// HasWildcardOutputs reports whether the step declared the wildcard output
// sentinel instead of a concrete output list.
func (s *Step) HasWildcardOutputs() bool {
	return len(s.Outputs) == 1 && s.Outputs[0] == WildcardOutput
}

// Binding returns the named input binding.
func (s *Step) Binding(name string) (Binding, bool) {
	for _, b := range s.Inputs {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

// SelectorBindings returns the bindings that reference step outputs or
// workflow inputs, in declaration order.
func (s *Step) SelectorBindings() []Binding {
	var out []Binding
	for _, b := range s.Inputs {
		if b.IsSelector() && b.Selector.Kind != SelectStep {
			out = append(out, b)
		}
	}
	return out
}

// ControlTargets returns the candidate successor steps a flow-control step
// may route to, i.e. its step-reference bindings in declaration order.
func (s *Step) ControlTargets() []string {
	var out []string
	for _, b := range s.Inputs {
		if b.IsSelector() && b.Selector.Kind == SelectStep {
			out = append(out, b.Selector.Step)
		}
	}
	return out
}
