// Package dimensions computes the nesting depth of every step's inputs and
// outputs before execution starts. Resolution is a pure annotation pass over
// the compiled graph: it walks steps in topological order, applies each
// step's declared offsets, and validates the cross-input consistency rules.
// The resulting table is immutable for the lifetime of a session.
package dimensions

import "github.com/wehubfusion/Daedalus/pkg/workflow"

// Resolved holds the dimensionality annotation for one step.
type Resolved struct {
	// InputLevels maps each data-selector binding name to the resolved
	// dimensionality level of the data it references. Literal parameters
	// do not appear; level-0 entries are broadcast at call time.
	InputLevels map[string]int
	// OutputLevel is the dimensionality level of every output the step
	// writes. For flow-control steps it is the level the directive mask
	// applies at.
	OutputLevel int
	// SIMD is set for flow-control steps that compute their directive
	// independently per index path. It is false for every other step.
	SIMD bool
}

// BatchLevel returns the shared dimensionality of the step's batch-oriented
// inputs (the maximum input level; broadcast inputs sit below it).
func (r Resolved) BatchLevel() int {
	max := 0
	for _, l := range r.InputLevels {
		if l > max {
			max = l
		}
	}
	return max
}

// Table maps step names to their resolved dimensionalities.
type Table map[string]Resolved

// Resolve annotates every step of the graph with resolved dimensionality
// levels, or fails with a DimensionalityError on the first inconsistency.
func Resolve(g *workflow.Graph) (Table, error) {
	table := make(Table, len(g.Order()))
	for _, step := range g.Steps() {
		resolved, err := resolveStep(g, table, step)
		if err != nil {
			return nil, err
		}
		table[step.Name] = resolved
	}
	return table, nil
}

func resolveStep(g *workflow.Graph, table Table, step *workflow.Step) (Resolved, error) {
	levels := make(map[string]int)
	for _, b := range step.SelectorBindings() {
		switch b.Selector.Kind {
		case workflow.SelectInput:
			def, _ := g.Input(b.Selector.Input)
			levels[b.Name] = def.Level()
		case workflow.SelectStepOutput:
			levels[b.Name] = table[b.Selector.Step].OutputLevel
		}
	}

	// Scalar selections (workflow parameters, level-0 outputs) are broadcast
	// to every call and stay out of the uniformity rules, like literals.
	batch := make(map[string]int)
	for name, l := range levels {
		if l >= 1 {
			batch[name] = l
		}
	}

	if err := checkSpread(step, batch); err != nil {
		return Resolved{}, err
	}

	if step.Capabilities.FlowControl {
		level := maxLevel(batch)
		return Resolved{
			InputLevels: levels,
			OutputLevel: level,
			SIMD:        level >= 1 && !step.Capabilities.AcceptsBatch,
		}, nil
	}

	if step.ReferenceInput != "" {
		return resolveReference(step, levels, batch)
	}
	return resolveUniform(step, levels, batch)
}

// resolveUniform handles the common case: every batch input shares one
// dimensionality d, and the output sits at d plus the declared offset.
func resolveUniform(step *workflow.Step, levels, batch map[string]int) (Resolved, error) {
	d := 0
	first := true
	for name, l := range batch {
		if first {
			d = l
			first = false
			continue
		}
		if l != d {
			return Resolved{}, &DimensionalityError{Step: step.Name, Input: name, Cause: ErrInputsDisagree}
		}
	}
	if step.OutputOffset < -1 || step.OutputOffset > 1 {
		return Resolved{}, &DimensionalityError{Step: step.Name, Cause: ErrOffsetOutOfRange}
	}
	out := d + step.OutputOffset
	if out < 0 {
		return Resolved{}, &DimensionalityError{Step: step.Name, Cause: ErrNegativeLevel}
	}
	return Resolved{InputLevels: levels, OutputLevel: out}, nil
}

// resolveReference handles steps whose inputs differ in depth: every other
// input's dimensionality must equal the reference input's plus its declared
// offset, and the output follows the reference input.
func resolveReference(step *workflow.Step, levels, batch map[string]int) (Resolved, error) {
	ref, ok := levels[step.ReferenceInput]
	if !ok {
		return Resolved{}, &DimensionalityError{Step: step.Name, Input: step.ReferenceInput, Cause: ErrReferenceNotSelector}
	}
	for name, l := range batch {
		if name == step.ReferenceInput {
			continue
		}
		offset := step.InputOffsets[name]
		if offset < -1 || offset > 1 {
			return Resolved{}, &DimensionalityError{Step: step.Name, Input: name, Cause: ErrOffsetOutOfRange}
		}
		if l != ref+offset {
			return Resolved{}, &DimensionalityError{Step: step.Name, Input: name, Cause: ErrReferenceMismatch}
		}
	}
	return Resolved{InputLevels: levels, OutputLevel: ref}, nil
}

// checkSpread enforces the pairwise rule: no two inputs may differ in
// resolved dimensionality by more than one level.
func checkSpread(step *workflow.Step, batch map[string]int) error {
	min, max := 0, 0
	first := true
	for _, l := range batch {
		if first {
			min, max = l, l
			first = false
			continue
		}
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}
	if max-min > 1 {
		return &DimensionalityError{Step: step.Name, Cause: ErrInputSpread}
	}
	return nil
}

func maxLevel(batch map[string]int) int {
	max := 0
	for _, l := range batch {
		if l > max {
			max = l
		}
	}
	return max
}
