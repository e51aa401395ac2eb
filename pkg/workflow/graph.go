package workflow

import (
	"fmt"
	"sort"
)

// Graph is a validated, cycle-free step graph with resolved selectors and a
// fixed topological order. Graphs are immutable after construction; one
// graph may back any number of execution sessions.
type Graph struct {
	inputs     []InputDefinition
	steps      []*Step
	byName     map[string]*Step
	inputIndex map[string]InputDefinition
	deps       map[string][]string
	dependents map[string][]string
	ctrl       map[string][]string
	order      []string
}

// NewGraph validates the declarations and computes the dependency topology.
// Dependencies combine data edges (selector bindings) and control edges
// (flow-control steps to their candidate successors).
func NewGraph(inputs []InputDefinition, steps []*Step) (*Graph, error) {
	g := &Graph{
		byName:     make(map[string]*Step, len(steps)),
		inputIndex: make(map[string]InputDefinition, len(inputs)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		ctrl:       make(map[string][]string),
	}
	for _, in := range inputs {
		if _, ok := g.inputIndex[in.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateInput, in.Name)
		}
		g.inputIndex[in.Name] = in
		g.inputs = append(g.inputs, in)
	}
	for _, s := range steps {
		if _, ok := g.byName[s.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.Name)
		}
		g.byName[s.Name] = s
		g.steps = append(g.steps, s)
	}

	for _, s := range steps {
		if err := g.validateStep(s); err != nil {
			return nil, err
		}
	}
	g.buildEdges()
	if err := g.sortTopological(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validateStep(s *Step) error {
	if s.Capabilities.FlowControl {
		if len(s.Outputs) > 0 {
			return fmt.Errorf("%w: step %q", ErrFlowControlOutputs, s.Name)
		}
	} else if len(s.Outputs) == 0 {
		return fmt.Errorf("%w: step %q", ErrMissingOutputs, s.Name)
	}
	if s.ReferenceInput != "" {
		if _, ok := s.Binding(s.ReferenceInput); !ok {
			return fmt.Errorf("%w: step %q input %q", ErrUnknownReferenceInput, s.Name, s.ReferenceInput)
		}
	}
	for _, b := range s.Inputs {
		if !b.IsSelector() {
			continue
		}
		sel := b.Selector
		switch sel.Kind {
		case SelectInput:
			if _, ok := g.inputIndex[sel.Input]; !ok {
				return fmt.Errorf("%w: step %q selects $inputs.%s", ErrUnknownInput, s.Name, sel.Input)
			}
		case SelectStepOutput:
			target, ok := g.byName[sel.Step]
			if !ok {
				return fmt.Errorf("%w: step %q selects %q", ErrUnknownStep, s.Name, sel.Step)
			}
			if !target.HasWildcardOutputs() && !declaresOutput(target, sel.Output) {
				return fmt.Errorf("%w: step %q selects %s.%s", ErrUnknownOutput, s.Name, sel.Step, sel.Output)
			}
		case SelectStep:
			if _, ok := g.byName[sel.Step]; !ok {
				return fmt.Errorf("%w: step %q targets %q", ErrUnknownStep, s.Name, sel.Step)
			}
		}
	}
	return nil
}

func declaresOutput(s *Step, name string) bool {
	for _, o := range s.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func (g *Graph) buildEdges() {
	addEdge := func(from, to string) {
		for _, d := range g.deps[to] {
			if d == from {
				return
			}
		}
		g.deps[to] = append(g.deps[to], from)
		g.dependents[from] = append(g.dependents[from], to)
	}
	for _, s := range g.steps {
		for _, b := range s.Inputs {
			if !b.IsSelector() {
				continue
			}
			switch b.Selector.Kind {
			case SelectStepOutput:
				addEdge(b.Selector.Step, s.Name)
			case SelectStep:
				// Control edge: the target may only run after the
				// flow-control step has produced its directive.
				addEdge(s.Name, b.Selector.Step)
				g.ctrl[b.Selector.Step] = append(g.ctrl[b.Selector.Step], s.Name)
			}
		}
	}
}

// sortTopological fixes the graph's execution order using Kahn's algorithm.
// Ready steps are drained in name order so the order is deterministic.
func (g *Graph) sortTopological() error {
	indegree := make(map[string]int, len(g.steps))
	for _, s := range g.steps {
		indegree[s.Name] = len(g.deps[s.Name])
	}
	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		next := append([]string(nil), g.dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}
	if len(g.order) != len(g.steps) {
		return ErrCycle
	}
	return nil
}

// Inputs returns the workflow input declarations.
func (g *Graph) Inputs() []InputDefinition {
	out := make([]InputDefinition, len(g.inputs))
	copy(out, g.inputs)
	return out
}

// Input returns the named workflow input declaration.
func (g *Graph) Input(name string) (InputDefinition, bool) {
	in, ok := g.inputIndex[name]
	return in, ok
}

// Step returns the named step definition.
func (g *Graph) Step(name string) (*Step, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// Steps returns the step definitions in topological order.
func (g *Graph) Steps() []*Step {
	out := make([]*Step, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.byName[name])
	}
	return out
}

// Order returns the step names in topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the upstream step names of the given step (data and
// control edges combined).
func (g *Graph) Dependencies(name string) []string {
	out := make([]string, len(g.deps[name]))
	copy(out, g.deps[name])
	return out
}

// Dependents returns the downstream step names of the given step.
func (g *Graph) Dependents(name string) []string {
	out := make([]string, len(g.dependents[name]))
	copy(out, g.dependents[name])
	return out
}

// ControlPredecessors returns the flow-control steps that govern whether
// (and for which index paths) the given step runs.
func (g *Graph) ControlPredecessors(name string) []string {
	out := make([]string, len(g.ctrl[name]))
	copy(out, g.ctrl[name])
	return out
}

// CheckEngineCompatibility verifies every step's declared engine version
// range against the running engine version.
func (g *Graph) CheckEngineCompatibility(engineVersion string) error {
	v, err := ParseVersion(engineVersion)
	if err != nil {
		return err
	}
	for _, s := range g.steps {
		if s.EngineVersions == "" {
			continue
		}
		r, err := ParseVersionRange(s.EngineVersions)
		if err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
		if !r.Check(v) {
			return fmt.Errorf("%w: step %q requires %q, engine is %s",
				ErrIncompatibleStep, s.Name, s.EngineVersions, engineVersion)
		}
	}
	return nil
}
