// Package engine implements the dimensionality-aware batch execution core:
// gathering step inputs from the data store, reshaping them into the call
// shape each step's declared contract requires, invoking the block, and
// scattering results back into index-path aligned containers. Flow-control
// pruning and empty propagation run through the same pass.
package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/datastore"
	"github.com/wehubfusion/Daedalus/pkg/dimensions"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// boundStep couples a step definition with its resolved block instance,
// concrete output list and session state handle. Binding happens once per
// session, before execution starts.
type boundStep struct {
	step    *workflow.Step
	block   blocks.Block
	outputs []string
	state   *blocks.State
}

// Executor runs individual steps against the data store. It is stateless
// across steps apart from the store and the flow-control coordinator, so
// independent steps may execute concurrently.
type Executor struct {
	graph  *workflow.Graph
	dims   dimensions.Table
	store  *datastore.Store
	coord  *Coordinator
	bound  map[string]*boundStep
	logger *zap.Logger
}

// gathered holds one step's inputs fetched from the data store, split by
// how they enter the call shape.
type gathered struct {
	// literals are static parameters, passed to every call unchanged.
	literals map[string]any
	// broadcast are level-0 selector values (workflow parameters, scalar
	// step outputs), passed to every call as single values.
	broadcast map[string]batch.Element
	// batches are batch-oriented selector inputs at level >= 1.
	batches map[string]*batch.Batch
}

// gather fetches every input binding's data. Workflow inputs are read from
// the $inputs pseudo step.
func (e *Executor) gather(step *workflow.Step, res dimensions.Resolved) (*gathered, error) {
	in := &gathered{
		literals:  make(map[string]any),
		broadcast: make(map[string]batch.Element),
		batches:   make(map[string]*batch.Batch),
	}
	for _, b := range step.Inputs {
		if !b.IsSelector() {
			in.literals[b.Name] = b.Value
			continue
		}
		var src, out string
		switch b.Selector.Kind {
		case workflow.SelectInput:
			src, out = workflow.InputsStep, b.Selector.Input
		case workflow.SelectStepOutput:
			src, out = b.Selector.Step, b.Selector.Output
		default:
			// Step references carry control flow, not data.
			continue
		}
		data, err := e.store.Get(src, out)
		if err != nil {
			return nil, err
		}
		if res.InputLevels[b.Name] == 0 {
			elems := data.Elements()
			if len(elems) != 1 {
				return nil, fmt.Errorf("scalar input %q resolved to %d elements", b.Name, len(elems))
			}
			in.broadcast[b.Name] = elems[0]
		} else {
			in.batches[b.Name] = data
		}
	}
	return in, nil
}

// domain computes the set of index paths a uniform step operates over: the
// intersection of leaf paths across its batch inputs at the shared level.
// Steps with no batch inputs operate over the single empty path.
func (e *Executor) domain(res dimensions.Resolved, in *gathered) []batch.IndexPath {
	d := res.BatchLevel()
	if d == 0 {
		return []batch.IndexPath{{}}
	}
	var names []string
	for name := range in.batches {
		if res.InputLevels[name] == d {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	paths := in.batches[names[0]].Paths()
	out := paths[:0:0]
	for _, p := range paths {
		present := true
		for _, name := range names[1:] {
			if _, ok := in.batches[name].At(p); !ok {
				present = false
				break
			}
		}
		if present {
			out = append(out, p)
		}
	}
	return out
}

// pruned reports whether any governing flow-control ancestor pruned the
// path for this step.
func (e *Executor) pruned(stepName string, path batch.IndexPath) bool {
	for _, fc := range e.graph.ControlPredecessors(stepName) {
		if !e.coord.Allowed(fc, stepName, path) {
			return true
		}
	}
	return false
}

// prunedEverywhere reports whether a non-SIMD directive removed the step
// from the entire pass.
func (e *Executor) prunedEverywhere(stepName string) bool {
	for _, fc := range e.graph.ControlPredecessors(stepName) {
		if !e.coord.AllowedEverywhere(fc, stepName) {
			return true
		}
	}
	return false
}

// emptyAt reports whether any contributing element at the path is empty.
// Broadcast empties contribute to every path.
func emptyAt(res dimensions.Resolved, in *gathered, path batch.IndexPath) bool {
	for _, el := range in.broadcast {
		if el.Empty {
			return true
		}
	}
	d := res.BatchLevel()
	for name, b := range in.batches {
		if res.InputLevels[name] != d {
			continue
		}
		if el, ok := b.At(path); ok && el.Empty {
			return true
		}
	}
	return false
}

// ExecuteStep runs one step end to end: gather, reshape, invoke, scatter.
// Flow-control steps record directives with the coordinator instead of
// writing outputs.
func (e *Executor) ExecuteStep(ctx context.Context, name string) error {
	bs, ok := e.bound[name]
	if !ok {
		return fmt.Errorf("step %q is not bound", name)
	}
	res := e.dims[name]

	in, err := e.gather(bs.step, res)
	if err != nil {
		return &StepExecutionError{Step: name, Phase: PhaseGather, Cause: err}
	}

	e.logger.Debug("executing step",
		zap.String("step", name),
		zap.String("type", bs.step.Type),
		zap.Int("batch_level", res.BatchLevel()),
		zap.Int("output_level", res.OutputLevel),
		zap.Bool("flow_control", bs.step.Capabilities.FlowControl))

	if bs.step.Capabilities.FlowControl {
		return e.executeFlowControl(ctx, bs, res, in)
	}
	if bs.step.ReferenceInput != "" {
		return e.executeReference(ctx, bs, res, in)
	}
	return e.executeUniform(ctx, bs, res, in)
}

// invoke calls the block after the final empty-acceptance check. The
// propagation rules keep empty values away from blocks that reject them;
// an empty slipping through here is an engine invariant violation.
func (e *Executor) invoke(ctx context.Context, bs *boundStep, path batch.IndexPath, args map[string]any) (any, error) {
	if !bs.step.Capabilities.AcceptsEmpty {
		for name, v := range args {
			if blocks.IsEmpty(v) {
				return nil, &EmptyValueViolation{Step: bs.step.Name, Input: name, Path: path}
			}
		}
	}
	return bs.block.Run(ctx, blocks.Call{
		Step:      bs.step.Name,
		Arguments: args,
		Path:      path,
		State:     bs.state,
	})
}

// baseArgs seeds a call's arguments with literals and broadcast values.
// Broadcast empties appear as the explicit no-value marker (the caller has
// already skipped the path when the step rejects empties).
func baseArgs(in *gathered) map[string]any {
	args := make(map[string]any, len(in.literals)+len(in.broadcast))
	for name, v := range in.literals {
		args[name] = v
	}
	for name, el := range in.broadcast {
		if el.Empty {
			args[name] = blocks.NoValue
		} else {
			args[name] = el.Value
		}
	}
	return args
}
