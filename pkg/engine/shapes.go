package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/dimensions"
)

// outputBuilders accumulates one builder per declared output, all at the
// step's resolved output level, so every output stays index-aligned.
type outputBuilders struct {
	names    []string
	builders map[string]*batch.Builder
}

func newOutputBuilders(names []string, level int) *outputBuilders {
	o := &outputBuilders{names: names, builders: make(map[string]*batch.Builder, len(names))}
	for _, n := range names {
		o.builders[n] = batch.NewBuilder(level)
	}
	return o
}

func (o *outputBuilders) appendResult(path batch.IndexPath, r blocks.Result) {
	for _, n := range o.names {
		o.builders[n].Append(path, r[n])
	}
}

func (o *outputBuilders) appendEmpty(path batch.IndexPath) {
	for _, n := range o.names {
		o.builders[n].AppendEmpty(path)
	}
}

func (o *outputBuilders) markBranchEmpty(path batch.IndexPath) {
	for _, n := range o.names {
		o.builders[n].MarkBranchEmpty(path)
	}
}

// publish finalizes every output batch and writes it to the store.
func (o *outputBuilders) publish(e *Executor, step string) error {
	for _, n := range o.names {
		b, err := o.builders[n].Build()
		if err != nil {
			return &StepExecutionError{Step: step, Output: n, Phase: PhaseScatter, Cause: err}
		}
		if err := e.store.Set(step, n, b); err != nil {
			return &StepExecutionError{Step: step, Output: n, Phase: PhaseScatter, Cause: err}
		}
	}
	return nil
}

// validateResult enforces the exact-key contract: a value for every
// declared output, nothing else.
func (e *Executor) validateResult(bs *boundStep, path batch.IndexPath, r blocks.Result) error {
	for _, n := range bs.outputs {
		if _, ok := r[n]; !ok {
			return &StepExecutionError{Step: bs.step.Name, Output: n, Path: path, Phase: PhaseScatter, Cause: ErrMissingOutputKey}
		}
	}
	if len(r) != len(bs.outputs) {
		for k := range r {
			if !containsString(bs.outputs, k) {
				return &StepExecutionError{Step: bs.step.Name, Output: k, Path: path, Phase: PhaseScatter, Cause: ErrUnexpectedOutputKey}
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func valueOrEmpty(el batch.Element) any {
	if el.Empty {
		return blocks.NoValue
	}
	return el.Value
}

// coerceResult accepts the map shapes blocks commonly return.
func coerceResult(v any) (blocks.Result, bool) {
	switch r := v.(type) {
	case blocks.Result:
		return r, true
	case map[string]any:
		return blocks.Result(r), true
	default:
		return nil, false
	}
}

// coerceList accepts the list shapes blocks commonly return, preserving
// per-element no-result markers.
func coerceList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []blocks.Result:
		out := make([]any, len(l))
		for i, r := range l {
			out[i] = r
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, r := range l {
			out[i] = r
		}
		return out, true
	default:
		return nil, false
	}
}

func coerceDirective(v any) (blocks.Directive, bool) {
	d, ok := v.(blocks.Directive)
	return d, ok
}

func coerceDirectiveList(v any) ([]blocks.Directive, bool) {
	switch l := v.(type) {
	case []blocks.Directive:
		return l, true
	case []any:
		out := make([]blocks.Directive, len(l))
		for i, item := range l {
			d, ok := item.(blocks.Directive)
			if !ok {
				return nil, false
			}
			out[i] = d
		}
		return out, true
	default:
		return nil, false
	}
}

func (e *Executor) invokeErr(bs *boundStep, path batch.IndexPath, err error) error {
	if IsEmptyValueViolation(err) || IsStepExecutionError(err) {
		return err
	}
	return &StepExecutionError{Step: bs.step.Name, Path: path, Phase: PhaseInvoke, Cause: err}
}

// executeUniform handles steps whose batch inputs share one dimensionality.
func (e *Executor) executeUniform(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered) error {
	d := res.BatchLevel()
	out := newOutputBuilders(bs.outputs, res.OutputLevel)
	paths := e.domain(res, in)
	globallyPruned := e.prunedEverywhere(bs.step.Name)
	acceptsEmpty := bs.step.Capabilities.AcceptsEmpty

	skip := func(p batch.IndexPath) bool {
		if globallyPruned || e.pruned(bs.step.Name, p) {
			return true
		}
		return !acceptsEmpty && emptyAt(res, in, p)
	}

	var err error
	switch {
	case bs.step.OutputOffset == -1:
		err = e.runGrouped(ctx, bs, res, in, out, paths, skip)
	case bs.step.Capabilities.AcceptsBatch && d >= 1:
		err = e.runBatched(ctx, bs, res, in, out, paths, skip)
	default:
		err = e.runScalar(ctx, bs, res, in, out, paths, skip)
	}
	if err != nil {
		return err
	}
	return out.publish(e, bs.step.Name)
}

// runScalar issues one call per index path: offset 0 scatters at the same
// path, offset +1 assigns each returned element an extended path.
func (e *Executor) runScalar(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered, out *outputBuilders, paths []batch.IndexPath, skip func(batch.IndexPath) bool) error {
	d := res.BatchLevel()
	expand := bs.step.OutputOffset == 1

	for _, p := range paths {
		if skip(p) {
			if expand {
				out.markBranchEmpty(p)
			} else {
				out.appendEmpty(p)
			}
			continue
		}
		args := baseArgs(in)
		for name, b := range in.batches {
			if res.InputLevels[name] != d {
				continue
			}
			el, _ := b.At(p)
			args[name] = valueOrEmpty(el)
		}
		ret, err := e.invoke(ctx, bs, p, args)
		if err != nil {
			return e.invokeErr(bs, p, err)
		}
		if expand {
			if err := e.scatterExpanded(bs, out, p, ret); err != nil {
				return err
			}
		} else if err := e.scatterScalar(bs, out, p, ret); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) scatterScalar(bs *boundStep, out *outputBuilders, p batch.IndexPath, ret any) error {
	if blocks.IsEmpty(ret) {
		out.appendEmpty(p)
		return nil
	}
	r, ok := coerceResult(ret)
	if !ok {
		return &StepExecutionError{Step: bs.step.Name, Path: p, Phase: PhaseScatter,
			Cause: fmt.Errorf("%w: expected result set, got %T", ErrBadResultShape, ret)}
	}
	if err := e.validateResult(bs, p, r); err != nil {
		return err
	}
	out.appendResult(p, r)
	return nil
}

func (e *Executor) scatterExpanded(bs *boundStep, out *outputBuilders, p batch.IndexPath, ret any) error {
	if blocks.IsEmpty(ret) {
		out.markBranchEmpty(p)
		return nil
	}
	list, ok := coerceList(ret)
	if !ok {
		return &StepExecutionError{Step: bs.step.Name, Path: p, Phase: PhaseScatter,
			Cause: fmt.Errorf("%w: expected ordered result sets, got %T", ErrBadResultShape, ret)}
	}
	if len(list) == 0 {
		out.markBranchEmpty(p)
		return nil
	}
	for i, item := range list {
		child := p.Extend(i)
		if blocks.IsEmpty(item) {
			out.appendEmpty(child)
			continue
		}
		r, ok := coerceResult(item)
		if !ok {
			return &StepExecutionError{Step: bs.step.Name, Path: child, Phase: PhaseScatter,
				Cause: fmt.Errorf("%w: expected result set, got %T", ErrBadResultShape, item)}
		}
		if err := e.validateResult(bs, child, r); err != nil {
			return err
		}
		out.appendResult(child, r)
	}
	return nil
}

// runBatched issues a single call carrying each input as a full batch
// container; the block returns one result set (offset 0) or one ordered
// result-set list (offset +1) per element, in element order.
func (e *Executor) runBatched(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered, out *outputBuilders, paths []batch.IndexPath, skip func(batch.IndexPath) bool) error {
	d := res.BatchLevel()
	expand := bs.step.OutputOffset == 1

	var included []batch.IndexPath
	for _, p := range paths {
		if skip(p) {
			if expand {
				out.markBranchEmpty(p)
			} else {
				out.appendEmpty(p)
			}
			continue
		}
		included = append(included, p)
	}
	if len(included) == 0 {
		return nil
	}

	args := baseArgs(in)
	for name, b := range in.batches {
		if res.InputLevels[name] != d {
			continue
		}
		elems := make([]batch.Element, 0, len(included))
		for _, p := range included {
			el, _ := b.At(p)
			elems = append(elems, el)
		}
		sub, err := batch.New(d, elems, nil)
		if err != nil {
			return &StepExecutionError{Step: bs.step.Name, Phase: PhaseGather, Cause: err}
		}
		args[name] = sub
	}

	ret, err := e.invoke(ctx, bs, nil, args)
	if err != nil {
		return e.invokeErr(bs, nil, err)
	}
	list, ok := coerceList(ret)
	if !ok {
		return &StepExecutionError{Step: bs.step.Name, Phase: PhaseScatter,
			Cause: fmt.Errorf("%w: expected per-element results, got %T", ErrBadResultShape, ret)}
	}
	if len(list) != len(included) {
		return &StepExecutionError{Step: bs.step.Name, Phase: PhaseScatter,
			Cause: fmt.Errorf("%w: %d results for %d elements", ErrResultCountMismatch, len(list), len(included))}
	}
	for i, item := range list {
		p := included[i]
		if expand {
			if err := e.scatterExpanded(bs, out, p, item); err != nil {
				return err
			}
		} else if err := e.scatterScalar(bs, out, p, item); err != nil {
			return err
		}
	}
	return nil
}

// runGrouped handles offset -1: elements sharing a parent path are wrapped
// into one batch container per group, and each group produces one result
// set at the truncated path. Batch-accepting steps receive all groups in a
// single call behind an extra outer container.
func (e *Executor) runGrouped(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered, out *outputBuilders, paths []batch.IndexPath, skip func(batch.IndexPath) bool) error {
	d := res.BatchLevel()

	type group struct {
		path    batch.IndexPath
		members []batch.IndexPath
	}
	index := make(map[string]int)
	var groups []group
	ensure := func(gp batch.IndexPath) int {
		if i, ok := index[gp.Key()]; ok {
			return i
		}
		index[gp.Key()] = len(groups)
		groups = append(groups, group{path: gp})
		return len(groups) - 1
	}
	for _, p := range paths {
		i := ensure(p.Parent())
		groups[i].members = append(groups[i].members, p)
	}
	// Subtrees that produced zero children upstream still claim their
	// position as empty groups.
	for _, b := range in.batches {
		for _, br := range b.EmptyBranches() {
			if len(br) == d-1 {
				ensure(br)
			}
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return batch.ComparePaths(groups[i].path, groups[j].path) < 0
	})

	// Pruned members never reach the step; a group left without members
	// yields an empty result at its truncated path without a call.
	type call struct {
		path batch.IndexPath
		args map[string]any
	}
	var calls []call
	for _, g := range groups {
		var kept []batch.IndexPath
		for _, p := range g.members {
			if !skip(p) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			out.appendEmpty(g.path)
			continue
		}
		args := baseArgs(in)
		for name, b := range in.batches {
			if res.InputLevels[name] != d {
				continue
			}
			elems := make([]batch.Element, 0, len(kept))
			for _, p := range kept {
				el, _ := b.At(p)
				elems = append(elems, el)
			}
			sub, err := batch.New(d, elems, nil)
			if err != nil {
				return &StepExecutionError{Step: bs.step.Name, Phase: PhaseGather, Cause: err}
			}
			args[name] = sub
		}
		calls = append(calls, call{path: g.path, args: args})
	}

	if bs.step.Capabilities.AcceptsBatch {
		if len(calls) == 0 {
			return nil
		}
		// One outer container wraps all groups; each element's value is the
		// group's own container.
		args := baseArgs(in)
		for name := range in.batches {
			if res.InputLevels[name] != d {
				continue
			}
			elems := make([]batch.Element, 0, len(calls))
			for _, c := range calls {
				elems = append(elems, batch.Element{Path: c.path, Value: c.args[name]})
			}
			outer, err := batch.New(d-1, elems, nil)
			if err != nil {
				return &StepExecutionError{Step: bs.step.Name, Phase: PhaseGather, Cause: err}
			}
			args[name] = outer
		}
		ret, err := e.invoke(ctx, bs, nil, args)
		if err != nil {
			return e.invokeErr(bs, nil, err)
		}
		list, ok := coerceList(ret)
		if !ok {
			return &StepExecutionError{Step: bs.step.Name, Phase: PhaseScatter,
				Cause: fmt.Errorf("%w: expected per-group results, got %T", ErrBadResultShape, ret)}
		}
		if len(list) != len(calls) {
			return &StepExecutionError{Step: bs.step.Name, Phase: PhaseScatter,
				Cause: fmt.Errorf("%w: %d results for %d groups", ErrResultCountMismatch, len(list), len(calls))}
		}
		for i, item := range list {
			if err := e.scatterScalar(bs, out, calls[i].path, item); err != nil {
				return err
			}
		}
		return nil
	}

	for _, c := range calls {
		ret, err := e.invoke(ctx, bs, c.path, c.args)
		if err != nil {
			return e.invokeErr(bs, c.path, err)
		}
		if err := e.scatterScalar(bs, out, c.path, ret); err != nil {
			return err
		}
	}
	return nil
}

// executeReference handles steps whose inputs differ in depth: one call per
// reference element, deeper inputs passed as the sub-batch nested under the
// reference element's path, coarser inputs as their single covering
// element. Outputs align with the reference input.
func (e *Executor) executeReference(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered) error {
	refName := bs.step.ReferenceInput
	refLevel := res.InputLevels[refName]
	out := newOutputBuilders(bs.outputs, res.OutputLevel)
	globallyPruned := e.prunedEverywhere(bs.step.Name)
	acceptsEmpty := bs.step.Capabilities.AcceptsEmpty

	var refElems []batch.Element
	if refLevel == 0 {
		refElems = []batch.Element{in.broadcast[refName]}
	} else {
		refElems = in.batches[refName].Elements()
	}

	for _, ref := range refElems {
		p := ref.Path
		if globallyPruned || e.pruned(bs.step.Name, p) || (ref.Empty && !acceptsEmpty) ||
			(!acceptsEmpty && broadcastEmpty(in)) {
			out.appendEmpty(p)
			continue
		}

		args := baseArgs(in)
		args[refName] = valueOrEmpty(ref)
		for name, b := range in.batches {
			if name == refName {
				continue
			}
			level := res.InputLevels[name]
			switch {
			case level > refLevel:
				sub := b.Sub(p)
				if !acceptsEmpty {
					filtered, err := batch.New(level, sub.NonEmpty(), nil)
					if err != nil {
						return &StepExecutionError{Step: bs.step.Name, Path: p, Phase: PhaseGather, Cause: err}
					}
					sub = filtered
				}
				args[name] = sub
			default:
				el, ok := b.At(p.Truncate(level))
				if !ok || (el.Empty && !acceptsEmpty) {
					args[name] = blocks.NoValue
				} else {
					args[name] = valueOrEmpty(el)
				}
			}
		}
		if !acceptsEmpty && anyArgEmpty(args) {
			out.appendEmpty(p)
			continue
		}

		ret, err := e.invoke(ctx, bs, p, args)
		if err != nil {
			return e.invokeErr(bs, p, err)
		}
		if err := e.scatterScalar(bs, out, p, ret); err != nil {
			return err
		}
	}
	return out.publish(e, bs.step.Name)
}

func broadcastEmpty(in *gathered) bool {
	for _, el := range in.broadcast {
		if el.Empty {
			return true
		}
	}
	return false
}

func anyArgEmpty(args map[string]any) bool {
	for _, v := range args {
		if blocks.IsEmpty(v) {
			return true
		}
	}
	return false
}

// executeFlowControl records the step's directives with the coordinator.
// SIMD steps decide per index path; non-SIMD steps decide once for the
// whole pass.
func (e *Executor) executeFlowControl(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered) error {
	targets := bs.step.ControlTargets()
	validate := func(p batch.IndexPath, d blocks.Directive) error {
		for _, t := range d.Targets {
			if !containsString(targets, t) {
				return &StepExecutionError{Step: bs.step.Name, Path: p, Phase: PhaseDirective,
					Cause: fmt.Errorf("%w: %q", ErrUnknownDirectiveTarget, t)}
			}
		}
		return nil
	}

	d := res.BatchLevel()
	globallyPruned := e.prunedEverywhere(bs.step.Name)
	acceptsEmpty := bs.step.Capabilities.AcceptsEmpty

	if res.SIMD {
		e.coord.Begin(bs.step.Name, d)
		for _, p := range e.domain(res, in) {
			if globallyPruned || e.pruned(bs.step.Name, p) || (!acceptsEmpty && emptyAt(res, in, p)) {
				e.coord.Record(bs.step.Name, d, p, blocks.Terminate())
				continue
			}
			args := baseArgs(in)
			for name, b := range in.batches {
				if res.InputLevels[name] != d {
					continue
				}
				el, _ := b.At(p)
				args[name] = valueOrEmpty(el)
			}
			ret, err := e.invoke(ctx, bs, p, args)
			if err != nil {
				return e.invokeErr(bs, p, err)
			}
			dir, ok := coerceDirective(ret)
			if !ok {
				return &StepExecutionError{Step: bs.step.Name, Path: p, Phase: PhaseDirective,
					Cause: fmt.Errorf("%w: got %T", ErrMalformedDirective, ret)}
			}
			if err := validate(p, dir); err != nil {
				return err
			}
			e.coord.Record(bs.step.Name, d, p, dir)
		}
		return nil
	}

	if bs.step.Capabilities.AcceptsBatch && d >= 1 {
		return e.flowControlBatched(ctx, bs, res, in, d, validate, globallyPruned)
	}

	// Non-SIMD: one directive governs the entire pass.
	if globallyPruned || (!acceptsEmpty && broadcastEmpty(in)) {
		e.coord.RecordGlobal(bs.step.Name, blocks.Terminate())
		return nil
	}
	ret, err := e.invoke(ctx, bs, nil, baseArgs(in))
	if err != nil {
		return e.invokeErr(bs, nil, err)
	}
	dir, ok := coerceDirective(ret)
	if !ok {
		return &StepExecutionError{Step: bs.step.Name, Phase: PhaseDirective,
			Cause: fmt.Errorf("%w: got %T", ErrMalformedDirective, ret)}
	}
	if err := validate(nil, dir); err != nil {
		return err
	}
	e.coord.RecordGlobal(bs.step.Name, dir)
	return nil
}

// flowControlBatched handles batch-accepting flow-control steps: one call
// over the active elements returning one directive per element.
func (e *Executor) flowControlBatched(ctx context.Context, bs *boundStep, res dimensions.Resolved, in *gathered, d int, validate func(batch.IndexPath, blocks.Directive) error, globallyPruned bool) error {
	acceptsEmpty := bs.step.Capabilities.AcceptsEmpty
	e.coord.Begin(bs.step.Name, d)

	var included []batch.IndexPath
	for _, p := range e.domain(res, in) {
		if globallyPruned || e.pruned(bs.step.Name, p) || (!acceptsEmpty && emptyAt(res, in, p)) {
			e.coord.Record(bs.step.Name, d, p, blocks.Terminate())
			continue
		}
		included = append(included, p)
	}
	if len(included) == 0 {
		return nil
	}

	args := baseArgs(in)
	for name, b := range in.batches {
		if res.InputLevels[name] != d {
			continue
		}
		elems := make([]batch.Element, 0, len(included))
		for _, p := range included {
			el, _ := b.At(p)
			elems = append(elems, el)
		}
		sub, err := batch.New(d, elems, nil)
		if err != nil {
			return &StepExecutionError{Step: bs.step.Name, Phase: PhaseGather, Cause: err}
		}
		args[name] = sub
	}

	ret, err := e.invoke(ctx, bs, nil, args)
	if err != nil {
		return e.invokeErr(bs, nil, err)
	}
	dirs, ok := coerceDirectiveList(ret)
	if !ok {
		return &StepExecutionError{Step: bs.step.Name, Phase: PhaseDirective,
			Cause: fmt.Errorf("%w: got %T", ErrMalformedDirective, ret)}
	}
	if len(dirs) != len(included) {
		return &StepExecutionError{Step: bs.step.Name, Phase: PhaseDirective,
			Cause: fmt.Errorf("%w: %d directives for %d elements", ErrResultCountMismatch, len(dirs), len(included))}
	}
	for i, dir := range dirs {
		if err := validate(included[i], dir); err != nil {
			return err
		}
		e.coord.Record(bs.step.Name, d, included[i], dir)
	}
	return nil
}
