package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type blockFunc func(ctx context.Context, call blocks.Call) (any, error)

func (f blockFunc) Run(ctx context.Context, call blocks.Call) (any, error) {
	return f(ctx, call)
}

// callRecorder collects the calls a block receives, for asserting on call
// shapes. Paths are recorded as strings so concurrent steps stay comparable.
type callRecorder struct {
	mu    sync.Mutex
	calls []blocks.Call
}

func (r *callRecorder) record(call blocks.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Path.String()
	}
	return out
}

func registerFunc(reg *blocks.Registry, tag string, fn blockFunc) {
	reg.Register(tag, func(step *workflow.Step) (blocks.Block, error) {
		return fn, nil
	})
}

func runSession(t *testing.T, reg *blocks.Registry, inputs []workflow.InputDefinition, steps []*workflow.Step, data map[string]*batch.Batch) map[string]map[string]*batch.Batch {
	t.Helper()
	graph, err := workflow.NewGraph(inputs, steps)
	require.NoError(t, err)
	session, err := NewSession(graph, reg, SessionConfig{Workers: 1})
	require.NoError(t, err)
	snapshot, err := session.Run(context.Background(), data)
	require.NoError(t, err)
	return snapshot
}

func selInput(bind, input string) workflow.Binding {
	return workflow.Binding{Name: bind, Selector: &workflow.Selector{Kind: workflow.SelectInput, Input: input}}
}

func selOutput(bind, step, output string) workflow.Binding {
	return workflow.Binding{Name: bind, Selector: &workflow.Selector{Kind: workflow.SelectStepOutput, Step: step, Output: output}}
}

func selStep(bind, step string) workflow.Binding {
	return workflow.Binding{Name: bind, Selector: &workflow.Selector{Kind: workflow.SelectStep, Step: step}}
}

func batchInputDef(name string) workflow.InputDefinition {
	return workflow.InputDefinition{Name: name, Kind: workflow.BatchInput}
}

func paramInputDef(name string) workflow.InputDefinition {
	return workflow.InputDefinition{Name: name, Kind: workflow.ParameterInput}
}

func TestScalarStep_OneCallPerElement(t *testing.T) {
	reg := blocks.NewRegistry()
	rec := &callRecorder{}
	registerFunc(reg, "test/double", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		return blocks.Result{"value": call.Arguments["in"].(int) * 2}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:    "double",
			Type:    "test/double",
			Inputs:  []workflow.Binding{selInput("in", "items")},
			Outputs: []string{"value"},
		}},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, 2, 3})})

	assert.Equal(t, []string{"[0]", "[1]", "[2]"}, rec.paths())

	out := snapshot["double"]["value"]
	require.Equal(t, 3, out.Len())
	for i, want := range []int{2, 4, 6} {
		el, ok := out.At(batch.IndexPath{i})
		require.True(t, ok)
		assert.Equal(t, want, el.Value)
	}
}

func TestScalarStep_BroadcastParameter(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/add", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.Result{"sum": call.Arguments["in"].(int) + call.Arguments["offset"].(int)}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items"), paramInputDef("offset")},
		[]*workflow.Step{{
			Name:    "add",
			Type:    "test/add",
			Inputs:  []workflow.Binding{selInput("in", "items"), selInput("offset", "offset")},
			Outputs: []string{"sum"},
		}},
		map[string]*batch.Batch{
			"items":  batch.FromValues([]any{10, 20}),
			"offset": batch.Scalar(5),
		})

	out := snapshot["add"]["sum"]
	el, _ := out.At(batch.IndexPath{0})
	assert.Equal(t, 15, el.Value)
	el, _ = out.At(batch.IndexPath{1})
	assert.Equal(t, 25, el.Value)
}

func TestBatchStep_SingleCallWithContainer(t *testing.T) {
	reg := blocks.NewRegistry()
	var gotLevel, gotLen int
	registerFunc(reg, "test/batch", func(ctx context.Context, call blocks.Call) (any, error) {
		in := call.Arguments["in"].(*batch.Batch)
		gotLevel, gotLen = in.Level(), in.Len()
		results := make([]any, 0, in.Len())
		for _, el := range in.Elements() {
			results = append(results, blocks.Result{"value": el.Value.(int) + 100})
		}
		return results, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:         "bump",
			Type:         "test/batch",
			Inputs:       []workflow.Binding{selInput("in", "items")},
			Outputs:      []string{"value"},
			Capabilities: workflow.Capabilities{AcceptsBatch: true},
		}},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, 2, 3})})

	assert.Equal(t, 1, gotLevel)
	assert.Equal(t, 3, gotLen)

	out := snapshot["bump"]["value"]
	el, _ := out.At(batch.IndexPath{2})
	assert.Equal(t, 103, el.Value)
}

func TestIncreaseStep_ExtendsIndexPaths(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		word := call.Arguments["in"].(string)
		out := make([]any, 0, len(word))
		for _, r := range word {
			out = append(out, blocks.Result{"char": string(r)})
		}
		return out, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("words")},
		[]*workflow.Step{{
			Name:         "split",
			Type:         "test/split",
			Inputs:       []workflow.Binding{selInput("in", "words")},
			Outputs:      []string{"char"},
			OutputOffset: 1,
		}},
		map[string]*batch.Batch{"words": batch.FromValues([]any{"ab", "c"})})

	out := snapshot["split"]["char"]
	assert.Equal(t, 2, out.Level())
	assert.Equal(t, []batch.IndexPath{{0, 0}, {0, 1}, {1, 0}}, out.Paths())

	el, _ := out.At(batch.IndexPath{0, 1})
	assert.Equal(t, "b", el.Value)
}

func TestIncreaseStep_ZeroResultsLeaveEmptyBranch(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		if call.Arguments["in"].(string) == "" {
			return []any{}, nil
		}
		return []any{blocks.Result{"char": "x"}}, nil
	})
	// The decrease step groups the expanded elements back together; the
	// empty subtree must reappear as an empty result at its parent path.
	registerFunc(reg, "test/join", func(ctx context.Context, call blocks.Call) (any, error) {
		group := call.Arguments["in"].(*batch.Batch)
		return blocks.Result{"joined": group.Len()}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("words")},
		[]*workflow.Step{
			{
				Name:         "split",
				Type:         "test/split",
				Inputs:       []workflow.Binding{selInput("in", "words")},
				Outputs:      []string{"char"},
				OutputOffset: 1,
			},
			{
				Name:         "join",
				Type:         "test/join",
				Inputs:       []workflow.Binding{selOutput("in", "split", "char")},
				Outputs:      []string{"joined"},
				OutputOffset: -1,
			},
		},
		map[string]*batch.Batch{"words": batch.FromValues([]any{"a", "", "c"})})

	split := snapshot["split"]["char"]
	assert.Equal(t, []batch.IndexPath{{0, 0}, {2, 0}}, split.Paths())
	assert.Equal(t, []batch.IndexPath{{1}}, split.EmptyBranches())

	join := snapshot["join"]["joined"]
	assert.Equal(t, 1, join.Level())
	require.Equal(t, 3, join.Len())
	el, _ := join.At(batch.IndexPath{1})
	assert.True(t, el.Empty)
	el, _ = join.At(batch.IndexPath{0})
	assert.Equal(t, 1, el.Value)
}

func TestDecreaseStep_GroupsByParent(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		return []any{
			blocks.Result{"n": 1},
			blocks.Result{"n": 2},
		}, nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/sum", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		group := call.Arguments["in"].(*batch.Batch)
		sum := 0
		for _, el := range group.Elements() {
			sum += el.Value.(int)
		}
		return blocks.Result{"total": sum}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:         "split",
				Type:         "test/split",
				Inputs:       []workflow.Binding{selInput("in", "items")},
				Outputs:      []string{"n"},
				OutputOffset: 1,
			},
			{
				Name:         "sum",
				Type:         "test/sum",
				Inputs:       []workflow.Binding{selOutput("in", "split", "n")},
				Outputs:      []string{"total"},
				OutputOffset: -1,
			},
		},
		map[string]*batch.Batch{"items": batch.FromValues([]any{"a", "b"})})

	// One call per group, anchored at the truncated path.
	assert.Equal(t, []string{"[0]", "[1]"}, rec.paths())

	out := snapshot["sum"]["total"]
	assert.Equal(t, 1, out.Level())
	el, _ := out.At(batch.IndexPath{0})
	assert.Equal(t, 3, el.Value)
}

func TestDecreaseStep_BatchAcceptingSingleCall(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		word := call.Arguments["in"].(string)
		out := make([]any, 0, len(word))
		for _, r := range word {
			out = append(out, blocks.Result{"char": string(r)})
		}
		return out, nil
	})
	var calls int
	var outerLevel int
	var outerPaths []batch.IndexPath
	registerFunc(reg, "test/joinall", func(ctx context.Context, call blocks.Call) (any, error) {
		calls++
		outer := call.Arguments["in"].(*batch.Batch)
		outerLevel = outer.Level()
		outerPaths = outer.Paths()
		results := make([]any, 0, outer.Len())
		for _, el := range outer.Elements() {
			group := el.Value.(*batch.Batch)
			word := ""
			for _, ch := range group.Elements() {
				word += ch.Value.(string)
			}
			results = append(results, blocks.Result{"word": word})
		}
		return results, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("words")},
		[]*workflow.Step{
			{
				Name:         "split",
				Type:         "test/split",
				Inputs:       []workflow.Binding{selInput("in", "words")},
				Outputs:      []string{"char"},
				OutputOffset: 1,
			},
			{
				Name:         "join",
				Type:         "test/joinall",
				Inputs:       []workflow.Binding{selOutput("in", "split", "char")},
				Outputs:      []string{"word"},
				OutputOffset: -1,
				Capabilities: workflow.Capabilities{AcceptsBatch: true},
			},
		},
		map[string]*batch.Batch{"words": batch.FromValues([]any{"ab", "c"})})

	// Every group travels in one call behind an outer container whose
	// element values are the group containers themselves.
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outerLevel)
	assert.Equal(t, []batch.IndexPath{{0}, {1}}, outerPaths)

	out := snapshot["join"]["word"]
	assert.Equal(t, 1, out.Level())
	el, _ := out.At(batch.IndexPath{0})
	assert.Equal(t, "ab", el.Value)
	el, _ = out.At(batch.IndexPath{1})
	assert.Equal(t, "c", el.Value)
}

func TestEmptyPropagation_SkipsRejectingStep(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/maybe", func(ctx context.Context, call blocks.Call) (any, error) {
		if call.Arguments["in"].(int)%2 == 0 {
			return blocks.NoValue, nil
		}
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/pass", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:    "maybe",
				Type:    "test/maybe",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
			{
				Name:    "pass",
				Type:    "test/pass",
				Inputs:  []workflow.Binding{selOutput("in", "maybe", "v")},
				Outputs: []string{"v"},
			},
		},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, 2, 3})})

	// The downstream block is never invoked for the empty path; alignment
	// survives via an empty placeholder.
	assert.Equal(t, []string{"[0]", "[2]"}, rec.paths())

	out := snapshot["pass"]["v"]
	require.Equal(t, 3, out.Len())
	el, _ := out.At(batch.IndexPath{1})
	assert.True(t, el.Empty)
}

func TestEmptyPropagation_AcceptingStepSeesMarker(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/maybe", func(ctx context.Context, call blocks.Call) (any, error) {
		if call.Arguments["in"].(int) == 2 {
			return blocks.NoValue, nil
		}
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})
	var sawEmpty bool
	registerFunc(reg, "test/tolerant", func(ctx context.Context, call blocks.Call) (any, error) {
		if blocks.IsEmpty(call.Arguments["in"]) {
			sawEmpty = true
			return blocks.Result{"v": "defaulted"}, nil
		}
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:    "maybe",
				Type:    "test/maybe",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
			{
				Name:         "tolerant",
				Type:         "test/tolerant",
				Inputs:       []workflow.Binding{selOutput("in", "maybe", "v")},
				Outputs:      []string{"v"},
				Capabilities: workflow.Capabilities{AcceptsEmpty: true},
			},
		},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, 2})})

	assert.True(t, sawEmpty)
	el, _ := snapshot["tolerant"]["v"].At(batch.IndexPath{1})
	assert.Equal(t, "defaulted", el.Value)
}

func TestFlowControl_SIMDPrunesPerPath(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/gate", func(ctx context.Context, call blocks.Call) (any, error) {
		if call.Arguments["in"].(int) < 0 {
			return blocks.Terminate(), nil
		}
		return blocks.ContinueTo("work"), nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/work", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})
	rec2 := &callRecorder{}
	registerFunc(reg, "test/after", func(ctx context.Context, call blocks.Call) (any, error) {
		rec2.record(call)
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:         "gate",
				Type:         "test/gate",
				Inputs:       []workflow.Binding{selInput("in", "items"), selStep("onward", "work")},
				Capabilities: workflow.Capabilities{FlowControl: true},
			},
			{
				Name:    "work",
				Type:    "test/work",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
			{
				Name:    "after",
				Type:    "test/after",
				Inputs:  []workflow.Binding{selOutput("in", "work", "v")},
				Outputs: []string{"v"},
			},
		},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, -2, 3})})

	// The terminated path never reaches the governed step, nor anything
	// downstream of it.
	assert.Equal(t, []string{"[0]", "[2]"}, rec.paths())
	assert.Equal(t, []string{"[0]", "[2]"}, rec2.paths())

	out := snapshot["work"]["v"]
	require.Equal(t, 3, out.Len())
	el, _ := out.At(batch.IndexPath{1})
	assert.True(t, el.Empty)

	el, _ = snapshot["after"]["v"].At(batch.IndexPath{1})
	assert.True(t, el.Empty)
}

func TestFlowControl_GlobalTerminate(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/gate", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.Terminate(), nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/work", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		return blocks.Result{"v": 1}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items"), paramInputDef("mode")},
		[]*workflow.Step{
			{
				Name:         "gate",
				Type:         "test/gate",
				Inputs:       []workflow.Binding{selInput("in", "mode"), selStep("onward", "work")},
				Capabilities: workflow.Capabilities{FlowControl: true},
			},
			{
				Name:    "work",
				Type:    "test/work",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
		},
		map[string]*batch.Batch{
			"items": batch.FromValues([]any{1, 2}),
			"mode":  batch.Scalar("off"),
		})

	// Globally pruned: no call anywhere, outputs all empty.
	assert.Empty(t, rec.paths())
	out := snapshot["work"]["v"]
	require.Equal(t, 2, out.Len())
	assert.Empty(t, out.NonEmpty())
}

func TestFlowControl_BatchedDirectives(t *testing.T) {
	reg := blocks.NewRegistry()
	var calls int
	registerFunc(reg, "test/batchgate", func(ctx context.Context, call blocks.Call) (any, error) {
		calls++
		in := call.Arguments["in"].(*batch.Batch)
		dirs := make([]blocks.Directive, 0, in.Len())
		for _, el := range in.Elements() {
			if el.Value.(int) < 0 {
				dirs = append(dirs, blocks.Terminate())
			} else {
				dirs = append(dirs, blocks.ContinueTo("work"))
			}
		}
		return dirs, nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/work", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		return blocks.Result{"v": call.Arguments["in"]}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:         "gate",
				Type:         "test/batchgate",
				Inputs:       []workflow.Binding{selInput("in", "items"), selStep("onward", "work")},
				Capabilities: workflow.Capabilities{FlowControl: true, AcceptsBatch: true},
			},
			{
				Name:    "work",
				Type:    "test/work",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
		},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1, -2, 3})})

	// One call decides every element's verdict; the terminated path still
	// never reaches the governed step.
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"[0]", "[2]"}, rec.paths())

	out := snapshot["work"]["v"]
	require.Equal(t, 3, out.Len())
	el, _ := out.At(batch.IndexPath{1})
	assert.True(t, el.Empty)
}

func TestReferenceStep_SubBatchPerReferenceElement(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		word := call.Arguments["in"].(string)
		out := make([]any, 0, len(word))
		for _, r := range word {
			out = append(out, blocks.Result{"char": string(r)})
		}
		return out, nil
	})
	rec := &callRecorder{}
	registerFunc(reg, "test/annotate", func(ctx context.Context, call blocks.Call) (any, error) {
		rec.record(call)
		anchor := call.Arguments["anchor"].(string)
		detail := call.Arguments["detail"].(*batch.Batch)
		return blocks.Result{"summary": anchor + ":" + strconv.Itoa(detail.Len())}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("words")},
		[]*workflow.Step{
			{
				Name:         "split",
				Type:         "test/split",
				Inputs:       []workflow.Binding{selInput("in", "words")},
				Outputs:      []string{"char"},
				OutputOffset: 1,
			},
			{
				Name: "annotate",
				Type: "test/annotate",
				Inputs: []workflow.Binding{
					selInput("anchor", "words"),
					selOutput("detail", "split", "char"),
				},
				Outputs:        []string{"summary"},
				ReferenceInput: "anchor",
				InputOffsets:   map[string]int{"detail": 1},
			},
		},
		map[string]*batch.Batch{"words": batch.FromValues([]any{"ab", "xyz"})})

	// One call per reference element; each sees only its own subtree.
	assert.Equal(t, []string{"[0]", "[1]"}, rec.paths())

	out := snapshot["annotate"]["summary"]
	assert.Equal(t, 1, out.Level())
	el, _ := out.At(batch.IndexPath{0})
	assert.Equal(t, "ab:2", el.Value)
	el, _ = out.At(batch.IndexPath{1})
	assert.Equal(t, "xyz:3", el.Value)
}

func TestResultValidation_MissingOutputKey(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/bad", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.Result{"wrong": 1}, nil
	})

	graph, err := workflow.NewGraph(
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:    "bad",
			Type:    "test/bad",
			Inputs:  []workflow.Binding{selInput("in", "items")},
			Outputs: []string{"v"},
		}})
	require.NoError(t, err)
	session, err := NewSession(graph, reg, SessionConfig{Workers: 1})
	require.NoError(t, err)

	_, err = session.Run(context.Background(), map[string]*batch.Batch{
		"items": batch.FromValues([]any{1}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingOutputKey)
	assert.True(t, IsStepExecutionError(err))
}

func TestResultValidation_BadShape(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/bad", func(ctx context.Context, call blocks.Call) (any, error) {
		return "not a result set", nil
	})

	graph, err := workflow.NewGraph(
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:    "bad",
			Type:    "test/bad",
			Inputs:  []workflow.Binding{selInput("in", "items")},
			Outputs: []string{"v"},
		}})
	require.NoError(t, err)
	session, err := NewSession(graph, reg, SessionConfig{Workers: 1})
	require.NoError(t, err)

	_, err = session.Run(context.Background(), map[string]*batch.Batch{
		"items": batch.FromValues([]any{1}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResultShape)
}

func TestDirectiveValidation_UnknownTarget(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/gate", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.ContinueTo("elsewhere"), nil
	})
	registerFunc(reg, "test/work", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.Result{"v": 1}, nil
	})

	graph, err := workflow.NewGraph(
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{
			{
				Name:         "gate",
				Type:         "test/gate",
				Inputs:       []workflow.Binding{selInput("in", "items"), selStep("onward", "work")},
				Capabilities: workflow.Capabilities{FlowControl: true},
			},
			{
				Name:    "work",
				Type:    "test/work",
				Inputs:  []workflow.Binding{selInput("in", "items")},
				Outputs: []string{"v"},
			},
		})
	require.NoError(t, err)
	session, err := NewSession(graph, reg, SessionConfig{Workers: 1})
	require.NoError(t, err)

	_, err = session.Run(context.Background(), map[string]*batch.Batch{
		"items": batch.FromValues([]any{1}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDirectiveTarget)
}

func TestSession_MissingInput(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/work", func(ctx context.Context, call blocks.Call) (any, error) {
		return blocks.Result{"v": 1}, nil
	})

	graph, err := workflow.NewGraph(
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:    "work",
			Type:    "test/work",
			Inputs:  []workflow.Binding{selInput("in", "items")},
			Outputs: []string{"v"},
		}})
	require.NoError(t, err)
	session, err := NewSession(graph, reg, SessionConfig{})
	require.NoError(t, err)

	_, err = session.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing workflow input")
}

func TestSession_WildcardOutputs(t *testing.T) {
	reg := blocks.NewRegistry()
	reg.Register("test/dynamic", func(step *workflow.Step) (blocks.Block, error) {
		return &dynamicBlock{}, nil
	})

	snapshot := runSession(t, reg,
		[]workflow.InputDefinition{batchInputDef("items")},
		[]*workflow.Step{{
			Name:    "dyn",
			Type:    "test/dynamic",
			Inputs:  []workflow.Binding{selInput("in", "items")},
			Outputs: []string{workflow.WildcardOutput},
		}},
		map[string]*batch.Batch{"items": batch.FromValues([]any{1})})

	el, _ := snapshot["dyn"]["a"].At(batch.IndexPath{0})
	assert.Equal(t, 1, el.Value)
	el, _ = snapshot["dyn"]["b"].At(batch.IndexPath{0})
	assert.Equal(t, 2, el.Value)
}

type dynamicBlock struct{}

func (d *dynamicBlock) Run(ctx context.Context, call blocks.Call) (any, error) {
	return blocks.Result{"a": 1, "b": 2}, nil
}

func (d *dynamicBlock) Outputs() ([]string, error) {
	return []string{"a", "b"}, nil
}

func TestRerun_ProducesIdenticalSnapshot(t *testing.T) {
	reg := blocks.NewRegistry()
	registerFunc(reg, "test/split", func(ctx context.Context, call blocks.Call) (any, error) {
		word := call.Arguments["in"].(string)
		out := make([]any, 0, len(word))
		for _, r := range word {
			out = append(out, blocks.Result{"char": string(r)})
		}
		return out, nil
	})

	inputs := []workflow.InputDefinition{batchInputDef("words")}
	steps := []*workflow.Step{{
		Name:         "split",
		Type:         "test/split",
		Inputs:       []workflow.Binding{selInput("in", "words")},
		Outputs:      []string{"char"},
		OutputOffset: 1,
	}}
	data := map[string]*batch.Batch{"words": batch.FromValues([]any{"ab", "c"})}

	// Sessions are single-use; identical inputs must yield identical stores.
	first := runSession(t, reg, inputs, steps, data)
	second := runSession(t, reg, inputs, steps, data)

	require.Equal(t, len(first), len(second))
	for step, outputs := range first {
		for name, b := range outputs {
			other := second[step][name]
			require.NotNil(t, other)
			assert.Equal(t, b.Level(), other.Level())
			assert.Equal(t, b.Paths(), other.Paths())
			assert.Equal(t, b.Elements(), other.Elements())
		}
	}
}

func TestCoordinator_Verdicts(t *testing.T) {
	c := NewCoordinator()

	// Before the flow-control step runs, everything is allowed.
	assert.True(t, c.Allowed("gate", "work", batch.IndexPath{0}))

	c.Begin("gate", 1)
	// After Begin, paths without a verdict count as terminated.
	assert.False(t, c.Allowed("gate", "work", batch.IndexPath{0}))

	c.Record("gate", 1, batch.IndexPath{0}, blocks.ContinueTo("work"))
	c.Record("gate", 1, batch.IndexPath{1}, blocks.Terminate())

	assert.True(t, c.Allowed("gate", "work", batch.IndexPath{0}))
	assert.False(t, c.Allowed("gate", "other", batch.IndexPath{0}))
	assert.False(t, c.Allowed("gate", "work", batch.IndexPath{1}))

	// Deeper paths inherit the verdict of their truncated prefix.
	assert.True(t, c.Allowed("gate", "work", batch.IndexPath{0, 3}))
	assert.False(t, c.Allowed("gate", "work", batch.IndexPath{1, 0}))
}

func TestCoordinator_GlobalVerdicts(t *testing.T) {
	c := NewCoordinator()
	assert.True(t, c.AllowedEverywhere("gate", "work"))

	c.RecordGlobal("gate", blocks.ContinueTo("work"))
	assert.True(t, c.AllowedEverywhere("gate", "work"))
	assert.False(t, c.AllowedEverywhere("gate", "other"))
	assert.True(t, c.Allowed("gate", "work", batch.IndexPath{5}))
	assert.False(t, c.Allowed("gate", "other", batch.IndexPath{5}))
}
