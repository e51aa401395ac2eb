package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/datastore"
	"github.com/wehubfusion/Daedalus/pkg/dimensions"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Version is the engine version checked against each step's declared
// compatibility range.
const Version = "1.0.0"

// SessionConfig tunes a session. The zero value is usable.
type SessionConfig struct {
	// Workers bounds step concurrency; non-positive means one worker per CPU.
	Workers int
	// Logger receives engine diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Session is one execution pass over a compiled graph: dimensionality
// resolution, block binding and state allocation happen at construction,
// Run seeds the inputs and drives the scheduler. A session is single-use;
// the data store's write-once discipline forbids a second pass.
type Session struct {
	id     string
	graph  *workflow.Graph
	dims   dimensions.Table
	store  *datastore.Store
	sched  *Scheduler
	logger *zap.Logger
}

// NewSession prepares a session for the graph: it verifies engine
// compatibility, resolves dimensionalities, and instantiates every step's
// block through the registry. Wildcard output declarations are resolved
// here by querying the block.
func NewSession(graph *workflow.Graph, registry *blocks.Registry, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := graph.CheckEngineCompatibility(Version); err != nil {
		return nil, err
	}
	dims, err := dimensions.Resolve(graph)
	if err != nil {
		return nil, err
	}

	bound := make(map[string]*boundStep, len(graph.Order()))
	for _, step := range graph.Steps() {
		block, err := registry.Create(step)
		if err != nil {
			return nil, err
		}
		outputs := step.Outputs
		if step.HasWildcardOutputs() {
			provider, ok := block.(blocks.OutputProvider)
			if !ok {
				return nil, fmt.Errorf("step %q declares wildcard outputs but block %q reports none", step.Name, step.Type)
			}
			outputs, err = provider.Outputs()
			if err != nil {
				return nil, fmt.Errorf("resolving outputs for step %q: %w", step.Name, err)
			}
			if len(outputs) == 0 {
				return nil, fmt.Errorf("step %q resolved to zero outputs", step.Name)
			}
		}
		if step.Capabilities.FlowControl {
			outputs = nil
		}
		bound[step.Name] = &boundStep{
			step:    step,
			block:   block,
			outputs: outputs,
			state:   blocks.NewState(),
		}
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("session", id))
	store := datastore.New(logger)
	exec := &Executor{
		graph:  graph,
		dims:   dims,
		store:  store,
		coord:  NewCoordinator(),
		bound:  bound,
		logger: logger,
	}
	return &Session{
		id:     id,
		graph:  graph,
		dims:   dims,
		store:  store,
		sched:  NewScheduler(exec, cfg.Workers, logger),
		logger: logger,
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Dimensions returns the session's resolved dimensionality table.
func (s *Session) Dimensions() dimensions.Table {
	return s.dims
}

// Run seeds the workflow inputs and executes the whole graph. Every
// declared input must be provided as a batch at its declared level (level 1
// for batch inputs, level 0 for parameters). It returns the full data store
// snapshot, step outputs included, alongside the first fatal error.
func (s *Session) Run(ctx context.Context, inputs map[string]*batch.Batch) (map[string]map[string]*batch.Batch, error) {
	for _, def := range s.graph.Inputs() {
		b, ok := inputs[def.Name]
		if !ok {
			return nil, fmt.Errorf("missing workflow input %q", def.Name)
		}
		if b.Level() != def.Level() {
			return nil, fmt.Errorf("workflow input %q is level %d, declared %s (level %d)",
				def.Name, b.Level(), def.Kind, def.Level())
		}
		if err := s.store.Set(workflow.InputsStep, def.Name, b); err != nil {
			return nil, err
		}
	}

	s.logger.Info("starting execution pass",
		zap.Int("steps", len(s.graph.Order())),
		zap.Int("inputs", len(inputs)))

	err := s.sched.Run(ctx)
	snapshot := s.store.Snapshot()
	if err != nil {
		s.logger.Error("execution pass failed", zap.Error(err))
		return snapshot, err
	}
	s.logger.Info("execution pass complete", zap.Int("published_outputs", s.store.Len()))
	return snapshot, nil
}
