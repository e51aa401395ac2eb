package engine

import (
	"context"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Scheduler drives one execution pass over the graph. Steps become ready
// when every dependency (data and control) has completed; ready steps run
// concurrently on a bounded worker pool. The first step failure cancels the
// pass.
type Scheduler struct {
	graph   *workflow.Graph
	exec    *Executor
	workers int
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewScheduler creates a scheduler over the executor's graph. A
// non-positive worker count falls back to the number of CPUs.
func NewScheduler(exec *Executor, workers int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{
		graph:   exec.graph,
		exec:    exec,
		workers: workers,
		logger:  logger,
		tracer:  otel.Tracer("daedalus/engine"),
	}
}

type stepOutcome struct {
	step string
	err  error
}

// Run executes every step of the graph exactly once, respecting dependency
// order. It returns the first step error, after which remaining work is
// abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	order := s.graph.Order()
	total := len(order)
	if total == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "engine.pass",
		trace.WithAttributes(attribute.Int("steps", total)))
	defer span.End()

	// Buffered to capacity so neither side ever blocks the other past
	// cancellation.
	ready := make(chan string, total)
	results := make(chan stepOutcome, total)

	var mu sync.Mutex
	remaining := make(map[string]int, total)
	for _, name := range order {
		n := len(s.graph.Dependencies(name))
		remaining[name] = n
		if n == 0 {
			ready <- name
		}
	}

	workers := s.workers
	if workers > total {
		workers = total
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case name := <-ready:
					results <- stepOutcome{step: name, err: s.runStep(ctx, name)}
				}
			}
		}()
	}
	defer wg.Wait()

	var firstErr error
	for completed := 0; completed < total; completed++ {
		var res stepOutcome
		select {
		case res = <-results:
		case <-ctx.Done():
			firstErr = ctx.Err()
		}
		if firstErr == nil && res.err != nil {
			firstErr = res.err
		}
		if firstErr != nil {
			break
		}
		mu.Lock()
		for _, dep := range s.graph.Dependents(res.step) {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready <- dep
			}
		}
		mu.Unlock()
	}

	cancel()
	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
	}
	return firstErr
}

func (s *Scheduler) runStep(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(attribute.String("step", name)))
	defer span.End()

	err := s.exec.ExecuteStep(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("step failed", zap.String("step", name), zap.Error(err))
	}
	return err
}
