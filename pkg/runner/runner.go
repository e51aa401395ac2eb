// Package runner consumes workflow run requests from a NATS JetStream
// stream and executes them on the engine. Requests are pulled in batches
// and distributed to worker goroutines; each worker builds the graph,
// runs a session, and persists the result document.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// RunRequest is the wire format of one workflow execution request.
type RunRequest struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	// Inputs and Steps are the compiled graph declarations.
	Inputs []workflow.InputDefinition `json:"inputs"`
	Steps  []*workflow.Step           `json:"steps"`
	// InputValues carries the top-level input data: a JSON array per batch
	// input, a single value per parameter.
	InputValues map[string]any `json:"input_values"`
}

// Runner pulls run requests from a JetStream consumer and executes them
// concurrently.
type Runner struct {
	conn            *nats.Conn
	js              nats.JetStreamContext
	sub             *nats.Subscription
	registry        *blocks.Registry
	results         *storage.ResultWriter
	stream          string
	consumer        string
	batchSize       int
	numWorkers      int
	processTimeout  time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner bound to a connected NATS client. The block
// registry supplies step implementations; results may be nil, in which case
// run outcomes are only logged. batchSize bounds one pull, numWorkers the
// number of concurrent runs, processTimeout one run's wall time. When a
// tracing configuration is provided the OTLP exporter is set up here and
// torn down in Close.
func NewRunner(conn *nats.Conn, registry *blocks.Registry, results *storage.ResultWriter, stream, consumer string, batchSize, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := ensureStream(js, stream, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %q exists: %w", stream, err)
	}
	sub, err := js.PullSubscribe("", consumer, nats.BindStream(stream))
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription: %w", err)
	}

	runner := &Runner{
		conn:           conn,
		js:             js,
		sub:            sub,
		registry:       registry,
		results:        results,
		stream:         stream,
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.Setup(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("failed to setup tracing, continuing without it", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
		}
	}
	return runner, nil
}

// ensureStream creates the JetStream stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for %q: %w", streamName, err)
		}
		logger.Info("creating JetStream stream", zap.String("stream", streamName))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{fmt.Sprintf("%s.*", streamName)},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %q: %w", streamName, err)
		}
		return nil
	}
	logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", info.State.Msgs),
		zap.Int("consumers", info.State.Consumers))
	return nil
}

// Close shuts the runner down, flushing tracing if it was set up.
func (r *Runner) Close() error {
	if r.tracingShutdown != nil {
		return internaltracing.Shutdown(r.tracingShutdown, r.logger)
	}
	return nil
}

// Run starts the request processing pipeline. It blocks until the context
// is cancelled and all workers have drained.
func (r *Runner) Run(ctx context.Context) error {
	msgChan := make(chan *nats.Msg, r.batchSize)
	var wg sync.WaitGroup

	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, msgChan)
		}(i)
	}

	go func() {
		defer close(msgChan)

		backoff := 100 * time.Millisecond
		const maxBackoff = 5 * time.Second
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("shutting down request puller")
				return
			default:
			}

			msgs, err := r.sub.Fetch(r.batchSize, nats.Context(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				r.logger.Error("error pulling run requests", zap.Error(err))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = 100 * time.Millisecond

			for _, msg := range msgs {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("runner completed")
		return nil
	case <-ctx.Done():
		r.logger.Info("runner stopped")
		<-done
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, msgChan <-chan *nats.Msg) {
	r.logger.Info("worker started", zap.Int("worker_id", workerID))
	defer r.logger.Info("worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			r.processRequest(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) processRequest(ctx context.Context, workerID int, msg *nats.Msg) {
	var req RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Error("malformed run request, terminating delivery",
			zap.Int("worker_id", workerID),
			zap.Error(err))
		_ = msg.Term()
		return
	}

	ctx, span := r.tracer.Start(ctx, "runner.processRequest",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("workflow.id", req.WorkflowID),
			attribute.String("workflow.run_id", req.RunID),
			attribute.String("stream", r.stream),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	start := time.Now()
	r.logger.Info("executing run request",
		zap.Int("worker_id", workerID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("run_id", req.RunID),
		zap.Int("steps", len(req.Steps)))

	sessionID, snapshot, runErr := r.execute(runCtx, &req)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	if r.results != nil && snapshot != nil {
		reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := r.results.WriteRunResult(reportCtx, req.WorkflowID, req.RunID, sessionID, snapshot, runErr); err != nil {
			r.logger.Error("failed to persist run result",
				zap.String("workflow_id", req.WorkflowID),
				zap.String("run_id", req.RunID),
				zap.Error(err))
		}
		reportCancel()
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		r.logger.Error("run failed",
			zap.Int("worker_id", workerID),
			zap.String("workflow_id", req.WorkflowID),
			zap.String("run_id", req.RunID),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		// A failed pass is deterministic for the same request, so redelivery
		// only helps when the run was cut short.
		if terminalRunError(runErr) {
			if err := msg.Term(); err != nil {
				r.logger.Error("error terminating request", zap.Error(err))
			}
		} else if err := msg.Nak(); err != nil {
			r.logger.Error("error naking request", zap.Error(err))
		}
		return
	}

	span.SetStatus(codes.Ok, "run complete")
	r.logger.Info("run complete",
		zap.Int("worker_id", workerID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("run_id", req.RunID),
		zap.Duration("elapsed", elapsed))
	if err := msg.Ack(); err != nil {
		r.logger.Error("error acking request", zap.Error(err))
	}
}

// terminalRunError reports whether a run failure would repeat identically
// on redelivery. Timeouts and shutdown cancellations are the exceptions:
// those runs were cut short, not refuted.
func terminalRunError(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

// execute builds the graph and session for one request and runs it.
func (r *Runner) execute(ctx context.Context, req *RunRequest) (string, map[string]map[string]*batch.Batch, error) {
	graph, err := workflow.NewGraph(req.Inputs, req.Steps)
	if err != nil {
		return "", nil, fmt.Errorf("building graph: %w", err)
	}
	session, err := engine.NewSession(graph, r.registry, engine.SessionConfig{Logger: r.logger})
	if err != nil {
		return "", nil, fmt.Errorf("creating session: %w", err)
	}
	inputs, err := decodeInputs(req.Inputs, req.InputValues)
	if err != nil {
		return session.ID(), nil, err
	}
	snapshot, err := session.Run(ctx, inputs)
	return session.ID(), snapshot, err
}

// decodeInputs materializes the request's input values as batches at their
// declared levels: a JSON array per batch input, a single value per
// parameter.
func decodeInputs(defs []workflow.InputDefinition, values map[string]any) (map[string]*batch.Batch, error) {
	inputs := make(map[string]*batch.Batch, len(defs))
	for _, def := range defs {
		raw, ok := values[def.Name]
		if !ok {
			return nil, fmt.Errorf("missing value for workflow input %q", def.Name)
		}
		if def.Kind == workflow.BatchInput {
			list, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("batch input %q must be an array, got %T", def.Name, raw)
			}
			inputs[def.Name] = batch.FromValues(list)
		} else {
			inputs[def.Name] = batch.Scalar(raw)
		}
	}
	return inputs, nil
}
