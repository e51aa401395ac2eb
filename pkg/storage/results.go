package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
)

// ElementRecord is one serialized batch leaf: its index path, payload, and
// empty marker.
type ElementRecord struct {
	Path  []int `json:"path"`
	Value any   `json:"value,omitempty"`
	Empty bool  `json:"empty,omitempty"`
}

// OutputRecord is one serialized step output batch.
type OutputRecord struct {
	Level         int             `json:"level"`
	Elements      []ElementRecord `json:"elements"`
	EmptyBranches [][]int         `json:"emptyBranches,omitempty"`
}

// RunResult is the persisted outcome of one execution pass.
type RunResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	// Status is "success" or "failed".
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	// Steps maps step name to output name to the serialized batch. The
	// $inputs pseudo step appears alongside real steps.
	Steps map[string]map[string]OutputRecord `json:"steps"`
}

// EncodeBatch serializes a batch container for persistence.
func EncodeBatch(b *batch.Batch) OutputRecord {
	elems := b.Elements()
	rec := OutputRecord{
		Level:    b.Level(),
		Elements: make([]ElementRecord, len(elems)),
	}
	for i, el := range elems {
		rec.Elements[i] = ElementRecord{Path: el.Path, Value: el.Value, Empty: el.Empty}
	}
	for _, br := range b.EmptyBranches() {
		rec.EmptyBranches = append(rec.EmptyBranches, br)
	}
	return rec
}

// DecodeBatch rebuilds a batch container from its serialized form.
func DecodeBatch(rec OutputRecord) (*batch.Batch, error) {
	elems := make([]batch.Element, len(rec.Elements))
	for i, er := range rec.Elements {
		elems[i] = batch.Element{Path: batch.NewIndexPath(er.Path...), Value: er.Value, Empty: er.Empty}
	}
	branches := make([]batch.IndexPath, len(rec.EmptyBranches))
	for i, br := range rec.EmptyBranches {
		branches[i] = batch.NewIndexPath(br...)
	}
	return batch.New(rec.Level, elems, branches)
}

// ResultWriter persists run results through a blob client.
type ResultWriter struct {
	blob   BlobClient
	logger *zap.Logger
}

// NewResultWriter creates a result writer.
func NewResultWriter(blob BlobClient, logger *zap.Logger) *ResultWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultWriter{blob: blob, logger: logger}
}

// ResultPath returns the blob path for a run's result document.
func ResultPath(workflowID, runID string) string {
	return fmt.Sprintf("results/%s/%s/results.json", workflowID, runID)
}

// WriteRunResult serializes the data store snapshot of a finished pass and
// uploads it. A run error marks the result failed but the partial outputs
// are persisted anyway.
func (w *ResultWriter) WriteRunResult(ctx context.Context, workflowID, runID, sessionID string, snapshot map[string]map[string]*batch.Batch, runErr error) (string, error) {
	if w.blob == nil {
		return "", fmt.Errorf("blob client not initialized")
	}

	result := RunResult{
		WorkflowID:  workflowID,
		RunID:       runID,
		SessionID:   sessionID,
		Status:      "success",
		CompletedAt: time.Now().UTC(),
		Steps:       make(map[string]map[string]OutputRecord, len(snapshot)),
	}
	if runErr != nil {
		result.Status = "failed"
		result.Error = runErr.Error()
	}
	for step, outputs := range snapshot {
		m := make(map[string]OutputRecord, len(outputs))
		for name, b := range outputs {
			m[name] = EncodeBatch(b)
		}
		result.Steps[step] = m
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run result: %w", err)
	}

	blobPath := ResultPath(workflowID, runID)
	blobURL, err := w.blob.Upload(ctx, blobPath, data, map[string]string{
		"workflow_id": workflowID,
		"run_id":      runID,
		"session_id":  sessionID,
		"status":      result.Status,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run result: %w", err)
	}

	w.logger.Info("persisted run result",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", runID),
		zap.String("status", result.Status),
		zap.Int("steps", len(result.Steps)),
		zap.Int("size_bytes", len(data)))
	return blobURL, nil
}

// ReadRunResult downloads and parses a run's result document.
func (w *ResultWriter) ReadRunResult(ctx context.Context, workflowID, runID string) (*RunResult, error) {
	if w.blob == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}

	data, err := w.blob.Download(ctx, ResultPath(workflowID, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download run result: %w", err)
	}
	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse run result: %w", err)
	}
	return &result, nil
}
