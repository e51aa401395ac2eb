// Package datastore provides the process-wide table of step outputs for one
// execution pass. Each entry is keyed by (step name, output name), written
// exactly once by the step that produced it and readable by any downstream
// step. Entries live only for the duration of the pass.
package datastore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
)

// Store access errors.
var (
	// ErrNotFound is returned when no entry exists for the requested key.
	ErrNotFound = errors.New("no output found")

	// ErrAlreadyWritten is returned on a second write to the same key;
	// entries are append-only per key.
	ErrAlreadyWritten = errors.New("output already written")
)

type key struct {
	step   string
	output string
}

// Store is the single shared mutable resource of an execution pass. Writes
// follow a write-then-publish discipline under the store's lock, so a read
// never observes a partially written batch.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*batch.Batch
	logger  *zap.Logger
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[key]*batch.Batch),
		logger:  logger,
	}
}

// Set publishes a step output. It fails with ErrAlreadyWritten if the key
// was already published; the single-writer discipline is an engine
// invariant, so a violation indicates a scheduling bug.
func (s *Store) Set(step, output string, b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{step: step, output: output}
	if _, exists := s.entries[k]; exists {
		return fmt.Errorf("%w: %s.%s", ErrAlreadyWritten, step, output)
	}
	s.entries[k] = b

	s.logger.Debug("published step output",
		zap.String("step", step),
		zap.String("output", output),
		zap.Int("level", b.Level()),
		zap.Int("elements", b.Len()))
	return nil
}

// Get returns the batch published for (step, output).
func (s *Store) Get(step, output string) (*batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.entries[key{step: step, output: output}]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, step, output)
	}
	return b, nil
}

// Has reports whether (step, output) has been published.
func (s *Store) Has(step, output string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key{step: step, output: output}]
	return ok
}

// Outputs returns the published output names of a step, sorted.
func (s *Store) Outputs(step string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.entries {
		if k.step == step {
			out = append(out, k.output)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of published entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns every entry as step → output → batch. The maps are
// copies; the batches themselves are immutable.
func (s *Store) Snapshot() map[string]map[string]*batch.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]*batch.Batch)
	for k, b := range s.entries {
		m, ok := out[k.step]
		if !ok {
			m = make(map[string]*batch.Batch)
			out[k.step] = m
		}
		m[k.output] = b
	}
	return out
}
