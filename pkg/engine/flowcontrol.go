package engine

import (
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/blocks"
)

// Coordinator interprets the directives of flow-control steps and answers,
// per downstream step and index path, whether execution may continue. Every
// index path starts active; a recorded directive restricts the successor
// set for its path (SIMD mode) or for the whole pass (non-SIMD mode).
//
// Directives are recorded by the executor while a flow-control step runs
// and consulted by every governed step afterwards; the scheduler's
// dependency edges guarantee that ordering.
type Coordinator struct {
	mu sync.RWMutex
	// global holds non-SIMD verdicts: fcStep -> allowed successor set.
	global map[string]map[string]bool
	// perPath holds SIMD verdicts: fcStep -> path key -> allowed set.
	perPath map[string]map[string]map[string]bool
	// levels records the mask level each SIMD flow-control step decided at.
	levels map[string]int
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		global:  make(map[string]map[string]bool),
		perPath: make(map[string]map[string]map[string]bool),
		levels:  make(map[string]int),
	}
}

func targetSet(d blocks.Directive) map[string]bool {
	set := make(map[string]bool, len(d.Targets))
	for _, t := range d.Targets {
		set[t] = true
	}
	return set
}

// Begin marks a SIMD flow-control step as executed at the given mask
// level. After Begin, index paths without a recorded verdict count as
// terminated rather than "not decided yet".
func (c *Coordinator) Begin(fcStep string, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.perPath[fcStep]; !ok {
		c.perPath[fcStep] = make(map[string]map[string]bool)
	}
	c.levels[fcStep] = level
}

// Record stores a SIMD directive for one index path at the given mask
// level. An empty directive terminates the path for every successor.
func (c *Coordinator) Record(fcStep string, level int, path batch.IndexPath, d blocks.Directive) {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths, ok := c.perPath[fcStep]
	if !ok {
		paths = make(map[string]map[string]bool)
		c.perPath[fcStep] = paths
	}
	paths[path.Key()] = targetSet(d)
	c.levels[fcStep] = level
}

// RecordGlobal stores a non-SIMD directive applying to the entire pass.
func (c *Coordinator) RecordGlobal(fcStep string, d blocks.Directive) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global[fcStep] = targetSet(d)
}

// Allowed reports whether the governing flow-control step permits the
// successor to run for the given index path. A path with no recorded
// verdict is pruned: the flow-control step never reached it (it was empty
// or pruned itself), so progression stops there too.
func (c *Coordinator) Allowed(fcStep, successor string, path batch.IndexPath) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if set, ok := c.global[fcStep]; ok {
		return set[successor]
	}
	paths, ok := c.perPath[fcStep]
	if !ok {
		// Flow-control step has not run; nothing is pruned yet.
		return true
	}
	set, ok := paths[path.Truncate(c.levels[fcStep]).Key()]
	if !ok {
		return false
	}
	return set[successor]
}

// AllowedEverywhere reports whether the successor remains active for at
// least one index path, letting the scheduler skip a step pruned for the
// whole pass by a non-SIMD directive.
func (c *Coordinator) AllowedEverywhere(fcStep, successor string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if set, ok := c.global[fcStep]; ok {
		return set[successor]
	}
	return true
}
