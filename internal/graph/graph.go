// Package graph implements declarative DAG pipelines over session nodes:
// dependency-ordered scheduling, concurrent execution of independent steps,
// per-step input interpolation, and a streaming event view of progress.
//
// A Graph is itself a node, so a step of one graph may execute another.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/node"
)

// Graph is a named DAG of steps owned by a session.
type Graph struct {
	id     string
	logger *logger.Logger

	mu     sync.Mutex
	steps  map[string]*Step
	order  []string
	state  node.State
	cancel context.CancelFunc
}

// New creates an empty graph.
func New(id string, log *logger.Logger) *Graph {
	return &Graph{
		id:     id,
		logger: log,
		steps:  make(map[string]*Step),
		state:  node.StateReady,
	}
}

// AddStep registers a step. Duplicate step ids are rejected; the structural
// constraints (node vs ref, input vs input_fn, dependency shape) are checked
// by Validate.
func (g *Graph) AddStep(s Step) error {
	if s.ID == "" {
		return errors.InvalidParams("step id must not be empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.steps[s.ID]; exists {
		return errors.DuplicateID(s.ID, "step")
	}
	step := s
	g.steps[s.ID] = &step
	g.order = append(g.order, s.ID)
	return nil
}

// Chain appends dependencies so the named steps run in sequence: each step
// gains a dependency on the one before it.
func (g *Graph) Chain(ids ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.steps[id]; !ok {
			return errors.NotFound("step", id)
		}
	}
	for i := 1; i < len(ids); i++ {
		s := g.steps[ids[i]]
		s.DependsOn = append(s.DependsOn, ids[i-1])
	}
	return nil
}

// Steps returns the step ids in registration order.
func (g *Graph) Steps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Validate returns every structural problem found: missing or self
// dependencies, cycles, node/ref conflicts, input conflicts. An empty slice
// means the graph can execute.
func (g *Graph) Validate() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() []string {
	var problems []string

	if len(g.steps) == 0 {
		problems = append(problems, "graph has no steps")
	}

	for _, id := range g.order {
		s := g.steps[id]
		hasNode := s.Node != nil
		hasRef := s.NodeRef != ""
		if hasNode == hasRef {
			problems = append(problems, fmt.Sprintf("step %q must set exactly one of node and node_ref", id))
		}
		if s.Input != nil && s.InputFn != nil {
			problems = append(problems, fmt.Sprintf("step %q sets both input and input_fn", id))
		}
		if s.ErrorPolicy != "" && s.ErrorPolicy != PolicyFailFast && s.ErrorPolicy != PolicyContinue {
			problems = append(problems, fmt.Sprintf("step %q has unknown error_policy %q", id, s.ErrorPolicy))
		}
		for _, dep := range s.DependsOn {
			if dep == id {
				problems = append(problems, fmt.Sprintf("step %q depends on itself", id))
				continue
			}
			if _, ok := g.steps[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", id, dep))
			}
		}
	}

	if cycle := g.findCycleLocked(); len(cycle) > 0 {
		problems = append(problems, "dependency cycle detected: "+strings.Join(cycle, " -> "))
	}
	return problems
}

// findCycleLocked runs Kahn's algorithm; leftovers after the peel are the
// cycle members.
func (g *Graph) findCycleLocked() []string {
	indeg := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))
	for id, s := range g.steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.steps[dep]; !ok || dep == id {
				continue
			}
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if seen == len(g.steps) {
		return nil
	}
	var cycle []string
	for _, id := range g.order {
		if indeg[id] > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// sinksLocked returns the steps no other step depends on.
func (g *Graph) sinksLocked() []string {
	dependedOn := make(map[string]bool)
	for _, s := range g.steps {
		for _, dep := range s.DependsOn {
			dependedOn[dep] = true
		}
	}
	var sinks []string
	for _, id := range g.order {
		if !dependedOn[id] {
			sinks = append(sinks, id)
		}
	}
	return sinks
}

// transitiveDepsLocked returns every step id the given step depends on,
// directly or indirectly.
func (g *Graph) transitiveDepsLocked(id string) map[string]bool {
	out := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		s, ok := g.steps[cur]
		if !ok {
			return
		}
		for _, dep := range s.DependsOn {
			if !out[dep] {
				out[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return out
}

// ID returns the graph's identifier.
func (g *Graph) ID() string { return g.id }

// Kind tags the graph as a node so steps can nest graphs.
func (g *Graph) Kind() node.Kind { return node.KindGraph }

// Persistent is false: graphs hold no long-lived resources.
func (g *Graph) Persistent() bool { return false }

// State reports Ready or Busy.
func (g *Graph) State() node.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Start is a no-op.
func (g *Graph) Start(ctx context.Context) error { return nil }

// Stop marks the graph stopped and cancels any run in flight.
func (g *Graph) Stop() error {
	g.mu.Lock()
	g.state = node.StateStopped
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Interrupt cancels the current execution, if any.
func (g *Graph) Interrupt() error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Info snapshots the graph for listing.
func (g *Graph) Info() node.Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return node.Info{
		ID:         g.id,
		Kind:       string(node.KindGraph),
		State:      string(g.state),
		Persistent: false,
		Metadata: map[string]any{
			"steps": append([]string(nil), g.order...),
		},
	}
}
