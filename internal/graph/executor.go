package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/node"
)

// stepDone carries one step's outcome back to the scheduler loop.
type stepDone struct {
	id  string
	res *node.Result
	err error
}

// Execute runs the whole graph and returns an aggregate result. The output
// is the unique sink step's output when exactly one sink exists, otherwise
// the full step-results map; attributes always carry step_results. A failed
// step makes the aggregate unsuccessful but Execute itself errors only on
// validation or state problems.
func (g *Graph) Execute(ctx context.Context, ec *node.ExecContext) (*node.Result, error) {
	return g.run(ctx, ec, func(StepEvent) {})
}

// ExecuteStream runs the graph and streams step events. The channel closes
// when the run finishes; the final aggregate result is delivered on the
// result channel.
func (g *Graph) ExecuteStream(ctx context.Context, ec *node.ExecContext) (<-chan StepEvent, <-chan *node.Result, error) {
	if problems := g.Validate(); len(problems) > 0 {
		return nil, nil, errors.GraphValidation(problems)
	}

	events := make(chan StepEvent, 64)
	resultCh := make(chan *node.Result, 1)
	go func() {
		defer close(events)
		defer close(resultCh)
		res, err := g.run(ctx, ec, func(ev StepEvent) {
			select {
			case events <- ev:
			default:
				g.logger.Warn("step event dropped, stream consumer too slow",
					zap.String("graph_id", g.id),
					zap.String("step_id", ev.StepID))
			}
		})
		if err != nil {
			res = &node.Result{Success: false, Error: err.Error()}
		}
		resultCh <- res
	}()
	return events, resultCh, nil
}

// run is the scheduler loop. Results and bookkeeping are confined to this
// goroutine; step executions run concurrently and report through a channel.
func (g *Graph) run(ctx context.Context, ec *node.ExecContext, emit func(StepEvent)) (*node.Result, error) {
	g.mu.Lock()
	if g.state != node.StateReady {
		state := g.state
		g.mu.Unlock()
		if state == node.StateBusy {
			return nil, errors.NodeBusy(g.id)
		}
		return nil, errors.NodeStopped(g.id)
	}
	if problems := g.validateLocked(); len(problems) > 0 {
		g.mu.Unlock()
		return nil, errors.GraphValidation(problems)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if ec != nil && ec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	g.state = node.StateBusy
	g.cancel = cancel

	steps := make(map[string]*Step, len(g.steps))
	for id, s := range g.steps {
		steps[id] = s
	}
	order := append([]string(nil), g.order...)
	transitive := make(map[string]map[string]bool, len(steps))
	for id := range steps {
		transitive[id] = g.transitiveDepsLocked(id)
	}
	sinks := g.sinksLocked()
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.state == node.StateBusy {
			g.state = node.StateReady
		}
		g.cancel = nil
		g.mu.Unlock()
	}()

	indeg := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id, s := range steps {
		indeg[id] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	results := make(map[string]*node.Result, len(steps))
	failed := make(map[string]bool, len(steps))
	done := make(chan stepDone, len(steps))
	pending := len(steps)

	dispatch := func(id string) {
		s := steps[id]
		upstream := make(map[string]*node.Result)
		for dep := range transitive[id] {
			if res, ok := results[dep]; ok {
				upstream[dep] = res
			}
		}
		emit(StepEvent{
			Type:      EventStepStart,
			StepID:    id,
			NodeID:    s.NodeRef,
			Timestamp: now(),
		})
		go func() {
			res, err := g.runStep(runCtx, ec, s, upstream)
			done <- stepDone{id: id, res: res, err: err}
		}()
	}

	// skip marks a step and returns its dependents' newly freed ids.
	skip := func(id, because string) {
		results[id] = &node.Result{
			Success: false,
			Error:   fmt.Sprintf("skipped: dependency %q failed", because),
		}
		failed[id] = true
		pending--
		emit(StepEvent{
			Type:      EventStepError,
			StepID:    id,
			Data:      map[string]any{"error": results[id].Error, "skipped": true},
			Timestamp: now(),
		})
	}

	for _, id := range order {
		if indeg[id] == 0 {
			dispatch(id)
		}
	}

	failFast := false
	var firstError string
	for pending > 0 && !failFast {
		var d stepDone
		select {
		case <-runCtx.Done():
			if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
				return nil, errors.Timeout("graph " + g.id)
			}
			return nil, errors.Cancelled("graph " + g.id)
		case d = <-done:
		}
		pending--

		s := steps[d.id]
		switch {
		case d.err != nil:
			results[d.id] = &node.Result{Success: false, Error: d.err.Error()}
			failed[d.id] = true
			if firstError == "" {
				firstError = fmt.Sprintf("step %q failed: %s", d.id, d.err.Error())
			}
			emit(StepEvent{
				Type:      EventStepError,
				StepID:    d.id,
				Data:      map[string]any{"error": d.err.Error()},
				Timestamp: now(),
			})
			if s.ErrorPolicy != PolicyContinue {
				failFast = true
			}
		case d.res != nil && !d.res.Success:
			results[d.id] = d.res
			failed[d.id] = true
			if firstError == "" {
				firstError = fmt.Sprintf("step %q failed: %s", d.id, d.res.Error)
			}
			emit(StepEvent{
				Type:      EventStepError,
				StepID:    d.id,
				Data:      map[string]any{"error": d.res.Error, "result": d.res},
				Timestamp: now(),
			})
			if s.ErrorPolicy != PolicyContinue {
				failFast = true
			}
		default:
			results[d.id] = d.res
			emit(StepEvent{
				Type:      EventStepComplete,
				StepID:    d.id,
				Data:      map[string]any{"result": d.res},
				Timestamp: now(),
			})
		}

		if failFast {
			break
		}

		// Release dependents; those downstream of a failure are skipped in
		// dependency order.
		queue := append([]string(nil), dependents[d.id]...)
		for len(queue) > 0 {
			dep := queue[0]
			queue = queue[1:]
			indeg[dep]--
			if indeg[dep] > 0 {
				continue
			}
			if blocked := firstFailedDep(steps[dep], failed); blocked != "" {
				skip(dep, blocked)
				queue = append(queue, dependents[dep]...)
				continue
			}
			dispatch(dep)
		}
	}

	// An interrupt or deadline may surface as step failures rather than on
	// the context branch; report it as such either way.
	if runCtx.Err() != nil && ctx.Err() == nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout("graph " + g.id)
		}
		return nil, errors.Cancelled("graph " + g.id)
	}

	if failFast {
		// Cancel whatever is still running and let the goroutines drain into
		// the buffered channel.
		cancel()
	}

	stepResults := make(map[string]any, len(results))
	for id, res := range results {
		stepResults[id] = res
	}

	agg := &node.Result{
		Success:    firstError == "" && len(failed) == 0,
		Error:      firstError,
		Attributes: map[string]any{"step_results": stepResults},
	}
	if len(sinks) == 1 {
		if res, ok := results[sinks[0]]; ok {
			agg.Output = res.Output
		}
	} else {
		agg.Output = stepResults
	}
	return agg, nil
}

// runStep resolves the step's node and input, then executes it.
func (g *Graph) runStep(ctx context.Context, ec *node.ExecContext, s *Step, upstream map[string]*node.Result) (*node.Result, error) {
	target := s.Node
	if target == nil {
		if ec == nil || ec.Nodes == nil {
			return nil, errors.NotFound("node", s.NodeRef)
		}
		var err error
		target, err = ec.Nodes.ResolveNode(s.NodeRef)
		if err != nil {
			return nil, err
		}
	}

	input, err := resolveInput(s, upstream)
	if err != nil {
		return nil, err
	}

	stepCtx := &node.ExecContext{
		Input:    input,
		Timeout:  s.Timeout,
		Parser:   s.Parser,
		Upstream: upstream,
	}
	if ec != nil {
		stepCtx.Nodes = ec.Nodes
		stepCtx.ExecID = ec.ExecID
	}
	return target.Execute(ctx, stepCtx)
}

// firstFailedDep returns the id of a failed or skipped direct dependency.
func firstFailedDep(s *Step, failed map[string]bool) string {
	for _, dep := range s.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
