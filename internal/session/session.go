// Package session implements named workspaces owning nodes, graphs, and
// workflows under one identifier namespace, plus the registry mapping
// session ids to sessions.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/common/validate"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/history"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/workflow"
)

// Options configure a session at creation.
type Options struct {
	Description    string
	Tags           []string
	ServerName     string
	HistoryEnabled bool
	HistoryBaseDir string
}

// Info is the listing snapshot of a session.
type Info struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at"`
	Nodes       int      `json:"nodes"`
	Graphs      int      `json:"graphs"`
	Workflows   int      `json:"workflows"`
	ActiveRuns  int      `json:"active_runs"`
}

// Session is a named workspace. The identifiers of its nodes, graphs, and
// workflows share one namespace: a name may not collide across types.
type Session struct {
	id        string
	opts      Options
	createdAt time.Time
	logger    *logger.Logger

	mu        sync.Mutex
	nodes     map[string]node.Node
	graphs    map[string]*graph.Graph
	workflows map[string]*workflow.Workflow
	runs      map[string]*workflow.Run
	stopped   bool
}

// New creates a session. The id must already be validated by the caller.
func New(id string, opts Options, log *logger.Logger) *Session {
	return &Session{
		id:        id,
		opts:      opts,
		createdAt: time.Now(),
		logger:    log.WithSessionID(id),
		nodes:     make(map[string]node.Node),
		graphs:    make(map[string]*graph.Graph),
		workflows: make(map[string]*workflow.Workflow),
		runs:      make(map[string]*workflow.Run),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// kindOfLocked reports which map already holds the id, or "".
func (s *Session) kindOfLocked(id string) string {
	if _, ok := s.nodes[id]; ok {
		return "node"
	}
	if _, ok := s.graphs[id]; ok {
		return "graph"
	}
	if _, ok := s.workflows[id]; ok {
		return "workflow"
	}
	return ""
}

// checkIDLocked validates the id and rejects collisions across all three
// entity types.
func (s *Session) checkIDLocked(id string) error {
	if err := validate.ID(id); err != nil {
		return err
	}
	if kind := s.kindOfLocked(id); kind != "" {
		return errors.DuplicateID(id, kind)
	}
	return nil
}

// AddNode registers a node under its id.
func (s *Session) AddNode(n node.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.NotFound("session", s.id)
	}
	if err := s.checkIDLocked(n.ID()); err != nil {
		return err
	}
	s.nodes[n.ID()] = n
	return nil
}

// Node looks up a node by id.
func (s *Session) Node(id string) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n, nil
	}
	return nil, errors.NotFound("node", id)
}

// DeleteNode stops a node and removes it. Stop errors are logged, not
// returned; the node is removed regardless.
func (s *Session) DeleteNode(id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
	}
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("node", id)
	}
	if err := n.Stop(); err != nil {
		s.logger.Warn("node stop failed during delete",
			zap.String("node_id", id),
			zap.Error(err))
	}
	return nil
}

// ListNodes snapshots every node for listing.
func (s *Session) ListNodes() []node.Info {
	s.mu.Lock()
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	infos := make([]node.Info, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, n.Info())
	}
	return infos
}

// AddGraph registers a graph under its id.
func (s *Session) AddGraph(g *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.NotFound("session", s.id)
	}
	if err := s.checkIDLocked(g.ID()); err != nil {
		return err
	}
	s.graphs[g.ID()] = g
	return nil
}

// Graph looks up a graph by id.
func (s *Session) Graph(id string) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.graphs[id]; ok {
		return g, nil
	}
	return nil, errors.NotFound("graph", id)
}

// DeleteGraph removes a graph, cancelling any run in flight.
func (s *Session) DeleteGraph(id string) error {
	s.mu.Lock()
	g, ok := s.graphs[id]
	if ok {
		delete(s.graphs, id)
	}
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("graph", id)
	}
	return g.Stop()
}

// ListGraphs snapshots every graph for listing.
func (s *Session) ListGraphs() []node.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]node.Info, 0, len(s.graphs))
	for _, g := range s.graphs {
		infos = append(infos, g.Info())
	}
	return infos
}

// AddWorkflow registers a workflow under its id.
func (s *Session) AddWorkflow(w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.NotFound("session", s.id)
	}
	if err := s.checkIDLocked(w.ID()); err != nil {
		return err
	}
	s.workflows[w.ID()] = w
	return nil
}

// Workflow looks up a workflow by id.
func (s *Session) Workflow(id string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workflows[id]; ok {
		return w, nil
	}
	return nil, errors.NotFound("workflow", id)
}

// DeleteWorkflow removes a workflow registration. Active runs keep going.
func (s *Session) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return errors.NotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// ListWorkflows returns the registered workflow ids.
func (s *Session) ListWorkflows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	return ids
}

// ResolveNode implements node.Resolver and the workflow target. Graphs
// resolve too, so graph steps can reference other graphs by id.
func (s *Session) ResolveNode(id string) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n, nil
	}
	if g, ok := s.graphs[id]; ok {
		return g, nil
	}
	return nil, errors.NotFound("node", id)
}

// ResolveGraph implements the workflow target.
func (s *Session) ResolveGraph(id string) (node.Node, error) {
	return s.Graph(id)
}

// ResolveWorkflow implements the workflow target.
func (s *Session) ResolveWorkflow(id string) (*workflow.Workflow, error) {
	return s.Workflow(id)
}

// RegisterRun tracks an active workflow run.
func (s *Session) RegisterRun(r *workflow.Run) {
	s.mu.Lock()
	s.runs[r.ID()] = r
	s.mu.Unlock()
}

// UnregisterRun forgets a finished run's live handle. Finished runs stay
// queryable until unregistered by their own goroutine.
func (s *Session) UnregisterRun(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// Run looks up an active run by id.
func (s *Session) Run(runID string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r, nil
	}
	return nil, errors.NotFound("workflow run", runID)
}

// ListRuns snapshots the active runs.
func (s *Session) ListRuns() []workflow.RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]workflow.RunInfo, 0, len(s.runs))
	for _, r := range s.runs {
		infos = append(infos, r.Info())
	}
	return infos
}

// HistoryWriter opens the history file for a node of this session, or
// returns nil when history is disabled.
func (s *Session) HistoryWriter(nodeID string) (*history.Writer, error) {
	if !s.opts.HistoryEnabled {
		return nil, nil
	}
	path := filepath.Join(s.opts.HistoryBaseDir, s.opts.ServerName, s.id, nodeID+".jsonl")
	return history.NewWriter(path, s.logger)
}

// HistoryPath returns where a node's history file lives, whether or not it
// exists yet.
func (s *Session) HistoryPath(nodeID string) string {
	return filepath.Join(s.opts.HistoryBaseDir, s.opts.ServerName, s.id, nodeID+".jsonl")
}

// Stop cancels active runs, stops every persistent node concurrently, and
// clears the registries. Node stop errors are logged, never raised.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	graphs := make([]*graph.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		graphs = append(graphs, g)
	}
	runs := make([]*workflow.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.nodes = make(map[string]node.Node)
	s.graphs = make(map[string]*graph.Graph)
	s.workflows = make(map[string]*workflow.Workflow)
	s.runs = make(map[string]*workflow.Run)
	s.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, g := range graphs {
		_ = g.Stop()
	}

	group, _ := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		group.Go(func() error {
			if err := n.Stop(); err != nil {
				s.logger.Warn("node stop failed during session stop",
					zap.String("node_id", n.ID()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
	s.logger.Info("session stopped", zap.Int("nodes", len(nodes)))
}

// Info snapshots the session for listing.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Description: s.opts.Description,
		Tags:        append([]string(nil), s.opts.Tags...),
		CreatedAt:   s.createdAt.UTC().Format(time.RFC3339),
		Nodes:       len(s.nodes),
		Graphs:      len(s.graphs),
		Workflows:   len(s.workflows),
		ActiveRuns:  len(s.runs),
	}
}
