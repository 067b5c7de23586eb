package session

import (
	"context"
	"sync"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/common/validate"
)

// DefaultSessionID is the session commands target when they carry none.
const DefaultSessionID = "default"

// Registry maps session ids to sessions. A default session always resolves,
// created lazily so commands without a session parameter target something
// sensible.
type Registry struct {
	defaults Options
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions inherit the given defaults
// (server name, history configuration).
func NewRegistry(defaults Options, log *logger.Logger) *Registry {
	return &Registry{
		defaults: defaults,
		logger:   log,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session.
func (r *Registry) Create(id, description string, tags []string) (*Session, error) {
	if err := validate.ID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, errors.DuplicateID(id, "session")
	}
	opts := r.defaults
	opts.Description = description
	opts.Tags = tags
	s := New(id, opts, r.logger)
	r.sessions[id] = s
	return s, nil
}

// Get looks up a session by id. The empty id resolves to the default
// session, creating it on first use.
func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		id = DefaultSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if id == DefaultSessionID {
		s := New(DefaultSessionID, r.defaults, r.logger)
		r.sessions[DefaultSessionID] = s
		return s, nil
	}
	return nil, errors.NotFound("session", id)
}

// Delete stops a session and removes it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("session", id)
	}
	s.Stop(ctx)
	return nil
}

// List snapshots every session.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// StopAll stops every session, used at daemon shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop(ctx)
	}
}
