// Package proxy manages per-node side-servers that front an upstream LLM
// API: each proxied node gets a local HTTP endpoint that injects credentials
// and model overrides before forwarding. Instances are isolated; stopping or
// failing one never affects the others.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
)

// Config is the provider configuration a proxied node is created with.
type Config struct {
	UpstreamURL string `json:"upstream_url"`
	APIKey      string `json:"api_key,omitempty"`
	Model       string `json:"model,omitempty"`
	APIFormat   string `json:"api_format,omitempty"`
}

// Options tune proxy bring-up and teardown.
type Options struct {
	// StartRetries bounds the port-collision retry loop. Allocating a port
	// by binding to zero and closing is racy by nature; the retry is part of
	// the contract, not a tuning knob.
	StartRetries int

	// HealthTimeout bounds the post-start health poll.
	HealthTimeout time.Duration

	// StopTimeout bounds graceful shutdown before the server is killed.
	StopTimeout time.Duration
}

func (o *Options) defaults() {
	if o.StartRetries <= 0 {
		o.StartRetries = 5
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
}

// Manager owns one proxy instance per node.
type Manager struct {
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a proxy manager.
func NewManager(opts Options, log *logger.Logger) *Manager {
	opts.defaults()
	return &Manager{
		opts:      opts,
		logger:    log,
		instances: make(map[string]*Instance),
	}
}

// StartProxy brings up a side-server for the node and returns it once its
// health endpoint answers. Port collisions from the allocate-then-bind race
// are retried with a short backoff.
func (m *Manager) StartProxy(ctx context.Context, nodeID string, cfg Config) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.instances[nodeID]; exists {
		m.mu.Unlock()
		return nil, apperrors.DuplicateID(nodeID, "proxy")
	}
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.opts.StartRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.Cancelled("proxy start for node " + nodeID)
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		port, err := allocatePort()
		if err != nil {
			lastErr = err
			continue
		}

		inst, err := newInstance(nodeID, port, cfg, m.logger)
		if err != nil {
			if isAddrInUse(err) {
				m.logger.Debug("proxy port collision, retrying",
					zap.String("node_id", nodeID),
					zap.Int("port", port))
				lastErr = err
				continue
			}
			return nil, apperrors.ProxyStart(nodeID, err)
		}

		if err := m.waitHealthy(ctx, inst); err != nil {
			inst.stop(m.opts.StopTimeout)
			lastErr = err
			continue
		}

		m.mu.Lock()
		m.instances[nodeID] = inst
		m.mu.Unlock()
		m.logger.Info("proxy started",
			zap.String("node_id", nodeID),
			zap.Int("port", port),
			zap.String("upstream", cfg.UpstreamURL))
		return inst, nil
	}
	return nil, apperrors.ProxyStart(nodeID, fmt.Errorf("retries exhausted: %w", lastErr))
}

// waitHealthy polls GET /health until it answers ok or the timeout expires.
func (m *Manager) waitHealthy(ctx context.Context, inst *Instance) error {
	healthCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	url := inst.URL() + "/health"
	for {
		req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"ok"`) {
				return nil
			}
		}

		select {
		case <-healthCtx.Done():
			return apperrors.ProxyHealth(inst.NodeID, healthCtx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Get returns the proxy instance for a node, if one is running.
func (m *Manager) Get(nodeID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[nodeID]
	return inst, ok
}

// StopProxy gracefully stops the node's proxy.
func (m *Manager) StopProxy(nodeID string) error {
	m.mu.Lock()
	inst, ok := m.instances[nodeID]
	if ok {
		delete(m.instances, nodeID)
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("proxy", nodeID)
	}
	inst.stop(m.opts.StopTimeout)
	m.logger.Info("proxy stopped", zap.String("node_id", nodeID))
	return nil
}

// StopAll tears down every instance, used at shutdown. Failures are
// isolated per instance.
func (m *Manager) StopAll() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.stop(m.opts.StopTimeout)
	}
}

// allocatePort binds a transient listener to port zero and reports the
// kernel-assigned port. The close-then-reopen race is handled by the caller's
// retry loop.
func allocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return strings.Contains(err.Error(), "address already in use")
}
