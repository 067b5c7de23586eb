// Package transport implements the nerve IPC layer: newline-delimited JSON
// over a Unix domain socket or TCP, with commands dispatched concurrently and
// bus events broadcast to every connected client.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/events"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/pkg/protocol"
)

// Dispatcher handles one decoded command. Satisfied by the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *protocol.Command) *protocol.Result
}

// connWriter serializes writes to one connection. Results and broadcast
// events interleave on the same socket, so every write takes the mutex.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *connWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(append(data, '\n'))
	return err
}

// Server accepts IPC connections and pumps commands into the dispatcher.
type Server struct {
	cfg        config.TransportConfig
	dispatcher Dispatcher
	bus        bus.EventBus
	logger     *logger.Logger

	ln  net.Listener
	sub bus.Subscription

	mu      sync.Mutex
	writers map[*connWriter]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewServer creates an IPC server over the given dispatcher and bus.
func NewServer(cfg config.TransportConfig, d Dispatcher, b bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		bus:        b,
		logger:     log,
		writers:    make(map[*connWriter]struct{}),
	}
}

// Start binds the listener and begins accepting. Events from the bus are
// fanned out to every connection for the server's lifetime.
func (s *Server) Start() error {
	var ln net.Listener
	var err error
	if s.cfg.TCP {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	} else {
		// A stale socket from an unclean shutdown blocks the bind.
		_ = os.Remove(s.cfg.SocketPath)
		ln, err = net.Listen("unix", s.cfg.SocketPath)
	}
	if err != nil {
		return err
	}
	s.ln = ln

	sub, err := s.bus.Subscribe(events.WildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		s.broadcast(ev)
		return nil
	})
	if err != nil {
		ln.Close()
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	w := &connWriter{conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.writers[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.writers, w)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		s.handleLine(w, line)
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			_ = w.writeJSON(&protocol.ErrorMessage{
				Type:  protocol.MessageTypeError,
				Error: fmt.Sprintf("message exceeds %d byte limit", protocol.MaxLineBytes),
			})
		} else {
			s.logger.Debug("connection read ended", zap.Error(err))
		}
	}
}

// handleLine decodes one frame. Commands dispatch on their own goroutine so
// a long execute never blocks the connection's other commands.
func (s *Server) handleLine(w *connWriter, line []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		_ = w.writeJSON(&protocol.ErrorMessage{
			Type:  protocol.MessageTypeError,
			Error: "malformed JSON frame",
		})
		return
	}
	if env.Type != protocol.MessageTypeCommand {
		_ = w.writeJSON(&protocol.ErrorMessage{
			Type:  protocol.MessageTypeError,
			Error: fmt.Sprintf("unexpected message type %q", env.Type),
		})
		return
	}

	var cmd protocol.Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		_ = w.writeJSON(&protocol.ErrorMessage{
			Type:  protocol.MessageTypeError,
			Error: "malformed command frame",
		})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.dispatcher.Dispatch(context.Background(), &cmd)
		if err := w.writeJSON(res); err != nil {
			s.logger.Debug("result write failed", zap.Error(err))
		}
	}()
}

// broadcast fans one bus event out to every connection, evicting writers
// whose socket has gone away.
func (s *Server) broadcast(ev *bus.Event) {
	nodeID, _ := ev.Data["node_id"].(string)
	frame := protocol.NewEvent(ev.Type, nodeID, ev.Data)

	s.mu.Lock()
	writers := make([]*connWriter, 0, len(s.writers))
	for w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		if err := w.writeJSON(frame); err != nil {
			s.mu.Lock()
			delete(s.writers, w)
			s.mu.Unlock()
			w.conn.Close()
		}
	}
}

// Close stops accepting, drops every connection, and waits for in-flight
// handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	writers := make([]*connWriter, 0, len(s.writers))
	for w := range s.writers {
		writers = append(writers, w)
	}
	s.writers = make(map[*connWriter]struct{})
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, w := range writers {
		w.conn.Close()
	}
	s.wg.Wait()
}
