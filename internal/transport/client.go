package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/pkg/protocol"
)

// Client is one IPC connection. Calls multiplex over the single socket by
// request id; broadcast events arrive on Events.
type Client struct {
	conn   net.Conn
	logger *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Result
	closed  bool

	events chan *protocol.Event
	done   chan struct{}
}

// Dial connects to a nerve daemon. Network is "unix" or "tcp".
func Dial(network, addr string, log *logger.Logger) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		logger:  log,
		pending: make(map[string]chan *protocol.Result),
		events:  make(chan *protocol.Event, 128),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one command and blocks for its result.
func (c *Client) Call(ctx context.Context, cmdType protocol.CommandType, params any) (*protocol.Result, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errors.InvalidParams("unencodable params: " + err.Error())
		}
		raw = data
	}

	requestID := uuid.New().String()
	ch := make(chan *protocol.Result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(&protocol.Command{
		Type:        protocol.MessageTypeCommand,
		CommandType: cmdType,
		Params:      raw,
		RequestID:   requestID,
	})
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, net.ErrClosed
	case res := <-ch:
		return res, nil
	}
}

// Events is the stream of server broadcasts. Events are dropped when the
// consumer falls more than the buffer behind.
func (c *Client) Events() <-chan *protocol.Event { return c.events }

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.MessageTypeResult:
			var res protocol.Result
			if err := json.Unmarshal(line, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[res.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- &res
			}
		case protocol.MessageTypeEvent:
			var ev protocol.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
				c.logger.Debug("event dropped, consumer too slow",
					zap.String("event_type", ev.EventType))
			}
		case protocol.MessageTypeError:
			var em protocol.ErrorMessage
			if err := json.Unmarshal(line, &em); err != nil {
				continue
			}
			c.logger.Warn("server error frame", zap.String("error", em.Error))
		}
	}
}

// Close drops the connection; in-flight calls fail with net.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
