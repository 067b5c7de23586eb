package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/engine"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/pkg/protocol"
)

func testServer(t *testing.T, tcp bool) (*Server, string, string) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "test"},
		Node: config.NodeConfig{
			ExecTimeout:     30,
			PollInterval:    10,
			ReadyDebounce:   2,
			PostReadyGrace:  10,
			BufferChunkSize: 4096,
		},
		Proxy: config.ProxyConfig{StartRetries: 3, HealthTimeout: 2, StopTimeout: 1},
	}
	b := bus.NewMemoryEventBus(logger.Default())
	reg := session.NewRegistry(session.Options{ServerName: "test"}, logger.Default())
	eng := engine.New(cfg, b, reg, logger.Default())

	tc := config.TransportConfig{TCP: tcp, Host: "127.0.0.1", Port: 0}
	if !tcp {
		tc.SocketPath = filepath.Join(t.TempDir(), "nerve.sock")
	}
	srv := NewServer(tc, eng, b, logger.Default())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Close()
		eng.Close(context.Background())
		b.Close()
	})

	network := "unix"
	addr := tc.SocketPath
	if tcp {
		network = "tcp"
		addr = srv.Addr().String()
	}
	return srv, network, addr
}

func TestServerCommandRoundTrip(t *testing.T) {
	_, network, addr := testServer(t, false)
	c, err := Dial(network, addr, logger.Default())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), protocol.CommandCreateSession, map[string]any{
		"session_id": "work",
	})
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)

	res, err = c.Call(context.Background(), protocol.CommandGetSession, map[string]any{
		"session_id": "ghost",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestServerTCPRoundTrip(t *testing.T) {
	_, network, addr := testServer(t, true)
	c, err := Dial(network, addr, logger.Default())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), protocol.CommandListSessions, nil)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
}

func TestClientMultiplexesConcurrentCalls(t *testing.T) {
	_, network, addr := testServer(t, false)
	c, err := Dial(network, addr, logger.Default())
	require.NoError(t, err)
	defer c.Close()

	const calls = 20
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Call(context.Background(), protocol.CommandCreateSession, map[string]any{
				"session_id": fmt.Sprintf("s%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			if !res.Success {
				errs <- fmt.Errorf("call %d failed: %s", i, res.Error)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	res, err := c.Call(context.Background(), protocol.CommandListSessions, nil)
	require.NoError(t, err)
	sessions := res.Data.(map[string]any)["sessions"].([]any)
	assert.Len(t, sessions, calls)
}

func TestServerBroadcastsEvents(t *testing.T) {
	_, network, addr := testServer(t, false)
	c, err := Dial(network, addr, logger.Default())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), protocol.CommandCreateSession, map[string]any{
		"session_id": "evented",
	})
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		assert.Equal(t, protocol.EventSessionCreated, ev.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestServerRejectsNonCommandFrames(t *testing.T) {
	_, network, addr := testServer(t, false)
	conn, err := net.Dial(network, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"event","event_type":"spoofed"}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &em))
	assert.Equal(t, protocol.MessageTypeError, em.Type)
	assert.Contains(t, em.Error, "unexpected message type")
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	_, network, addr := testServer(t, false)
	conn, err := net.Dial(network, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &em))
	assert.Contains(t, em.Error, "malformed")
}

func TestServerRejectsOversizedLine(t *testing.T) {
	_, network, addr := testServer(t, false)
	conn, err := net.Dial(network, addr)
	require.NoError(t, err)
	defer conn.Close()

	// One frame just past the limit, no newline until the very end.
	huge := `{"type":"command","command_type":"LIST_SESSIONS","params":{"pad":"` +
		strings.Repeat("x", protocol.MaxLineBytes) + `"}}` + "\n"
	// The server may close the connection mid-write once the limit trips.
	_, _ = conn.Write([]byte(huge))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	require.True(t, scanner.Scan())
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &em))
	assert.Equal(t, protocol.MessageTypeError, em.Type)
	assert.Contains(t, em.Error, "byte limit")
}

func TestClientCallAfterClose(t *testing.T) {
	_, network, addr := testServer(t, false)
	c, err := Dial(network, addr, logger.Default())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Call(context.Background(), protocol.CommandListSessions, nil)
	assert.Error(t, err)
}
