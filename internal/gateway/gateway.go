// Package gateway exposes the command surface over HTTP and streams engine
// events over WebSocket, for clients that cannot speak the IPC socket.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/events"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/internal/transport"
	"github.com/nervehq/nerve/pkg/protocol"
)

// wsWriteTimeout bounds a single WebSocket frame write so one stalled
// client cannot pin its forwarding goroutine.
const wsWriteTimeout = 10 * time.Second

// Gateway is the optional HTTP front. Commands POST to /command; events
// stream from /events.
type Gateway struct {
	cfg        config.GatewayConfig
	dispatcher transport.Dispatcher
	bus        bus.EventBus
	logger     *logger.Logger

	server   *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
}

// New creates a gateway over the given dispatcher and bus.
func New(cfg config.GatewayConfig, d transport.Dispatcher, b bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		dispatcher: d,
		bus:        b,
		logger:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the HTTP listener and serves in the background.
func (g *Gateway) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/command", g.handleCommand)
	router.GET("/events", g.handleEvents)

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.ln = ln
	g.server = &http.Server{Handler: router}
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Warn("gateway server exited", zap.Error(err))
		}
	}()
	g.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when the configured port is zero.
func (g *Gateway) Addr() net.Addr { return g.ln.Addr() }

func (g *Gateway) handleCommand(c *gin.Context) {
	var cmd protocol.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed command: " + err.Error()})
		return
	}
	cmd.Type = protocol.MessageTypeCommand
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.New().String()
	}
	res := g.dispatcher.Dispatch(c.Request.Context(), &cmd)
	c.JSON(http.StatusOK, res)
}

// handleEvents upgrades to WebSocket and forwards every bus event until the
// client goes away.
func (g *Gateway) handleEvents(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	frames := make(chan *protocol.Event, 128)
	sub, err := g.bus.Subscribe(events.WildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		nodeID, _ := ev.Data["node_id"].(string)
		select {
		case frames <- protocol.NewEvent(ev.Type, nodeID, ev.Data):
		default:
			g.logger.Debug("websocket event dropped, consumer too slow",
				zap.String("event_type", ev.Type))
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("event subscription failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	// Reads only serve to detect the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// Close shuts the HTTP server down, dropping open WebSocket streams.
func (g *Gateway) Close(ctx context.Context) {
	if g.server == nil {
		return
	}
	if err := g.server.Shutdown(ctx); err != nil {
		_ = g.server.Close()
	}
}
