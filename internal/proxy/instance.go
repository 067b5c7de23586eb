package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/logger"
)

// Instance is one running side-server bound to one node.
type Instance struct {
	NodeID string
	Port   int
	Config Config

	server *http.Server
	logger *logger.Logger
}

// newInstance binds the port and starts serving. A bind failure is returned
// to the caller, which decides whether it is retryable.
func newInstance(nodeID string, port int, cfg Config, log *logger.Logger) (*Instance, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.UpstreamURL)
	}

	inst := &Instance{
		NodeID: nodeID,
		Port:   port,
		Config: cfg,
		logger: log.WithNodeID(nodeID),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": nodeID})
	})
	router.NoRoute(gin.WrapH(inst.reverseProxy(upstream)))

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	inst.server = &http.Server{Handler: router}
	go func() {
		if err := inst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			inst.logger.Warn("proxy server exited", zap.Error(err))
		}
	}()
	return inst, nil
}

// URL returns the local base URL clients point at instead of the provider.
func (i *Instance) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.Port)
}

// reverseProxy forwards everything to the upstream, injecting the API key
// and rewriting the model field of JSON request bodies when an override is
// configured.
func (i *Instance) reverseProxy(upstream *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = upstream.Host
		if i.Config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+i.Config.APIKey)
		}
		if i.Config.Model != "" && req.Body != nil {
			i.overrideModel(req)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		i.logger.Warn("proxy forward failed", zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream unreachable"})
	}
	return proxy
}

// overrideModel rewrites the model field in a JSON body. Bodies that are not
// JSON objects pass through untouched.
func (i *Instance) overrideModel(req *http.Request) {
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		req.Body = io.NopCloser(bytes.NewReader(nil))
		return
	}

	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		payload["model"] = i.Config.Model
		if rewritten, err := json.Marshal(payload); err == nil {
			body = rewritten
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// stop shuts the server down gracefully, forcing close after the timeout.
func (i *Instance) stop(timeout time.Duration) {
	if i.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := i.server.Shutdown(ctx); err != nil {
		_ = i.server.Close()
	}
}
