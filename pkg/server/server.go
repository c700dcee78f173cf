// Package server exposes sessions, keyword execution and session event
// streams over HTTP, Server-Sent Events and WebSocket
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/executor"
	"github.com/devicelab-dev/optics-runner/pkg/session"
)

// Server implements the remote API over a session registry
type Server struct {
	reg     *session.Registry
	cfg     *config.ServerConfig
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	runners map[string]*executor.Runner
	sockets map[*Client]struct{}
}

const readHeaderTimeout = 10 * time.Second

// ErrRateLimited is returned when the global token bucket is empty
var ErrRateLimited = core.NewExecutionError(core.ErrCategorySession, "rate_limited", "too many requests")

// New creates a Server. A nil cfg uses the defaults
func New(reg *session.Registry, cfg *config.ServerConfig, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		reg:     reg,
		cfg:     cfg,
		log:     log,
		runners: map[string]*executor.Runner{},
		sockets: map[*Client]struct{}{},
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return s
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(*gin.Context, *slog.Logger) *slog.Logger {
			return s.log
		}),
	))
	router.Use(s.rateLimit)

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/v1")
	{
		v1.GET("/keywords", s.listKeywords)

		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.DELETE("/sessions/:id", s.deleteSession)

		v1.POST("/sessions/:id/actions", s.submitAction)
		v1.GET("/sessions/:id/executions", s.listExecutions)

		v1.GET("/sessions/:id/screenshot", s.getScreenshot)
		v1.GET("/sessions/:id/elements", s.getElements)
		v1.GET("/sessions/:id/source", s.getSource)

		v1.GET("/sessions/:id/events", s.streamEvents)
		v1.GET("/sessions/:id/ws", s.handleWebSocket)
	}

	return router
}

// ListenAndServe serves the API until ctx ends, then shuts down within
// the configured shutdown timeout. Open event streams end with ctx
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.CloseWebSockets()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) rateLimit(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.fail(c, ErrRateLimited)
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: len(s.reg.List()),
	})
}

func (s *Server) listKeywords(c *gin.Context) {
	c.JSON(http.StatusOK, KeywordsResponse{Keywords: executor.Keywords()})
}

// runner returns the session's Runner, creating it on first use. It is
// dropped when the session ends
func (s *Server) runner(sess *session.Session) *executor.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[sess.ID()]; ok {
		return r
	}
	r := executor.NewRunner(sess, executor.Options{ArtifactsDir: s.cfg.ArtifactsDir})
	s.runners[sess.ID()] = r
	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.runners, sess.ID())
		s.mu.Unlock()
	}()
	return r
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, c)
}

// CloseWebSockets closes all active WebSocket connections
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
