// Package gatewayhttp exposes the worker pool over three HTTP
// surfaces: a direct session/task API, an OpenAI-compatible chat
// completions endpoint, and an Anthropic-compatible messages endpoint.
// The teacher's retrieved source never shows its own server.NewServer
// bootstrap (only the caller in cmd/divinesense/main.go), so this
// file's routing is grounded on the middleware idioms it does show
// (echo.Group, middleware.CORS, echo.WrapHandler) rather than a
// literal file-for-file copy.
package gatewayhttp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hrygo/ccgateway/internal/config"
	"github.com/hrygo/ccgateway/internal/metrics"
	"github.com/hrygo/ccgateway/internal/pool"
	"github.com/hrygo/ccgateway/internal/sessionstore"
	"github.com/hrygo/ccgateway/internal/taskstore"
)

// Server wires the HTTP surface to the dispatch engine.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg      config.Config
	pool     *pool.Pool
	sessions *sessionstore.Store
	tasks    *taskstore.Store
	executor *taskstore.Executor
	metrics  *metrics.Registry
	log      *slog.Logger
}

// New assembles the echo router and registers every route. It does
// not start listening; call Start for that.
func New(
	cfg config.Config,
	p *pool.Pool,
	sessions *sessionstore.Store,
	tasks *taskstore.Store,
	executor *taskstore.Executor,
	reg *metrics.Registry,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		pool:     p,
		sessions: sessions,
		tasks:    tasks,
		executor: executor,
		metrics:  reg,
		log:      log,
	}

	e.GET("/healthz", s.getHealthz)
	e.GET("/readyz", s.getReadyz)
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/sessions/messages", s.postDirectMessage)
	v1.POST("/sessions/:id/messages", s.postDirectMessage)
	v1.GET("/sessions", s.listDirectSessions)
	v1.DELETE("/sessions/:id", s.deleteDirectSession)

	v1.POST("/tasks", s.postTasks)
	v1.GET("/tasks/:id", s.getTask)
	v1.DELETE("/tasks/:id", s.deleteTask)

	v1.POST("/chat/completions", s.postChatCompletions)
	v1.POST("/messages", s.postAnthropicMessages)

	s.http = &http.Server{
		Addr:    net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port)),
		Handler: h2c.NewHandler(e, &http2.Server{}),
	}
	return s
}

// Start begins serving and blocks until the listener stops. Callers
// typically run it in a goroutine and use Shutdown to stop it.
func (s *Server) Start() error {
	s.log.Info("gatewayhttp: listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight HTTP requests (but not the worker pool,
// which callers drain separately via Pool.Shutdown) and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
