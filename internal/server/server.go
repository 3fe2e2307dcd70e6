package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dandori/internal/auth"
	"github.com/ashita-ai/dandori/internal/engine"
	"github.com/ashita-ai/dandori/internal/registry"
)

// Server is the Dandori HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Tokens, Pinger, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Engine   *engine.Engine
	Registry *registry.Registry
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Tokens               *auth.TokenManager
	RequireApproverToken bool
	Pinger               Pinger
	MCPServer            *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	// APIKeyHash is the Argon2id hash of the API key; empty disables auth.
	APIKeyHash string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:               cfg.Engine,
		Registry:             cfg.Registry,
		Tokens:               cfg.Tokens,
		RequireApproverToken: cfg.RequireApproverToken,
		Pinger:               cfg.Pinger,
		Logger:               cfg.Logger,
		Version:              cfg.Version,
		MaxRequestBodyBytes:  cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Thread surface: approval, resume, status.
	mux.HandleFunc("POST /v1/threads/{thread_id}/approval", h.HandleApproval)
	mux.HandleFunc("POST /v1/threads/{thread_id}/resume", h.HandleResume)
	mux.HandleFunc("GET /v1/threads/{thread_id}", h.HandleGetThread)

	// Tool registry.
	mux.HandleFunc("POST /v1/tools", h.HandleRegisterTool)
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = apiKeyMiddleware(cfg.APIKeyHash, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
