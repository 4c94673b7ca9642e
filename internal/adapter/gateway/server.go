// Package gateway is the HTTP surface of chatstream: request submission,
// retry, version selection, abort, and event subscription over SSE or
// WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"chatstream/internal/domain"
	"chatstream/internal/infra/middleware"
	"chatstream/internal/usecase"
	"chatstream/internal/usecase/broadcast"
	"chatstream/internal/usecase/cancellation"
)

// ChatService is what the gateway needs from the request-handling core.
type ChatService interface {
	Submit(ctx context.Context, conversationID, requestID, content string) (usecase.Accepted, error)
	Retry(ctx context.Context, conversationID, messageKey, requestID string) (usecase.Accepted, error)
	Select(ctx context.Context, conversationID, messageKey string, index int) error
	Conversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	Abort(requestID string) cancellation.Result
	InFlight() int
}

// Subscriber attaches viewers to conversations.
type Subscriber interface {
	Subscribe(conversationID string, afterSeq uint64) (*broadcast.Subscription, error)
	Stats() broadcast.Stats
}

// Deps holds the collaborators of the gateway.
type Deps struct {
	Chat      ChatService
	Hub       Subscriber
	Registry  *cancellation.Registry // can be nil; only read for status
	Providers []string
	Tools     []string
	Logger    *slog.Logger
}

// Config tunes the HTTP server.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	RateLimiter       *middleware.RateLimiter // can be nil (no rate limit)
}

// Server serves the chatstream HTTP API.
type Server struct {
	deps      Deps
	cfg       Config
	logger    *slog.Logger
	startTime time.Time
	metrics   *Metrics

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		deps:      deps,
		cfg:       cfg,
		logger:    deps.Logger,
		startTime: time.Now(),
		metrics:   &Metrics{},
	}
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	limited := func(h http.HandlerFunc) http.Handler {
		if s.cfg.RateLimiter == nil {
			return h
		}
		return s.cfg.RateLimiter.Middleware(h)
	}

	mux.Handle("POST /api/v1/conversations/{conversationID}/messages", limited(s.handleSubmit))
	mux.Handle("POST /api/v1/conversations/{conversationID}/messages/{messageKey}/retry", limited(s.handleRetry))
	mux.HandleFunc("PUT /api/v1/conversations/{conversationID}/messages/{messageKey}/selection", s.handleSelect)
	mux.HandleFunc("GET /api/v1/conversations/{conversationID}", s.handleConversation)
	mux.HandleFunc("GET /api/v1/conversations/{conversationID}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/conversations/{conversationID}/ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/v1/stream/{requestID}/abort", s.handleAbort)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return middleware.Chain(mux,
		middleware.Recover(s.logger),
		middleware.RequestLogger(s.logger),
		middleware.SecurityHeaders,
	)
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server. Open subscriptions see their
// request context canceled through BaseContext.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
