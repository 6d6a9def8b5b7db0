// ABOUTME: Gateway orchestrator that owns the HTTP server and its collaborators
// ABOUTME: Manages listener, routes, graceful shutdown and the health endpoint

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"tailscale.com/tsnet"

	"github.com/2389/ant-gateway/internal/auth"
	"github.com/2389/ant-gateway/internal/config"
	"github.com/2389/ant-gateway/internal/conversation"
	"github.com/2389/ant-gateway/internal/dedupe"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/store"
)

const (
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 5 * time.Second

	// Idempotency keys on /ask are remembered this long.
	replayWindow   = 10 * time.Minute
	replayCapacity = 10_000
)

// BalanceReader reads the wallet balance. metering.Meter satisfies it.
type BalanceReader interface {
	Balance(ctx context.Context) (metering.Snapshot, error)
}

// Gateway serves the HTTP API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	service     *conversation.Service
	balance     BalanceReader
	markdown    goldmark.Markdown
	replays     *dedupe.Cache
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// New creates a Gateway with every collaborator built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := build(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithComponents(cfg, c, logger)
}

// NewWithComponents creates a Gateway serving already built collaborators.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if c.Service == nil {
		return nil, errors.New("conversation service is required")
	}
	if c.Balance == nil {
		return nil, errors.New("balance reader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:    cfg,
		store:     c.Store,
		service:   c.Service,
		balance:   c.Balance,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		replays:   dedupe.New(replayWindow, replayCapacity, time.Minute),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/health", gw.handleHealth)

	// API endpoints - auth required if JWT secret is configured
	if c.Verifier != nil {
		gw.logger.Info("API authentication enabled (JWT)")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}
	authMiddleware := auth.HTTPAuthMiddleware(c.Verifier, logger)
	mux.Handle("/ask", authMiddleware(http.HandlerFunc(gw.handleAsk)))
	mux.Handle("/balance", authMiddleware(http.HandlerFunc(gw.handleBalance)))
	mux.Handle("/get_balance", authMiddleware(http.HandlerFunc(gw.handleBalance)))
	mux.Handle("/sessions", authMiddleware(http.HandlerFunc(gw.handleSessions)))
	mux.Handle("/sessions/{id}", authMiddleware(http.HandlerFunc(gw.handleSession)))
	mux.Handle("/sessions/{id}/tools", authMiddleware(http.HandlerFunc(gw.handleAddTool)))
	mux.Handle("/sessions/{id}/turns", authMiddleware(http.HandlerFunc(gw.handleTurns)))
	mux.Handle("/sessions/{id}/events", authMiddleware(http.HandlerFunc(gw.handleEvents)))
	mux.Handle("/sessions/{id}/acquisitions", authMiddleware(http.HandlerFunc(gw.handleAcquisitions)))
	mux.Handle("/turns/{id}", authMiddleware(http.HandlerFunc(gw.handleTurn)))
	mux.Handle("/stats", authMiddleware(http.HandlerFunc(gw.handleStats)))

	addr := config.DefaultHTTPAddr
	if cfg != nil && cfg.Server.HTTPAddr != "" {
		addr = cfg.Server.HTTPAddr
	}
	gw.httpServer = &http.Server{
		Addr:              addr,
		Handler:           gw.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler with every route registered.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.replays.Close()
	if events := g.service.Events(); events != nil {
		events.Close()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale close", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errors.Join(errs...)
}

// handleHealth reports liveness and the number of live sessions.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.service.Sessions().Len(),
		"uptime":   time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests logs each request at debug level.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		g.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
