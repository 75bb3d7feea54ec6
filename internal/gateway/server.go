// Package gateway serves the administrative HTTP surface: guardrail
// configuration, policy YAML, pending approvals, the decision log, and the
// WebSocket event feed the admin UI subscribes to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/guardrails"
	"github.com/aymenfurter/toolgate/internal/hitl"
	"github.com/aymenfurter/toolgate/internal/observability"
	"github.com/aymenfurter/toolgate/internal/policy"
	"github.com/aymenfurter/toolgate/internal/shield"
)

// ShieldChecker is the slice of the shield client the gateway uses for the
// dry-run endpoint.
type ShieldChecker interface {
	Configured() bool
	DryRun(ctx context.Context) shield.Result
}

// Server is the admin gateway.
type Server struct {
	host         string
	port         int
	store        *guardrails.Store
	interceptors map[policy.Context]*hitl.Interceptor
	auditLog     *audit.Store
	shield       ShieldChecker
	voiceWebhook http.HandlerFunc
	hub          *Hub
	tracer       *observability.Tracer
	logger       *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// Option configures the server.
type Option func(*Server)

// WithShield attaches the shield client for the dry-run endpoint.
func WithShield(s ShieldChecker) Option {
	return func(srv *Server) { srv.shield = s }
}

// WithAuditLog attaches the decision log.
func WithAuditLog(store *audit.Store) Option {
	return func(srv *Server) { srv.auditLog = store }
}

// WithVoiceWebhook mounts the PITL callback handler at /voice/webhook.
func WithVoiceWebhook(h http.HandlerFunc) Option {
	return func(srv *Server) { srv.voiceWebhook = h }
}

// WithTracer enables a span per admin request.
func WithTracer(t *observability.Tracer) Option {
	return func(srv *Server) { srv.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) { srv.logger = logger.With("component", "gateway") }
}

// New creates the admin gateway. Interceptors are keyed by execution
// context; approval endpoints fan out across all of them.
func New(host string, port int, store *guardrails.Store, interceptors map[policy.Context]*hitl.Interceptor, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		store:        store,
		interceptors: interceptors,
		logger:       slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	return s
}

// Hub returns the WebSocket hub. Its Emit method satisfies the
// interceptor's emitter binding.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.hub.handleUpgrade)

	mux.HandleFunc("/api/guardrails/config", s.handleConfig)
	mux.HandleFunc("/api/guardrails/policy-yaml", s.handlePolicyYAML)
	mux.HandleFunc("/api/guardrails/preset/", s.handlePreset)
	mux.HandleFunc("/api/guardrails/pending", s.handlePending)
	mux.HandleFunc("/api/guardrails/decisions", s.handleDecisions)
	mux.HandleFunc("/api/guardrails/shield/dry-run", s.handleShieldDryRun)
	mux.HandleFunc("/api/approvals/", s.handleResolveApproval)

	if s.voiceWebhook != nil {
		mux.HandleFunc("/voice/webhook", s.voiceWebhook)
	}

	return s.withRequestLogging(mux)
}

// Start begins serving. Non-blocking; the listener error surfaces here and
// serve errors are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.logger.Info("admin gateway listening", "addr", addr)
	return nil
}

// Shutdown stops the server and closes all WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
