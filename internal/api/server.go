// Package api provides the HTTP server for ChatFlow.
//
// It exposes JSON endpoints to start and continue chat sessions, a websocket chat endpoint,
// and the Twilio inbound webhook that feeds the messaging dispatcher.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server defaults
const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// ChatEngine is the part of *flow.Engine the server drives.
type ChatEngine interface {
	Start(ctx context.Context, sessionID, flowName string, initial map[string]any) (*models.TurnResult, error)
	Continue(ctx context.Context, sessionID, text string) (*models.TurnResult, error)
	Inspect(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)
	Reset(ctx context.Context, sessionID string) (bool, error)
	Flows() []string
	Lookup(name string) (*flow.Flow, bool)
}

// InboundDeliverer accepts messages received by a webhook, e.g. *messaging.TwilioService.
type InboundDeliverer interface {
	Deliver(ctx context.Context, msg models.InboundMessage) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Twilio InboundDeliverer
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioInbound enables the Twilio webhook, delivering to d.
func WithTwilioInbound(d InboundDeliverer) Option {
	return func(o *Opts) {
		o.Twilio = d
	}
}

// WithAllowedOrigins restricts the origins allowed to open the chat websocket.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) {
		o.AllowedOrigins = origins
	}
}

// Server holds the engine and the router.
type Server struct {
	engine   ChatEngine
	twilio   InboundDeliverer
	addr     string
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer creates a Server and registers its routes.
func NewServer(engine ChatEngine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		engine: engine,
		twilio: cfg.Twilio,
		addr:   cfg.Addr,
		router: mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.routes()
	slog.Debug("NewServer created", "addr", s.addr, "twilio_webhook", s.twilio != nil)
	return s
}

func (s *Server) routes() {
	s.router.Use(requestLogger)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/flows", s.flowsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/chat/start", s.startHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/chat/message", s.messageHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/chat/sessions/{id}", s.getSessionHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/chat/sessions/{id}", s.deleteSessionHandler).Methods(http.MethodDelete)
	s.router.HandleFunc("/chat/ws", s.wsHandler).Methods(http.MethodGet)
	if s.twilio != nil {
		s.router.HandleFunc("/twilio/webhook", s.twilioWebhookHandler).Methods(http.MethodPost)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ChatFlow API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: HTTP server failed", "error", err)
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
			return err
		}
		return nil
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
