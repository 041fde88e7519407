// Package http serves the ingest API: message intake, buffer inspection,
// operator flush, job listing and the coordinator event stream.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// Coordinator is the slice of *coordinator.Coordinator the API drives.
type Coordinator interface {
	AddMessage(ctx context.Context, key, agentID, text string, metadata map[string]string) error
	DrainAndDispatch(ctx context.Context, key string) (*coordinator.DispatchOutcome, error)
	PendingTrigger(key string) (string, bool)
}

// Server is the ingest HTTP server.
type Server struct {
	cfg     config.GatewayConfig
	coord   Coordinator
	buffers store.BufferStore
	admin   store.JobAdmin // nil when the queue keeps no job rows
	events  bus.EventPublisher
	logger  *slog.Logger

	limiter  *RateLimiter
	dedupe   *bus.DedupeCache
	upgrader websocket.Upgrader

	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithJobAdmin enables GET /v1/jobs.
func WithJobAdmin(a store.JobAdmin) Option { return func(s *Server) { s.admin = a } }

// WithEvents sets the publisher behind GET /ws.
func WithEvents(e bus.EventPublisher) Option { return func(s *Server) { s.events = e } }

// NewServer creates the ingest server.
func NewServer(cfg config.GatewayConfig, coord Coordinator, buffers store.BufferStore, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		buffers: buffers,
		events:  bus.Nop{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.MaxMessageChars <= 0 {
		s.cfg.MaxMessageChars = 32000
	}
	s.limiter = NewRateLimiter(cfg.RateLimitRPM, 10)
	s.dedupe = bus.NewDedupeCache(cfg.DedupeWindow(), 5000)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates WebSocket origins against the allowed list.
// No configured origins, or no Origin header (non-browser clients), is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("security.cors_rejected", "origin", origin)
	return false
}

// Handler builds (once) and returns the router.
func (s *Server) Handler() http.Handler {
	if s.router != nil {
		return s.router
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	origins := []string(s.cfg.AllowedOrigins)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.With(s.auth).Get("/ws", s.handleWebSocket)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.With(s.rateLimit).Post("/messages", s.handleAddMessage)
		r.Get("/buffers/{key}", s.handleGetBuffer)
		r.Post("/buffers/{key}/flush", s.handleFlush)
		r.Get("/jobs", s.handleListJobs)
	})

	s.router = r
	return r
}

// auth enforces the gateway bearer token when one is configured. The event
// stream also accepts ?token= since browsers cannot set headers on upgrades.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := extractBearerToken(r)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so hijacked event streams close too.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("http: ingest api listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
