// Package control exposes the debug server to an operator over a small JSON HTTP API:
// starting and stopping the listener, listing and messaging clients, and reading the journal.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sateffen/tcpdebug/operator"
	"github.com/sateffen/tcpdebug/server"
)

const shutdownTimeout = time.Second

// Controller is the part of *server.Server the API drives.
type Controller interface {
	Start(port int) error
	Stop() error
	IsRunning() bool
	Addr() string
	ConnectionCount() int
	Clients() []server.ClientInfo
	Client(id uuid.UUID) (server.ClientInfo, bool)
	Send(id uuid.UUID, text string) bool
	Broadcast(text string) (int, []server.ClientInfo)
}

// EventLog is the part of *operator.Operator the API reports to and reads from.
type EventLog interface {
	Info(text string)
	Warn(text string)
	RecordSent(client server.ClientInfo, text string)
	RecordSendFailure(client server.ClientInfo)
	Entries(limit int) []operator.Entry
}

type Config struct {
	ListenAddr string
	// SendRate limits the send and broadcast routes in requests per second. Zero disables
	// the limit.
	SendRate   float64
	SendBurst  int
	Controller Controller
	EventLog   EventLog
}

// Server serves the control API.
type Server struct {
	cfg    Config
	router *chi.Mux
}

func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("control api needs a controller")
	}
	if cfg.EventLog == nil {
		return nil, errors.New("control api needs an event log")
	}

	s := &Server{cfg: cfg}
	s.router = s.routes()

	return s, nil
}

// Router returns the underlying router, useful for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) sendLimiter() *rate.Limiter {
	if s.cfg.SendRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := s.cfg.SendBurst
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(s.cfg.SendRate), burst)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("can't listen on \"%s\": %w", s.cfg.ListenAddr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done. It returns nil after a shutdown triggered
// by ctx.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	served := make(chan struct{})
	defer close(served)

	go func() {
		select {
		case <-ctx.Done():
		case <-served:
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("could not shut down control api", slog.Any("error", err))
		}
	}()

	slog.Info("control api listening", slog.String("addr", listener.Addr().String()))

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control api failed: %w", err)
	}

	return nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/connections", s.connections)
		r.Get("/log", s.log)
		r.Post("/server/start", s.startServer)
		r.Post("/server/stop", s.stopServer)

		r.Group(func(r chi.Router) {
			r.Use(limitRequests(s.sendLimiter()))
			r.Post("/connections/{id}/send", s.send)
			r.Post("/broadcast", s.broadcast)
		})
	})

	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Debug(
			"control request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func limitRequests(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
