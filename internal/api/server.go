// Package api exposes the read-only operator surface: liveness, the full
// status snapshot and a server-sent event feed of bus traffic.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/orchestrator"
)

// HealthReporter is satisfied by *orchestrator.Orchestrator.
type HealthReporter interface {
	Health() orchestrator.Health
}

type Config struct {
	Addr   string
	Health HealthReporter
	Bus    *bus.Bus
	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	router chi.Router

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	// streams is the base context of every request; Shutdown cancels it so
	// open event streams end instead of holding the server open.
	streams    context.Context
	stopStream context.CancelFunc
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg}
	s.streams, s.stopStream = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background. The bound address
// is available from Addr once Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.streams },
	}
	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.cfg.Logger.Info("api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown ends open event streams, then stops accepting requests and
// waits for in-flight ones within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStream()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h := s.cfg.Health.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]any{
		"healthy":        h.Healthy,
		"state":          h.State,
		"uptime_seconds": h.UptimeSeconds,
		"queue_depth":    h.QueueDepth,
		"active_workers": h.ActiveWorkers,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, s.cfg.Health.Health())
}

type sseEvent struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleEvents streams bus events as SSE. The optional "prefix" query
// parameter narrows the topics and takes a comma-separated list, e.g.
// ?prefix=query.,steady. Each event's id is the bus sequence number.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		Error(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("prefix"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	sub := s.cfg.Bus.Subscribe(prefixes...)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			s.cfg.Logger.Warn("sse: slow client missed events", "dropped", n, "remote", r.RemoteAddr)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(sseEvent{Seq: ev.Seq, Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			if err != nil {
				s.cfg.Logger.Warn("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
