// Package ops serves the operational surface every binary exposes:
// liveness, prometheus metrics and a JSON status snapshot. The server
// is read-only; anything that mutates state stays on the CLI.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/metrics"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	Service      string        `yaml:"service"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig listens on :9090.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":9090",
		Service:      "marketflow",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StatusFunc returns one named section of the status document. It is
// called on every /status request, so it should be a cheap snapshot.
type StatusFunc func() any

// Server is the ops HTTP endpoint.
type Server struct {
	cfg    ServerConfig
	router *mux.Router
	srv    *http.Server
	start  time.Time

	mu       sync.RWMutex
	sections map[string]StatusFunc
}

// NewServer builds the router and handlers around the metrics registry.
func NewServer(cfg ServerConfig, m *metrics.Registry) *Server {
	def := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Service == "" {
		cfg.Service = def.Service
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		start:    time.Now(),
		sections: make(map[string]StatusFunc),
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Prometheus(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// SetStatus registers or replaces a named /status section.
func (s *Server) SetStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.sections, name)
		return
	}
	s.sections[name] = fn
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	log.Info().Str("addr", s.cfg.Addr).Str("service", s.cfg.Service).Msg("Ops server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops: serve: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("ops: shutdown: %w", err)
	}
	return nil
}

type healthDoc struct {
	Status    string  `json:"status"`
	Service   string  `json:"service"`
	UptimeSec float64 `json:"uptime_sec"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthDoc{
		Status:    "ok",
		Service:   s.cfg.Service,
		UptimeSec: time.Since(s.start).Seconds(),
	})
}

type statusDoc struct {
	Service   string         `json:"service"`
	Time      string         `json:"time"`
	UptimeSec float64        `json:"uptime_sec"`
	Sections  map[string]any `json:"sections,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sections := make(map[string]any, len(s.sections))
	for name, fn := range s.sections {
		sections[name] = fn()
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, statusDoc{
		Service:   s.cfg.Service,
		Time:      time.Now().UTC().Format(time.RFC3339),
		UptimeSec: time.Since(s.start).Seconds(),
		Sections:  sections,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Status encode failed")
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.New().String()[:8])
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("code", wrapper.code).
			Dur("took", time.Since(start)).
			Msg("Ops request")
	})
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}
