package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/template"
	"github.com/aretw0/lattice/pkg/wire"
)

// maxBodyBytes bounds invocation request bodies.
const maxBodyBytes = 1 << 20

// SessionStreamer streams one session over the request connection.
type SessionStreamer interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Server exposes a session.Manager over HTTP.
type Server struct {
	Manager *session.Manager
	Stream  SessionStreamer
	Metrics prometheus.Gatherer
	Version string
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStream mounts a streamer on GET /sessions/{sid}/stream.
func WithStream(s SessionStreamer) Option {
	return func(srv *Server) {
		srv.Stream = s
	}
}

// WithMetrics exposes the gatherer on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(srv *Server) {
		srv.Metrics = g
	}
}

// WithVersion sets the version reported by GET /info.
func WithVersion(v string) Option {
	return func(srv *Server) {
		srv.Version = v
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// NewHandler creates the HTTP handler for the manager.
func NewHandler(m *session.Manager, opts ...Option) http.Handler {
	s := &Server{
		Manager: m,
		Version: "dev",
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/templates", s.ListTemplates)
	r.Get("/templates/{id}", s.GetTemplate)
	r.Get("/sessions", s.ListSessions)
	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Post("/", s.OpenSession)
		r.Delete("/", s.CloseSession)
		r.Get("/snapshot", s.Snapshot)
		r.Post("/invocations", s.Invoke)
		if s.Stream != nil {
			r.Get("/stream", s.StreamSession)
		}
	})
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"app":       "lattice-http",
		"version":   s.Version,
		"sessions":  len(s.Manager.List()),
		"templates": s.Manager.Templates().Len(),
	})
}

// ListTemplates handles GET /templates.
func (s *Server) ListTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.Manager.Templates().Descriptors())
}

// GetTemplate handles GET /templates/{id}.
func (s *Server) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: template id %q", wire.ErrMalformed, chi.URLParam(r, "id")))
		return
	}
	c, err := s.Manager.Templates().Get(id)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("template %d: %w", id, domain.ErrTemplateNotFound))
		return
	}
	s.writeJSON(w, r, http.StatusOK, c.Descriptor())
}

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string][]string{"sessions": s.Manager.List()})
}

// OpenSession handles POST /sessions/{sid}.
func (s *Server) OpenSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	sess, err := s.Manager.Open(r.Context(), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]any{
		"session_id": sess.ID(),
		"epoch":      sess.Epoch(),
		"seq":        sess.Seq(),
	})
}

// CloseSession handles DELETE /sessions/{sid}.
func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Close(r.Context(), chi.URLParam(r, "sid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Snapshot handles GET /sessions/{sid}/snapshot. It starts a new epoch and
// returns its full-state dump.
func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	b, err := s.Manager.Resync(r.Context(), chi.URLParam(r, "sid"), "snapshot")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBatch(w, r, b)
}

// Invoke handles POST /sessions/{sid}/invocations. The body is a JSON array of
// invocations; the reply is the delta they produced, or 204 when nothing changed.
func (s *Server) Invoke(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	var msgs []wire.InvocationMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msgs); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", wire.ErrMalformed, err))
		return
	}
	invs, err := wire.DecodeInvocations(msgs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, flushed, err := s.Manager.Invoke(r.Context(), sid, invs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !flushed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeBatch(w, r, b)
}

// StreamSession handles GET /sessions/{sid}/stream.
func (s *Server) StreamSession(w http.ResponseWriter, r *http.Request) {
	s.Stream.ServeSession(w, r, chi.URLParam(r, "sid"))
}

func (s *Server) writeBatch(w http.ResponseWriter, r *http.Request, b domain.Batch) {
	data, err := wire.MarshalBatch(b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "request_id", middleware.GetReqID(r.Context()), "err", err}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request rejected", attrs...)
	}
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTemplateRebind):
		return http.StatusConflict
	case errors.Is(err, wire.ErrMalformed),
		errors.Is(err, domain.ErrInvalidValue),
		errors.Is(err, domain.ErrUnknownHandler),
		errors.Is(err, domain.ErrIndexOutOfRange),
		errors.Is(err, template.ErrInvalidDescriptor):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
