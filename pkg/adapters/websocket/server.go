// Package websocket streams sessions over gorilla/websocket.
//
// The Server runs on the authority: each connection is subscribed to the
// session's batches, receives the template set and a full-state dump, and
// sends invocations back. The Client runs next to a renderer.Applier and keeps
// it connected, reconnecting with exponential backoff.
//
// Every frame is a text message carrying one wire.Envelope.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/wire"
)

// Settings bounds the timing of a connection.
type Settings struct {
	WriteTimeout time.Duration
	// PingInterval is how often the server pings an idle connection.
	PingInterval time.Duration
	// ReadTimeout must be longer than PingInterval.
	ReadTimeout time.Duration
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// Server is the authority side of the stream.
type Server struct {
	manager    *session.Manager
	subscriber ports.BatchSubscriber
	upgrader   gorilla.Upgrader
	settings   Settings
	logger     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerSettings overrides the connection timing.
func WithServerSettings(settings Settings) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

// WithCheckOrigin sets the upgrade origin check. The default accepts same-host origins only.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer creates a stream server. The manager must publish its batches to
// subscriber, otherwise connections only ever see their initial dump.
func NewServer(manager *session.Manager, subscriber ports.BatchSubscriber, opts ...ServerOption) *Server {
	s := &Server{
		manager:    manager,
		subscriber: subscriber,
		settings:   DefaultSettings(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP streams the session named by the "session" query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}
	s.ServeSession(w, r, sessionID)
}

// ServeSession upgrades the request and streams sessionID until either side
// closes. The session is opened when it does not exist yet.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := s.manager.Open(ctx, sessionID); err != nil {
		s.logger.Error("stream: failed to open session", "session_id", sessionID, "err", err)
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("stream: upgrade failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.Close()

	batches, unsubscribe, err := s.subscriber.Subscribe(ctx, sessionID)
	if err != nil {
		s.logger.Error("stream: failed to subscribe", "session_id", sessionID, "err", err)
		return
	}
	defer unsubscribe()

	templates, err := wire.MarshalTemplates(s.manager.Templates().Descriptors())
	if err != nil {
		s.logger.Error("stream: failed to encode templates", "session_id", sessionID, "err", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := conn.WriteMessage(gorilla.TextMessage, templates); err != nil {
		s.logger.Info("stream: write error", "session_id", sessionID, "err", err)
		return
	}

	s.logger.Info("stream connected", "session_id", sessionID, "remote", r.RemoteAddr)
	defer s.logger.Info("stream disconnected", "session_id", sessionID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing unblocks the reader.
		defer conn.Close()
		defer cancel()
		s.write(ctx, conn, sessionID, batches)
	}()

	// The dump reaches this connection through the subscription like any
	// other batch, so it is ordered with the deltas around it.
	if _, err := s.manager.Resync(ctx, sessionID, "connect"); err != nil {
		s.logger.Error("stream: initial resync failed", "session_id", sessionID, "err", err)
		return
	}

	s.read(ctx, conn, sessionID)
	cancel()
	<-writerDone
}

// write forwards batches until ctx is done. Deltas published before the
// connection's first full dump belong to an older epoch and are skipped.
func (s *Server) write(ctx context.Context, conn *gorilla.Conn, sessionID string, batches <-chan domain.Batch) {
	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()

	synced := false
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			if !b.Full && !synced {
				continue
			}
			synced = true
			data, err := wire.MarshalBatch(b)
			if err != nil {
				s.logger.Error("stream: failed to encode batch", "session_id", sessionID, "epoch", b.Epoch, "seq", b.Seq, "err", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.WriteMessage(gorilla.TextMessage, data); err != nil {
				s.logger.Info("stream: write error", "session_id", sessionID, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				s.logger.Info("stream: ping failed", "session_id", sessionID, "err", err)
				return
			}
		}
	}
}

// read applies incoming envelopes until the connection fails.
func (s *Server) read(ctx context.Context, conn *gorilla.Conn, sessionID string) {
	conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				s.logger.Info("stream: read error", "session_id", sessionID, "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		if messageType != gorilla.TextMessage {
			continue
		}

		env, err := wire.Unmarshal(message)
		if err != nil {
			s.logger.Warn("stream: dropping malformed message", "session_id", sessionID, "err", err)
			continue
		}
		switch env.Kind {
		case wire.KindInvocations:
			invs, err := wire.DecodeInvocations(env.Invocations)
			if err != nil {
				s.logger.Warn("stream: dropping malformed invocations", "session_id", sessionID, "err", err)
				continue
			}
			if _, _, err := s.manager.Invoke(ctx, sessionID, invs); err != nil {
				if errors.Is(err, domain.ErrSessionNotFound) {
					s.logger.Info("stream: session closed", "session_id", sessionID)
					return
				}
				s.logger.Warn("stream: invocation failed", "session_id", sessionID, "err", err)
			}
		case wire.KindResync:
			s.logger.Info("stream: resync requested", "session_id", sessionID, "reason", env.Reason)
			reason := env.Reason
			if reason == "" {
				reason = "renderer"
			}
			if _, err := s.manager.Resync(ctx, sessionID, reason); err != nil {
				s.logger.Warn("stream: resync failed", "session_id", sessionID, "err", err)
				if errors.Is(err, domain.ErrSessionNotFound) {
					return
				}
			}
		default:
			s.logger.Debug("stream: ignoring message", "session_id", sessionID, "kind", env.Kind)
		}
	}
}
