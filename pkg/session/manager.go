package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/template"
)

// DefaultLockTTL bounds how long a crashed replica can hold a session lock.
const DefaultLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// InitFunc builds the initial tree of a new session. It runs inside the write
// context, before any renderer sees the session.
type InitFunc func(ctx context.Context, s *Session) error

// Manager orchestrates session access, ensuring a single writer per session.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	mu       sync.Mutex            // Global lock for the maps
	locks    map[string]*lockEntry // Map of active locks
	sessions map[string]*Session

	templates *template.Registry
	publisher ports.BatchPublisher
	hooks     domain.LifecycleHooks
	init      InitFunc

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger // Logger for internal events (like deferred errors)
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the TTL of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTemplates sets the template registry shared by every session.
func WithTemplates(r *template.Registry) Option {
	return func(m *Manager) {
		m.templates = r
	}
}

// WithPublisher sets where flushed batches are published.
func WithPublisher(p ports.BatchPublisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLifecycleHooks registers observability hooks on every session.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(m *Manager) {
		m.hooks = m.hooks.Merge(hooks)
	}
}

// WithInit sets the function that mounts the application into new sessions.
func WithInit(fn InitFunc) Option {
	return func(m *Manager) {
		m.init = fn
	}
}

// NewManager creates a new Session Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:    make(map[string]*lockEntry),
		sessions: make(map[string]*Session),
		lockTTL:  DefaultLockTTL,
		logger:   logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.templates == nil {
		m.templates = template.NewRegistry(template.WithLogger(m.logger))
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after unlocking.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// Templates returns the shared template registry.
func (m *Manager) Templates() *template.Registry {
	return m.templates
}

// Open returns the session with the given id, creating and initializing it
// when it does not exist yet.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Session, error) {
	var s *Session
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		if existing, ok := m.lookup(sessionID); ok {
			s = existing
			return nil
		}

		created := newSession(sessionID, m)
		if m.init != nil {
			if err := m.init(ctx, created); err != nil {
				return fmt.Errorf("failed to initialize session %s: %w", sessionID, err)
			}
		}

		m.mu.Lock()
		m.sessions[sessionID] = created
		m.mu.Unlock()

		m.logger.Info("session opened", "session_id", sessionID, "epoch", created.Epoch())
		s = created
		return nil
	})
	return s, err
}

// Get returns an open session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return s, nil
}

func (m *Manager) lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close drops the session and its tree.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.sessions[sessionID]; !ok {
			return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
		}
		delete(m.sessions, sessionID)
		m.logger.Info("session closed", "session_id", sessionID)
		return nil
	})
}

// List returns the ids of the open sessions, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// WithLock executes a function while holding the lock for the session.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	// Distributed Locking
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Update runs fn on the tree of an open session under the session lock and
// flushes the result.
func (m *Manager) Update(ctx context.Context, sessionID string, fn func(*Session) error) (domain.Batch, bool, error) {
	var (
		b       domain.Batch
		flushed bool
	)
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		s, err := m.Get(sessionID)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		b, flushed = s.Flush(ctx)
		return nil
	})
	return b, flushed, err
}

// Invoke applies invocations to an open session under the session lock and
// flushes the resulting delta. Changes made before a failing invocation are
// still flushed.
func (m *Manager) Invoke(ctx context.Context, sessionID string, invs []domain.Invocation) (domain.Batch, bool, error) {
	var (
		b       domain.Batch
		flushed bool
	)
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		s, err := m.Get(sessionID)
		if err != nil {
			return err
		}
		invokeErr := s.Invoke(ctx, invs)
		b, flushed = s.Flush(ctx)
		return invokeErr
	})
	return b, flushed, err
}

// Resync starts a new epoch for an open session under the session lock.
func (m *Manager) Resync(ctx context.Context, sessionID, reason string) (domain.Batch, error) {
	var b domain.Batch
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		s, err := m.Get(sessionID)
		if err != nil {
			return err
		}
		b = s.Resync(ctx, reason)
		return nil
	})
	return b, err
}
