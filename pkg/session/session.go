package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/template"
	"github.com/aretw0/lattice/pkg/tree"
)

// Session is the authority side of one UI: it owns a state tree and numbers
// the batches flushed from it.
type Session struct {
	id        string
	tree      *tree.Tree
	templates *template.Registry

	mu    sync.Mutex // orders flushes and resyncs
	epoch string
	seq   uint64

	publisher ports.BatchPublisher
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
}

func newSession(id string, m *Manager) *Session {
	logger := m.logger.With("session_id", id)
	return &Session{
		id:        id,
		tree:      tree.New(tree.WithLogger(logger)),
		templates: m.templates,
		epoch:     ulid.Make().String(),
		publisher: m.publisher,
		hooks:     m.hooks,
		logger:    logger,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Tree returns the state tree. Mutations must go through Update.
func (s *Session) Tree() *tree.Tree {
	return s.tree
}

// Templates returns the template registry shared with renderers.
func (s *Session) Templates() *template.Registry {
	return s.templates
}

// Epoch returns the current connection epoch.
func (s *Session) Epoch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Seq returns the sequence number of the last batch.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Update runs fn inside the tree's write context.
func (s *Session) Update(ctx context.Context, fn func(*tree.Tree) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.tree.Write(func() error {
		return fn(s.tree)
	})
}

// HandleFunc registers a server handler reachable from template expressions.
func (s *Session) HandleFunc(name string, fn tree.EventFunc) {
	s.tree.HandleFunc(name, fn)
}

// Flush drains the pending changes into the next delta batch and publishes it.
// It reports false when nothing changed.
func (s *Session) Flush(ctx context.Context) (domain.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := s.tree.Flush()
	if len(changes) == 0 {
		return domain.Batch{}, false
	}
	s.seq++
	b := domain.Batch{Epoch: s.epoch, Seq: s.seq, Changes: changes}

	s.logger.Debug("batch flushed", "epoch", b.Epoch, "seq", b.Seq, "changes", len(changes))
	if s.hooks.OnFlush != nil {
		s.hooks.OnFlush(ctx, &domain.FlushEvent{
			EventBase: s.base(domain.EventFlush),
			Epoch:     b.Epoch,
			Seq:       b.Seq,
			Changes:   len(changes),
		})
	}
	s.publish(ctx, b)
	return b, true
}

// Resync starts a new epoch with a full-state dump of the tree and publishes
// it. Pending changes are folded into the dump.
func (s *Session) Resync(ctx context.Context, reason string) domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch = ulid.Make().String()
	s.seq = 1
	b := domain.Batch{Epoch: s.epoch, Seq: s.seq, Full: true, Changes: s.tree.Resync()}

	s.logger.Info("session resynchronized", "epoch", b.Epoch, "reason", reason, "changes", len(b.Changes))
	if s.hooks.OnResync != nil {
		s.hooks.OnResync(ctx, &domain.ResyncEvent{
			EventBase: s.base(domain.EventResync),
			Epoch:     b.Epoch,
			Nodes:     s.tree.Len(),
			Changes:   len(b.Changes),
			Reason:    reason,
		})
	}
	s.publish(ctx, b)
	return b
}

// Invoke applies renderer invocations in order under one write context.
// Invocations addressing nodes that are gone are skipped; any other failure
// stops the run and is returned.
func (s *Session) Invoke(ctx context.Context, invs []domain.Invocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.tree.Write(func() error {
		for i, inv := range invs {
			err := s.tree.DispatchEvent(inv)
			s.invoked(ctx, inv, err)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNodeNotFound):
				s.logger.Debug("invocation for missing node skipped", "node_id", inv.NodeID, "kind", inv.Kind)
			default:
				return fmt.Errorf("invocation %d (%s on node %d): %w", i, inv.Kind, inv.NodeID, err)
			}
		}
		return nil
	})
}

func (s *Session) invoked(ctx context.Context, inv domain.Invocation, err error) {
	if s.hooks.OnInvocation == nil {
		return
	}
	s.hooks.OnInvocation(ctx, &domain.InvocationEvent{
		EventBase: s.base(domain.EventInvocation),
		NodeID:    inv.NodeID,
		Kind:      inv.Kind,
		Event:     inv.Event,
		Handler:   inv.Handler,
		IsError:   err != nil,
	})
}

func (s *Session) publish(ctx context.Context, b domain.Batch) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.id, b); err != nil {
		s.logger.Warn("failed to publish batch", "epoch", b.Epoch, "seq", b.Seq, "err", err)
	}
}

func (s *Session) base(t domain.EventType) domain.EventBase {
	return domain.EventBase{Timestamp: time.Now(), Type: t, SessionID: s.id}
}
