package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type subscriber struct {
	ch   chan domain.Batch
	done chan struct{}
}

// Broker implements ports.BatchBroker in process. A subscriber that falls a
// full buffer behind loses batches; the sequence gap makes its renderer
// resynchronize.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		b.buffer = n
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: DefaultBuffer,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands the batch to every subscriber of the session without blocking.
func (b *Broker) Publish(ctx context.Context, sessionID string, batch domain.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- batch:
		default:
			b.logger.Warn("subscriber too slow, batch dropped", "session_id", sessionID, "epoch", batch.Epoch, "seq", batch.Seq)
		}
	}
	return nil
}

// Subscribe registers a subscriber for the session.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Batch, func(), error) {
	sub := &subscriber{ch: make(chan domain.Batch, b.buffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], sub)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(sub.ch)
			close(sub.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of subscribers of the session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
