package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/wire"
)

// Broker implements ports.BatchBroker on Redis pub/sub, so a renderer can
// stream a session from any replica.
type Broker struct {
	client *backend.Client
	prefix string
	buffer int
	logger *slog.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerPrefix sets the channel prefix.
func WithBrokerPrefix(prefix string) BrokerOption {
	return func(b *Broker) {
		b.prefix = prefix
	}
}

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker on client.
func NewBroker(client *backend.Client, opts ...BrokerOption) *Broker {
	b := &Broker{
		client: client,
		prefix: DefaultPrefix,
		buffer: 64,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) channel(sessionID string) string {
	return b.prefix + "batches:" + sessionID
}

// Publish sends the wire-encoded batch to the session channel.
func (b *Broker) Publish(ctx context.Context, sessionID string, batch domain.Batch) error {
	data, err := wire.MarshalBatch(batch)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish batch to redis: %w", err)
	}
	return nil
}

// Subscribe returns the batches published for the session after the
// subscription is confirmed.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Batch, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to redis: %w", err)
	}

	out := make(chan domain.Batch, b.buffer)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				b.logger.Debug("closing redis subscription", "session_id", sessionID, "err", err)
			}
		})
	}

	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				batch, err := decodeBatch(msg.Payload)
				if err != nil {
					b.logger.Warn("dropping undecodable batch", "session_id", sessionID, "err", err)
					continue
				}
				select {
				case out <- batch:
				default:
					b.logger.Warn("subscriber too slow, batch dropped", "session_id", sessionID, "epoch", batch.Epoch, "seq", batch.Seq)
				}
			}
		}
	}()
	return out, cancel, nil
}

func decodeBatch(payload string) (domain.Batch, error) {
	env, err := wire.Unmarshal([]byte(payload))
	if err != nil {
		return domain.Batch{}, err
	}
	if env.Kind != wire.KindBatch {
		return domain.Batch{}, fmt.Errorf("%w: unexpected %s envelope", wire.ErrMalformed, env.Kind)
	}
	return env.Batch.Batch()
}
