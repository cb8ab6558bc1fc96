package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// BatchPublisher receives every batch a session flushes.
type BatchPublisher interface {
	Publish(ctx context.Context, sessionID string, b domain.Batch) error
}

// BatchSubscriber streams the batches published for one session.
type BatchSubscriber interface {
	// Subscribe returns a channel of batches in publish order. The channel is
	// closed when ctx is done or the returned cancel func is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.Batch, func(), error)
}

// BatchBroker is a publisher whose batches can be subscribed to.
type BatchBroker interface {
	BatchPublisher
	BatchSubscriber
}
