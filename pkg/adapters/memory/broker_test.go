package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
)

func TestBroker_FanOut(t *testing.T) {
	b := memory.NewBroker()
	ctx := context.Background()

	a, cancelA, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	c, cancelC, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, cancelOther, err := b.Subscribe(ctx, "s2")
	require.NoError(t, err)
	defer cancelOther()
	assert.Equal(t, 2, b.Subscribers("s1"))

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Publish(ctx, "s1", domain.Batch{Epoch: "e", Seq: seq}))
	}
	for _, ch := range []<-chan domain.Batch{a, c} {
		for seq := uint64(1); seq <= 3; seq++ {
			assert.Equal(t, seq, (<-ch).Seq)
		}
	}
	assert.Empty(t, other)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers("s1"))
	cancelC()
	assert.Zero(t, b.Subscribers("s1"))
}

func TestBroker_SlowSubscriberDropsBatches(t *testing.T) {
	b := memory.NewBroker(memory.WithBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "s1", domain.Batch{Seq: 1}))
	require.NoError(t, b.Publish(ctx, "s1", domain.Batch{Seq: 2}))
	assert.Equal(t, uint64(1), (<-ch).Seq)

	cancel()
	for range ch {
	}
	assert.Zero(t, b.Subscribers("s1"))
}
