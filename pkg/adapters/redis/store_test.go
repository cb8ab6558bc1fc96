package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/template"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	store := redis.NewFromClient(client)
	ports.RunTemplateStoreContract(t, store)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, template.Descriptor{ID: 4, Tag: "li"}))
	assert.True(t, mr.Exists("custom:app:templates"), "Expected hash with custom prefix to exist")
	assert.Contains(t, mr.HGet("custom:app:templates", "4"), `"tag":"li"`)
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client)
	mr.HSet("lattice:templates", "9", "{not json")

	_, err := store.Load(context.Background(), 9)
	assert.Error(t, err)
	_, err = store.List(context.Background())
	assert.Error(t, err)
}
