package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/template"
)

// RunTemplateStoreContract runs a suite of tests to verify that a TemplateStore
// implementation adheres to the defined interface contract. The store must be
// empty.
func RunTemplateStoreContract(t *testing.T, store TemplateStore) {
	ctx := context.Background()
	item := template.Descriptor{
		ID:         7,
		Tag:        "input",
		Attributes: map[string]string{"type": "checkbox"},
		Bindings:   []template.Binding{{Key: "done", Target: "checked", Kind: template.BindProperty}},
		Events:     map[string][]string{"change": {"$server.toggle(model.done)"}},
		Model:      []string{"done"},
	}

	t.Run("Save and Load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, item))

		loaded, err := store.Load(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.Tag, loaded.Tag)
		assert.Equal(t, item.Attributes, loaded.Attributes)
		assert.Equal(t, item.Bindings, loaded.Bindings)
		assert.Equal(t, item.Events, loaded.Events)
		assert.Equal(t, item.Model, loaded.Model)
	})

	t.Run("Save replaces", func(t *testing.T) {
		changed := item.Clone()
		changed.Tag = "button"
		require.NoError(t, store.Save(ctx, changed))

		loaded, err := store.Load(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "button", loaded.Tag)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, 404)
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})

	t.Run("List is ordered", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, template.Descriptor{ID: 3, Tag: "li"}))
		defer func() { _ = store.Delete(ctx, 3) }()

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 3, list[0].ID)
		assert.Equal(t, item.ID, list[1].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, item.ID))
		_, err := store.Load(ctx, item.ID)
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
		assert.NoError(t, store.Delete(ctx, item.ID), "deleting twice is not an error")
	})
}

// RunLockerContract verifies that a DistributedLocker gives mutual exclusion per key.
func RunLockerContract(t *testing.T, locker DistributedLocker) {
	ctx := context.Background()
	key := "contract-lock-" + time.Now().Format("20060102150405")

	t.Run("Exclusive", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(short, key, 5*time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, unlock(ctx))
		unlock, err = locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
	})

	t.Run("Independent keys", func(t *testing.T) {
		a, err := locker.Lock(ctx, key+"-a", 5*time.Second)
		require.NoError(t, err)
		b, err := locker.Lock(ctx, key+"-b", 5*time.Second)
		require.NoError(t, err)
		assert.NoError(t, a(ctx))
		assert.NoError(t, b(ctx))
	})
}
