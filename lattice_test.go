package lattice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/demo"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer"
	"github.com/aretw0/lattice/pkg/template"
)

func TestNew_Defaults(t *testing.T) {
	eng, err := lattice.New(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, eng.Manager())
	assert.NotNil(t, eng.Broker())
	assert.NotNil(t, eng.Logger())
	assert.Zero(t, eng.Templates().Len())
	assert.Same(t, eng.Templates(), eng.Manager().Templates())
}

func TestNew_Templates(t *testing.T) {
	store := memory.NewStore(template.Descriptor{ID: 7, Tag: "p", Model: []string{"body"}})
	eng, err := lattice.New(context.Background(),
		lattice.WithTemplates(demo.Templates()...),
		lattice.WithTemplateStore(store),
	)
	require.NoError(t, err)
	assert.True(t, eng.Templates().Has(demo.TodoItemTemplate))
	assert.True(t, eng.Templates().Has(7))
	assert.Equal(t, 2, eng.Templates().Len())
}

func TestNew_InvalidTemplate(t *testing.T) {
	_, err := lattice.New(context.Background(), lattice.WithTemplates(template.Descriptor{ID: 1}))
	assert.ErrorIs(t, err, template.ErrInvalidDescriptor)
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	var resyncs int
	eng, err := lattice.New(ctx,
		lattice.WithTemplates(demo.Templates()...),
		lattice.WithInit(demo.Init("buy milk", "walk the dog")),
		lattice.WithLifecycleHooks(domain.LifecycleHooks{
			OnResync: func(context.Context, *domain.ResyncEvent) { resyncs++ },
		}),
	)
	require.NoError(t, err)

	_, err = eng.Manager().Open(ctx, "s1")
	require.NoError(t, err)
	batches, unsubscribe, err := eng.Broker().Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer unsubscribe()

	dump, err := eng.Manager().Resync(ctx, "s1", "connect")
	require.NoError(t, err)
	assert.True(t, dump.Full)
	assert.Equal(t, 1, resyncs)
	assert.Equal(t, dump, <-batches, "resync publishes the dump")

	r, err := eng.NewRenderer()
	require.NoError(t, err)
	require.NoError(t, r.Apply(ctx, dump))
	assert.Equal(t, renderer.StateSynchronized, r.State())

	sess, err := eng.Manager().Get("s1")
	require.NoError(t, err)
	assert.Equal(t, sess.Tree().Len(), r.Len())

	html, err := r.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, `<li title="walk the dog" class="todo">walk the dog</li>`)
	assert.Contains(t, html, `2 items left`)
}
