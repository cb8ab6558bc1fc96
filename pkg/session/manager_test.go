package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/tree"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches []domain.Batch
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, b domain.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
	return nil
}

type countingLocker struct {
	locks   atomic.Int32
	unlocks atomic.Int32
}

func (l *countingLocker) Lock(_ context.Context, _ string, _ time.Duration) (ports.UnlockFunc, error) {
	l.locks.Add(1)
	return func(context.Context) error {
		l.unlocks.Add(1)
		return nil
	}, nil
}

// mountCounter builds a button whose click increments a counter.
func mountCounter(_ context.Context, s *session.Session) error {
	return s.Update(context.Background(), func(tr *tree.Tree) error {
		button := tr.CreateElement("button")
		if err := button.SetText("0"); err != nil {
			return err
		}
		count := 0
		if err := button.AddEventListener("click", nil, func(ev *tree.Event) error {
			count++
			return ev.Node.SetText(string(rune('0' + count)))
		}); err != nil {
			return err
		}
		return tr.Root().AppendChild(button)
	})
}

func button(t *testing.T, s *session.Session) *tree.Node {
	t.Helper()
	kids := s.Tree().Root().Children()
	require.Len(t, kids, 1)
	return kids[0]
}

func TestManager_OpenIsAtomic(t *testing.T) {
	var inits atomic.Int32
	mgr := session.NewManager(session.WithInit(func(ctx context.Context, s *session.Session) error {
		inits.Add(1)
		time.Sleep(10 * time.Millisecond)
		return mountCounter(ctx, s)
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	opened := make([]*session.Session, 4)
	for i := range opened {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := mgr.Open(ctx, "atomic-init")
			assert.NoError(t, err)
			opened[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inits.Load())
	for _, s := range opened {
		assert.Same(t, opened[0], s)
	}
	assert.Equal(t, []string{"atomic-init"}, mgr.List())
}

func TestManager_GetAndClose(t *testing.T) {
	mgr := session.NewManager()
	ctx := context.Background()

	_, err := mgr.Get("nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, mgr.Close(ctx, "nope"), domain.ErrSessionNotFound)

	_, err = mgr.Open(ctx, "b")
	require.NoError(t, err)
	_, err = mgr.Open(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, mgr.List())

	require.NoError(t, mgr.Close(ctx, "a"))
	_, err = mgr.Get("a")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, []string{"b"}, mgr.List())
}

func TestManager_InitFailure(t *testing.T) {
	boom := errors.New("boom")
	mgr := session.NewManager(session.WithInit(func(context.Context, *session.Session) error { return boom }))

	_, err := mgr.Open(context.Background(), "s")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, mgr.List())
}

func TestSession_FlushAndResync(t *testing.T) {
	pub := &recordingPublisher{}
	var flushes []*domain.FlushEvent
	var resyncs []*domain.ResyncEvent
	mgr := session.NewManager(
		session.WithInit(mountCounter),
		session.WithPublisher(pub),
		session.WithLifecycleHooks(domain.LifecycleHooks{
			OnFlush:  func(_ context.Context, e *domain.FlushEvent) { flushes = append(flushes, e) },
			OnResync: func(_ context.Context, e *domain.ResyncEvent) { resyncs = append(resyncs, e) },
		}),
	)
	ctx := context.Background()
	s, err := mgr.Open(ctx, "s1")
	require.NoError(t, err)

	full := s.Resync(ctx, "connect")
	assert.True(t, full.Full)
	assert.Equal(t, uint64(1), full.Seq)
	assert.NotEmpty(t, full.Changes)
	require.Len(t, resyncs, 1)
	assert.Equal(t, "connect", resyncs[0].Reason)
	assert.Equal(t, 2, resyncs[0].Nodes)
	assert.Equal(t, "s1", resyncs[0].SessionID)

	_, ok := s.Flush(ctx)
	assert.False(t, ok, "the dump folded the initial changes")

	require.NoError(t, s.Update(ctx, func(*tree.Tree) error {
		return button(t, s).SetAttribute("title", "count")
	}))
	delta, ok := s.Flush(ctx)
	require.True(t, ok)
	assert.Equal(t, full.Epoch, delta.Epoch)
	assert.Equal(t, uint64(2), delta.Seq)
	assert.False(t, delta.Full)
	require.Len(t, flushes, 1)
	assert.Equal(t, 1, flushes[0].Changes)

	again := s.Resync(ctx, "sequence_gap")
	assert.NotEqual(t, full.Epoch, again.Epoch, "resync starts a new epoch")
	assert.Equal(t, uint64(1), again.Seq)
	assert.Equal(t, again.Epoch, s.Epoch())

	assert.Equal(t, []domain.Batch{full, delta, again}, pub.batches)
}

func TestManager_InvokeFlushesDelta(t *testing.T) {
	var invocations []*domain.InvocationEvent
	mgr := session.NewManager(
		session.WithInit(mountCounter),
		session.WithLifecycleHooks(domain.LifecycleHooks{
			OnInvocation: func(_ context.Context, e *domain.InvocationEvent) { invocations = append(invocations, e) },
		}),
	)
	ctx := context.Background()
	s, err := mgr.Open(ctx, "s1")
	require.NoError(t, err)
	s.Resync(ctx, "connect")
	id := button(t, s).ID()

	b, ok, err := mgr.Invoke(ctx, "s1", []domain.Invocation{
		domain.NewEventInvocation(id, "click", nil),
		domain.NewEventInvocation(99, "click", nil),
		domain.NewEventInvocation(id, "click", nil),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), b.Seq)
	require.Len(t, b.Changes, 2)
	assert.Equal(t, domain.ValuePut{Feature: domain.FeatureProperties, Key: domain.PropertyText, Value: "2"}, b.Changes[1].Record)
	require.Len(t, invocations, 3)
	assert.True(t, invocations[1].IsError)

	_, ok, err = mgr.Invoke(ctx, "s1", []domain.Invocation{
		domain.NewEventInvocation(id, "click", nil),
		domain.NewHandlerInvocation(id, "change", "missing"),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownHandler)
	assert.True(t, ok, "changes before the failure are flushed")

	_, _, err = mgr.Invoke(ctx, "gone", nil)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSession_HandleFunc(t *testing.T) {
	mgr := session.NewManager(session.WithInit(mountCounter))
	ctx := context.Background()
	s, err := mgr.Open(ctx, "s1")
	require.NoError(t, err)

	var args []domain.Value
	s.HandleFunc("toggle", func(ev *tree.Event) error {
		args = ev.Args
		return ev.Node.SetAttribute("aria-pressed", "true")
	})
	id := button(t, s).ID()

	_, ok, err := mgr.Invoke(ctx, "s1", []domain.Invocation{domain.NewHandlerInvocation(id, "click", "toggle", "milk", true)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []domain.Value{"milk", true}, args)
	v, _ := button(t, s).Attribute("aria-pressed")
	assert.Equal(t, "true", v)
}

func TestManager_UsesDistributedLocker(t *testing.T) {
	locker := &countingLocker{}
	mgr := session.NewManager(session.WithLocker(locker), session.WithInit(mountCounter))
	ctx := context.Background()

	_, err := mgr.Open(ctx, "s1")
	require.NoError(t, err)
	_, _, err = mgr.Update(ctx, "s1", func(s *session.Session) error {
		return s.Update(ctx, func(*tree.Tree) error { return button(t, s).AddClass("primary") })
	})
	require.NoError(t, err)
	_, err = mgr.Resync(ctx, "s1", "manual")
	require.NoError(t, err)

	assert.Equal(t, int32(3), locker.locks.Load())
	assert.Equal(t, int32(3), locker.unlocks.Load())
}

func TestManager_WritersAreSerialized(t *testing.T) {
	mgr := session.NewManager(session.WithInit(mountCounter))
	ctx := context.Background()
	s, err := mgr.Open(ctx, "s1")
	require.NoError(t, err)
	s.Resync(ctx, "connect")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := mgr.Update(ctx, "s1", func(s *session.Session) error {
				return s.Update(ctx, func(*tree.Tree) error {
					return button(t, s).SetProperty("n", i)
				})
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(21), s.Seq(), "every update produced exactly one batch")
}
