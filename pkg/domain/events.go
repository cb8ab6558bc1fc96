package domain

import (
	"context"
	"time"
)

// EventType defines the category of a lifecycle event.
type EventType string

const (
	EventFlush      EventType = "flush"
	EventResync     EventType = "resync"
	EventInvocation EventType = "invocation"
	EventApply      EventType = "apply"
	EventDesync     EventType = "desync"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
}

// FlushEvent reports a delta batch produced by the authority.
type FlushEvent struct {
	EventBase
	Epoch   string `json:"epoch"`
	Seq     uint64 `json:"seq"`
	Changes int    `json:"changes"`
}

// ResyncEvent reports a full-state dump produced by the authority.
type ResyncEvent struct {
	EventBase
	Epoch   string `json:"epoch"`
	Nodes   int    `json:"nodes"`
	Changes int    `json:"changes"`
	Reason  string `json:"reason,omitempty"`
}

// InvocationEvent reports an invocation applied by the authority.
type InvocationEvent struct {
	EventBase
	NodeID  NodeID         `json:"node_id"`
	Kind    InvocationKind `json:"kind"`
	Event   string         `json:"event,omitempty"`
	Handler string         `json:"handler,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// ApplyEvent reports a batch applied by a renderer.
type ApplyEvent struct {
	EventBase
	Full     bool          `json:"full"`
	Changes  int           `json:"changes"`
	Duration time.Duration `json:"duration"`
}

// DesyncEvent reports a protocol error that forced the renderer to resynchronize.
type DesyncEvent struct {
	EventBase
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// LifecycleHooks defines callbacks for observability. Nil hooks are skipped.
type LifecycleHooks struct {
	OnFlush      func(context.Context, *FlushEvent)
	OnResync     func(context.Context, *ResyncEvent)
	OnInvocation func(context.Context, *InvocationEvent)
	OnApply      func(context.Context, *ApplyEvent)
	OnDesync     func(context.Context, *DesyncEvent)
}

// Merge returns hooks that call h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnFlush:      chain(h.OnFlush, other.OnFlush),
		OnResync:     chain(h.OnResync, other.OnResync),
		OnInvocation: chain(h.OnInvocation, other.OnInvocation),
		OnApply:      chain(h.OnApply, other.OnApply),
		OnDesync:     chain(h.OnDesync, other.OnDesync),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
