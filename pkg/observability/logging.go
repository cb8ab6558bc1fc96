package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/lattice/pkg/domain"
)

// LogHooks returns lifecycle hooks that write one structured line per event.
// Deltas and applies are logged at debug level.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnFlush: func(ctx context.Context, e *domain.FlushEvent) {
			logger.DebugContext(ctx, "flush",
				"session_id", e.SessionID,
				"epoch", e.Epoch,
				"seq", e.Seq,
				"changes", e.Changes,
			)
		},
		OnResync: func(ctx context.Context, e *domain.ResyncEvent) {
			logger.InfoContext(ctx, "resync",
				"session_id", e.SessionID,
				"epoch", e.Epoch,
				"nodes", e.Nodes,
				"reason", e.Reason,
			)
		},
		OnInvocation: func(ctx context.Context, e *domain.InvocationEvent) {
			level := slog.LevelDebug
			if e.IsError {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "invocation",
				"session_id", e.SessionID,
				"node_id", e.NodeID,
				"kind", e.Kind,
				"event", e.Event,
				"handler", e.Handler,
				"is_error", e.IsError,
			)
		},
		OnApply: func(ctx context.Context, e *domain.ApplyEvent) {
			logger.DebugContext(ctx, "apply", "full", e.Full, "changes", e.Changes, "duration", e.Duration)
		},
		OnDesync: func(ctx context.Context, e *domain.DesyncEvent) {
			logger.WarnContext(ctx, "desync", "reason", e.Reason, "err", e.Err)
		},
	}
}
