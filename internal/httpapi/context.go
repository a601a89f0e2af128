package httpapi

import (
	"context"
	"sync/atomic"
)

// baseCtx is the process-level context, canceled on shutdown so long-running
// handlers (chat, acquire, events) stop with the server.
var baseCtx atomic.Value

func init() { baseCtx.Store(context.Background()) }

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx.Store(ctx)
}

func serverBaseCtx() context.Context { return baseCtx.Load().(context.Context) }

// joinContexts returns a context carrying a's values that is also canceled
// when b is done. The cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
