package backend

import (
	"context"
	"errors"
	"time"
)

// OpenContext returns a context for opening a stream that must produce its
// first response within d. If opened is not called before d elapses the
// context is cancelled with cause context.DeadlineExceeded. After a
// successful opened call the context stays live until release, so reading
// the stream is not bounded by d. A non-positive d disables the deadline.
func OpenContext(parent context.Context, d time.Duration) (ctx context.Context, opened func() bool, release func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if d <= 0 {
		return ctx, func() bool { return ctx.Err() == nil }, func() { cancel(nil) }
	}

	timer := time.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	opened = func() bool {
		return timer.Stop() && ctx.Err() == nil
	}
	release = func() {
		timer.Stop()
		cancel(nil)
	}
	return ctx, opened, release
}

// TimedOut reports whether ctx or err carries context.DeadlineExceeded,
// including a deadline delivered as a cancellation cause.
func TimedOut(ctx context.Context, err error) bool {
	return errors.Is(context.Cause(ctx), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}
