package helper

import (
	"context"
	"time"
)

// suppressedContext keeps the values of its parent but is never done.
type suppressedContext struct{ context.Context }

func (suppressedContext) Deadline() (deadline time.Time, ok bool) { return time.Time{}, false }

func (suppressedContext) Done() <-chan struct{} { return nil }

func (suppressedContext) Err() error { return nil }

// SuppressCancellation returns a context carrying the values of ctx, such as
// its logger and correlation ID, that is not cancelled when ctx is. Cleanup
// that must run to completion after cancellation uses it.
func SuppressCancellation(ctx context.Context) context.Context { return suppressedContext{ctx} }
