package pkg

import (
	"context"
	"time"
)

// CancelShieldContext keeps the values of its parent but never expires.
// Completion callbacks scheduled from a caller's request have to
// outlive that caller's context.
type CancelShieldContext struct {
	context.Context
}

func NewCancelShieldContext(ctx context.Context) context.Context {
	return CancelShieldContext{Context: ctx}
}

func (v CancelShieldContext) Deadline() (deadline time.Time, ok bool) {
	return
}

func (v CancelShieldContext) Done() <-chan struct{} {
	return nil
}

func (v CancelShieldContext) Err() error {
	return nil
}
