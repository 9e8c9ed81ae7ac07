// Package cancel provides the cooperative cancellation token threaded through
// every suspension point of a turn.
//
// Invariants:
// - A token is cancelled at most once; later calls are no-ops.
// - Consumers poll Cancelled or select on Done between chunks and tool calls.
//
// Usage:
//
//	tok := cancel.New()
//	go func() { tok.Cancel("user requested") }()
//	if err := tok.Err(); err != nil {
//		return err // cancel.ErrCancelled
//	}
package cancel

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled signals a cooperative unwind of an in-flight turn.
var ErrCancelled = errors.New("turn cancelled")

// Token is a one-shot cancellation flag.
type Token struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
}

// New creates a live token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token cancelled. It returns false if it already was.
func (t *Token) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return false
	default:
	}
	t.reason = reason
	close(t.done)
	return true
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason returns the reason passed to Cancel.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Err returns ErrCancelled once the token is cancelled, nil otherwise.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Bind derives a context that is cancelled when either the parent is done or
// the token is cancelled. SDK calls that only understand contexts use it.
// The returned stop function must be called to release the watcher.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancelCtx := context.WithCancelCause(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-t.done:
			cancelCtx(ErrCancelled)
		case <-ctx.Done():
		case <-stop:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(stop)
			cancelCtx(context.Canceled)
		})
	}
}

// Check returns ErrCancelled if the token is cancelled, or the context error
// if ctx is done. It is the poll used at safe points.
func Check(ctx context.Context, tok *Token) error {
	if tok != nil && tok.Cancelled() {
		return ErrCancelled
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			if errors.Is(context.Cause(ctx), ErrCancelled) {
				return ErrCancelled
			}
			return err
		}
	}
	return nil
}
