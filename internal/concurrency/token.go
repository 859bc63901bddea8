package concurrency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Token is the execution right for one generation of a subject.
// Executions must observe Done at their suspension points.
type Token struct {
	ID         string
	Subject    string
	Generation uint64

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

func newToken(parent context.Context, subject string, generation uint64) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{
		ID:         uuid.NewString(),
		Subject:    subject,
		Generation: generation,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
	}
}

// Context is cancelled when the token is superseded or the coordinator closes.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed on cancellation.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancelled reports whether the token has been superseded.
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// Ready is closed once every earlier generation of the subject has stopped
// or its grace period has elapsed.
func (t *Token) Ready() <-chan struct{} { return t.ready }

// Wait blocks until the token is ready to run. It returns an error if the
// token is cancelled first or ctx ends.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	default:
	}
	select {
	case <-t.ready:
		if t.Cancelled() {
			return t.ctx.Err()
		}
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Token) String() string {
	return fmt.Sprintf("%s gen=%d", t.Subject, t.Generation)
}

func (t *Token) markReady() {
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
}
