// Package guard serializes state-changing operations per account and rejects
// re-entrant invocation. Settlement calls out to external collaborators that
// could call back into the engine; without the guard such a callback could
// double-count a limit or cashback update.
package guard

import (
	"context"
	"errors"
	"sync"
)

// ErrReentrantCall is returned when an operation on an account is invoked
// from within another operation on the same account.
var ErrReentrantCall = errors.New("reentrant call")

type ctxKey struct{ account string }

// Guard holds one lock per account id. The zero value is not usable; use New.
type Guard struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{locks: make(map[string]chan struct{})}
}

func (g *Guard) lock(account string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[account]
	if !ok {
		l = make(chan struct{}, 1)
		g.locks[account] = l
	}
	return l
}

// Acquire takes the account's lock, blocking until it is free or the context
// is cancelled. A context that already holds the account's marker means the
// caller is re-entering from within its own operation; that is rejected
// immediately rather than deadlocking.
//
// The returned context must be passed to any external collaborator so that a
// callback into the engine is recognised. The release function must be
// called exactly once.
func (g *Guard) Acquire(ctx context.Context, account string) (context.Context, func(), error) {
	if held, _ := ctx.Value(ctxKey{account}).(bool); held {
		return ctx, nil, ErrReentrantCall
	}

	l := g.lock(account)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}

	marked := context.WithValue(ctx, ctxKey{account}, true)
	var once sync.Once
	release := func() {
		once.Do(func() { <-l })
	}
	return marked, release, nil
}
