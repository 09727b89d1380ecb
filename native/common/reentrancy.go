package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrReentrantCall = errors.New("reentrant call")

// ErrGuardBusy reports that the guard stayed held for the whole wait bound.
// The usual cause is a callback re-entering the module without the context it
// was handed, so it matches ErrReentrantCall under errors.Is.
var ErrGuardBusy = fmt.Errorf("%w: guard held past wait bound", ErrReentrantCall)

// DefaultGuardWait bounds how long an entry waits for a guard held by another
// call.
const DefaultGuardWait = 5 * time.Second

const (
	minGuardPoll = 50 * time.Microsecond
	maxGuardPoll = 5 * time.Millisecond
)

type callKey struct{ g *CallGuard }

// CallGuard serialises entry into a module. Entry marks the returned context;
// a nested call presenting a marked context is rejected at once. A nested call
// that drops the mark cannot be told apart from a concurrent caller, so every
// entry waits at most Wait for the guard and then fails with ErrGuardBusy
// instead of blocking forever. Collaborators invoked while the guard is held
// must propagate the context they were handed.
type CallGuard struct {
	mu sync.RWMutex

	// Wait bounds how long Enter and EnterRead block on a guard held
	// elsewhere. Zero means DefaultGuardWait. Set it before first use.
	Wait time.Duration
}

// Enter acquires exclusive access for a state-changing call.
func (g *CallGuard) Enter(ctx context.Context) (context.Context, func(), error) {
	ctx, err := g.mark(ctx)
	if err != nil {
		return ctx, func() {}, err
	}
	if err := g.acquire(ctx, g.mu.TryLock); err != nil {
		return ctx, func() {}, err
	}
	return ctx, g.mu.Unlock, nil
}

// EnterRead acquires shared access for a read-only call.
func (g *CallGuard) EnterRead(ctx context.Context) (context.Context, func(), error) {
	ctx, err := g.mark(ctx)
	if err != nil {
		return ctx, func() {}, err
	}
	if err := g.acquire(ctx, g.mu.TryRLock); err != nil {
		return ctx, func() {}, err
	}
	return ctx, g.mu.RUnlock, nil
}

// Active reports whether ctx was issued by this guard.
func (g *CallGuard) Active(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return ctx.Value(callKey{g}) != nil
}

func (g *CallGuard) mark(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if g.Active(ctx) {
		return ctx, ErrReentrantCall
	}
	return context.WithValue(ctx, callKey{g}, struct{}{}), nil
}

// acquire polls try with exponential backoff until it succeeds, ctx is done
// or the wait bound passes.
func (g *CallGuard) acquire(ctx context.Context, try func() bool) error {
	if try() {
		return nil
	}
	wait := g.Wait
	if wait <= 0 {
		wait = DefaultGuardWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	backoff := minGuardPoll
	poll := time.NewTimer(backoff)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if try() {
				return nil
			}
			return ErrGuardBusy
		case <-poll.C:
		}
		if try() {
			return nil
		}
		if backoff < maxGuardPoll {
			backoff *= 2
		}
		poll.Reset(backoff)
	}
}
