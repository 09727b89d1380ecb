package lending

import (
	"context"
	"fmt"

	"vaultlend/core/events"
	"vaultlend/crypto"
	"vaultlend/native/oracle"
)

func (e *Engine) saveMetaLocked() error {
	return e.ledger.saveMeta(engineMeta{
		InterestRateBps: e.params.InterestRateBps,
		Owner:           e.breaker.Owner(),
		Paused:          e.breaker.Paused(),
	})
}

func (e *Engine) admin(ctx context.Context, caller crypto.Address) (func(), error) {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.breaker.Authorize(caller.Raw()); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// UpdateInterestRate sets the annual rate, in basis points, applied to every
// loan (including open ones) from now on.
func (e *Engine) UpdateInterestRate(ctx context.Context, caller crypto.Address, bps uint64) error {
	release, err := e.admin(ctx, caller)
	if err != nil {
		return err
	}
	defer release()

	previous, err := e.setInterestRate(bps)
	if err != nil {
		return err
	}
	e.emit(events.InterestRateUpdated{Previous: previous, Current: bps})
	return nil
}

func (e *Engine) setInterestRate(bps uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bps > e.params.MaxInterestRateBps {
		return 0, fmt.Errorf("%w: %d > %d", ErrInterestRateTooHigh, bps, e.params.MaxInterestRateBps)
	}
	previous := e.params.InterestRateBps
	e.params.InterestRateBps = bps
	if err := e.saveMetaLocked(); err != nil {
		e.params.InterestRateBps = previous
		return 0, err
	}
	return previous, nil
}

// saveMeta persists administrative state, running undo when the write fails.
func (e *Engine) saveMeta(undo func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveMetaLocked(); err != nil {
		undo()
		return err
	}
	return nil
}

// UpdatePriceFeed swaps the oracle. Round tracking starts afresh because
// round identifiers are only comparable within one feed. Feeds without their
// own validation are wrapped as in SetPriceFeed.
func (e *Engine) UpdatePriceFeed(ctx context.Context, caller crypto.Address, feed oracle.Feed) error {
	release, err := e.admin(ctx, caller)
	if err != nil {
		return err
	}
	defer release()
	if feed == nil {
		return ErrInvalidPriceFeed
	}
	e.mu.Lock()
	feed = e.checkedFeed(feed, e.params.Heartbeat())
	if r, ok := feed.(oracle.Resettable); ok {
		r.Reset()
	}
	e.feed = feed
	e.mu.Unlock()
	e.emit(events.PriceFeedUpdated{Feed: oracle.Describe(feed)})
	return nil
}

// Pause opens the circuit: new loans and repayments are rejected until
// Unpause. Reads remain available.
func (e *Engine) Pause(ctx context.Context, caller crypto.Address) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := e.breaker.Pause(caller.Raw()); err != nil {
		return err
	}
	if err := e.saveMeta(func() { e.breaker.Restore(e.breaker.Owner(), false) }); err != nil {
		return err
	}
	e.emit(events.LendingPaused{By: caller.Raw()})
	return nil
}

func (e *Engine) Unpause(ctx context.Context, caller crypto.Address) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := e.breaker.Unpause(caller.Raw()); err != nil {
		return err
	}
	if err := e.saveMeta(func() { e.breaker.Restore(e.breaker.Owner(), true) }); err != nil {
		return err
	}
	e.emit(events.LendingUnpaused{By: caller.Raw()})
	return nil
}

// TransferOwnership hands every administrative capability to next.
func (e *Engine) TransferOwnership(ctx context.Context, caller, next crypto.Address) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if next.IsZero() {
		if err := e.breaker.Authorize(caller.Raw()); err != nil {
			return err
		}
		return fmt.Errorf("%w: next owner required", ErrInvalidParams)
	}
	previous, err := e.breaker.TransferOwnership(caller.Raw(), next.Raw())
	if err != nil {
		return err
	}
	if err := e.saveMeta(func() { e.breaker.Restore(previous, e.breaker.Paused()) }); err != nil {
		return err
	}
	e.emit(events.OwnershipTransferred{Previous: previous, Next: next.Raw()})
	return nil
}
