package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultHeartbeat is the maximum quote age accepted when none is configured.
const DefaultHeartbeat = time.Hour

// Validator wraps a Feed and rejects malformed, stale or out-of-order quotes.
// With Strict disabled only the non-positive price check remains, which
// reproduces the permissive behaviour some deployments rely on during
// migration.
//
// LatestQuote commits each accepted quote as the reference for later round
// and timestamp checks. Peek runs the same checks and commits nothing. A
// quote repeating the last accepted round is accepted unless
// SetRequireNewRound is enabled.
type Validator struct {
	feed      Feed
	heartbeat time.Duration
	strict    bool
	newRound  bool
	nowFn     func() time.Time

	mu          sync.Mutex
	lastRound   *big.Int
	lastUpdated time.Time
}

// NewValidator constructs a strict validator around feed.
func NewValidator(feed Feed, heartbeat time.Duration) *Validator {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Validator{feed: feed, heartbeat: heartbeat, strict: true, nowFn: time.Now}
}

// SetStrict toggles heartbeat and round enforcement.
func (v *Validator) SetStrict(strict bool) {
	v.mu.Lock()
	v.strict = strict
	v.mu.Unlock()
}

// SetRequireNewRound makes a quote that does not advance past the last
// accepted round a hard failure.
func (v *Validator) SetRequireNewRound(require bool) {
	v.mu.Lock()
	v.newRound = require
	v.mu.Unlock()
}

// SetNowFunc overrides the clock used for heartbeat checks.
func (v *Validator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	v.mu.Lock()
	v.nowFn = now
	v.mu.Unlock()
}

// Heartbeat returns the configured maximum quote age.
func (v *Validator) Heartbeat() time.Duration { return v.heartbeat }

// Checked implements the Checked marker.
func (v *Validator) Checked() bool { return true }

// Feed returns the wrapped feed.
func (v *Validator) Feed() Feed { return v.feed }

func (v *Validator) Name() string { return Describe(v.feed) }

// Reset forgets the last accepted round, for example after the underlying
// feed was replaced.
func (v *Validator) Reset() {
	v.mu.Lock()
	v.lastRound = nil
	v.lastUpdated = time.Time{}
	v.mu.Unlock()
}

// LatestQuote fetches and validates the latest quote. An accepted quote
// becomes the reference for round and timestamp monotonicity.
func (v *Validator) LatestQuote(ctx context.Context) (Quote, error) {
	return v.read(ctx, true)
}

// Peek validates the latest quote against the committed reference without
// replacing it.
func (v *Validator) Peek(ctx context.Context) (Quote, error) {
	return v.read(ctx, false)
}

func (v *Validator) read(ctx context.Context, commit bool) (Quote, error) {
	if v == nil || v.feed == nil {
		return Quote{}, ErrOracleUnavailable
	}
	quote, err := v.feed.LatestQuote(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return Quote{}, ErrInvalidPrice
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.strict {
		return quote, nil
	}
	if quote.RoundID == nil || quote.RoundID.Sign() <= 0 {
		return Quote{}, ErrInvalidRoundID
	}
	if v.lastRound != nil {
		switch cmp := quote.RoundID.Cmp(v.lastRound); {
		case cmp < 0:
			return Quote{}, fmt.Errorf("%w: round %s precedes accepted round %s", ErrInvalidRoundID, quote.RoundID, v.lastRound)
		case cmp == 0 && v.newRound:
			return Quote{}, fmt.Errorf("%w: round %s already accepted", ErrInvalidRoundID, quote.RoundID)
		}
	}
	if !v.lastUpdated.IsZero() && quote.UpdatedAt.Before(v.lastUpdated) {
		return Quote{}, fmt.Errorf("%w: quote older than last accepted", ErrStalePrice)
	}
	if quote.UpdatedAt.IsZero() {
		return Quote{}, fmt.Errorf("%w: missing timestamp", ErrStalePrice)
	}
	if age := v.nowFn().Sub(quote.UpdatedAt); age > v.heartbeat {
		return Quote{}, fmt.Errorf("%w: age %s exceeds heartbeat %s", ErrStalePrice, age.Truncate(time.Second), v.heartbeat)
	}
	if commit {
		v.lastRound = new(big.Int).Set(quote.RoundID)
		v.lastUpdated = quote.UpdatedAt
	}
	return quote, nil
}
