package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrOracleUnavailable wraps any failure of the underlying feed.
	ErrOracleUnavailable = errors.New("oracle: feed unavailable")
	// ErrStalePrice indicates the quote is older than the heartbeat or older
	// than a previously accepted quote.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrInvalidPrice indicates a missing or non-positive price.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrInvalidRoundID indicates a non-positive or regressing round id.
	ErrInvalidRoundID = errors.New("oracle: invalid round id")
	// ErrIncompleteRound indicates the feed answered from an earlier round
	// than the one it reports, which happens when updates are being starved.
	ErrIncompleteRound = errors.New("oracle: round answered incompletely")
)

// Quote is a single price observation. Price is a fixed-point integer with
// Decimals implied decimals, denominated per troy ounce.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	RoundID   *big.Int
	UpdatedAt time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Decimals: q.Decimals, UpdatedAt: q.UpdatedAt, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	if q.RoundID != nil {
		clone.RoundID = new(big.Int).Set(q.RoundID)
	}
	return clone
}

// PriceString renders the price as a decimal string.
func (q Quote) PriceString() string {
	if q.Price == nil {
		return ""
	}
	if q.Decimals == 0 {
		return q.Price.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Decimals)), nil)
	return new(big.Rat).SetFrac(q.Price, scale).FloatString(int(q.Decimals))
}

// Feed is the query contract every price source satisfies.
type Feed interface {
	LatestQuote(ctx context.Context) (Quote, error)
}

// Named feeds report a human-readable identifier used in events and logs.
type Named interface {
	Name() string
}

// Resettable feeds keep per-feed state (accepted rounds) that must be cleared
// when the feed is installed into an engine.
type Resettable interface {
	Reset()
}

// Checked feeds already apply Validator rules. The engine installs them as
// given and wraps every other feed in a Validator of its own.
type Checked interface {
	Checked() bool
}

// Peeker feeds can validate a quote without advancing the accepted round,
// for read-only valuations.
type Peeker interface {
	Peek(ctx context.Context) (Quote, error)
}

// HeartbeatReporter feeds expose the maximum quote age they accept.
type HeartbeatReporter interface {
	Heartbeat() time.Duration
}

// Describe returns a stable description of the feed.
func Describe(feed Feed) string {
	if feed == nil {
		return ""
	}
	if named, ok := feed.(Named); ok {
		if name := strings.TrimSpace(named.Name()); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", feed)
}

// ParseFixed converts a decimal string into a fixed-point integer with the
// supplied number of decimals. Extra fractional digits are truncated.
func ParseFixed(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidPrice)
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}
