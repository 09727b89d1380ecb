package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ManualFeed is an in-memory feed used by tests, local deployments and manual
// overrides during incident response.
type ManualFeed struct {
	mu    sync.RWMutex
	quote *Quote
	err   error
}

// NewManualFeed constructs an empty manual feed. LatestQuote fails until a
// price is set.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{}
}

func (m *ManualFeed) Name() string { return "manual" }

// Set stores a quote. RoundID defaults to the previous round plus one when nil.
func (m *ManualFeed) Set(price *big.Int, decimals uint8, roundID *big.Int, updatedAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := Quote{Decimals: decimals, UpdatedAt: updatedAt, Source: "manual"}
	if price != nil {
		next.Price = new(big.Int).Set(price)
	}
	switch {
	case roundID != nil:
		next.RoundID = new(big.Int).Set(roundID)
	case m.quote != nil && m.quote.RoundID != nil:
		next.RoundID = new(big.Int).Add(m.quote.RoundID, big.NewInt(1))
	default:
		next.RoundID = big.NewInt(1)
	}
	m.quote = &next
	m.err = nil
}

// SetDecimal records a decimal price string such as "2000.50".
func (m *ManualFeed) SetDecimal(price string, decimals uint8, updatedAt time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	value, err := ParseFixed(price, decimals)
	if err != nil {
		return err
	}
	m.Set(value, decimals, nil, updatedAt)
	return nil
}

// Fail makes subsequent reads return err until the next Set.
func (m *ManualFeed) Fail(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *ManualFeed) LatestQuote(context.Context) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return Quote{}, m.err
	}
	if m.quote == nil {
		return Quote{}, fmt.Errorf("manual feed: no price set")
	}
	return m.quote.Clone(), nil
}
