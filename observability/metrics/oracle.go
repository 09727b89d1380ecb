package metrics

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vaultlend/native/oracle"
)

// OracleMetrics tracks the health of the gold price feed.
type OracleMetrics struct {
	reads   *prometheus.CounterVec
	rejects *prometheus.CounterVec
	price   *prometheus.GaugeVec
	age     *prometheus.GaugeVec
	round   *prometheus.GaugeVec
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vaultlend_oracle_reads_total",
				Help: "Count of price feed reads by feed and outcome.",
			}, []string{"feed", "outcome"}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vaultlend_oracle_rejects_total",
				Help: "Count of rejected quotes by feed and reason.",
			}, []string{"feed", "reason"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "vaultlend_oracle_price",
				Help: "Last accepted gold price per troy ounce.",
			}, []string{"feed"}),
			age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "vaultlend_oracle_quote_age_seconds",
				Help: "Age of the last accepted quote at read time.",
			}, []string{"feed"}),
			round: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "vaultlend_oracle_round",
				Help: "Round identifier of the last accepted quote.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(
			oracleRegistry.reads,
			oracleRegistry.rejects,
			oracleRegistry.price,
			oracleRegistry.age,
			oracleRegistry.round,
		)
	})
	return oracleRegistry
}

// ObserveQuote records an accepted quote.
func (m *OracleMetrics) ObserveQuote(feed string, quote oracle.Quote, now time.Time) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(feed, "ok").Inc()
	if quote.Price != nil {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(quote.Decimals)), nil)
		price, _ := new(big.Rat).SetFrac(quote.Price, scale).Float64()
		m.price.WithLabelValues(feed).Set(price)
	}
	if !quote.UpdatedAt.IsZero() {
		m.age.WithLabelValues(feed).Set(now.Sub(quote.UpdatedAt).Seconds())
	}
	if quote.RoundID != nil && quote.RoundID.IsInt64() {
		m.round.WithLabelValues(feed).Set(float64(quote.RoundID.Int64()))
	}
}

// ObserveReject records a failed read classified by the oracle sentinel.
func (m *OracleMetrics) ObserveReject(feed string, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(feed, "error").Inc()
	m.rejects.WithLabelValues(feed, RejectReason(err)).Inc()
}

// RejectReason maps oracle errors onto stable label values.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, oracle.ErrInvalidRoundID):
		return "invalid_round"
	case errors.Is(err, oracle.ErrIncompleteRound):
		return "incomplete_round"
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// InstrumentedFeed records every read of the wrapped feed. It forwards Name
// and Reset so it can stand in for a validator inside the engine.
type InstrumentedFeed struct {
	inner   oracle.Feed
	metrics *OracleMetrics
	nowFn   func() time.Time
}

// InstrumentFeed wraps feed with metrics collection.
func InstrumentFeed(feed oracle.Feed, m *OracleMetrics) *InstrumentedFeed {
	return &InstrumentedFeed{inner: feed, metrics: m, nowFn: time.Now}
}

// Name implements oracle.Named.
func (f *InstrumentedFeed) Name() string { return oracle.Describe(f.inner) }

// Reset implements oracle.Resettable when the wrapped feed does.
func (f *InstrumentedFeed) Reset() {
	if r, ok := f.inner.(oracle.Resettable); ok {
		r.Reset()
	}
}

// Heartbeat forwards the wrapped feed's heartbeat, zero when it has none.
func (f *InstrumentedFeed) Heartbeat() time.Duration {
	if hb, ok := f.inner.(oracle.HeartbeatReporter); ok {
		return hb.Heartbeat()
	}
	return 0
}

// Checked forwards the wrapped feed's marker so the engine does not validate
// twice.
func (f *InstrumentedFeed) Checked() bool {
	c, ok := f.inner.(oracle.Checked)
	return ok && c.Checked()
}

// LatestQuote implements oracle.Feed.
func (f *InstrumentedFeed) LatestQuote(ctx context.Context) (oracle.Quote, error) {
	quote, err := f.inner.LatestQuote(ctx)
	return f.observe(quote, err)
}

// Peek implements oracle.Peeker, falling back to LatestQuote when the wrapped
// feed cannot peek.
func (f *InstrumentedFeed) Peek(ctx context.Context) (oracle.Quote, error) {
	if p, ok := f.inner.(oracle.Peeker); ok {
		return f.observe(p.Peek(ctx))
	}
	return f.LatestQuote(ctx)
}

func (f *InstrumentedFeed) observe(quote oracle.Quote, err error) (oracle.Quote, error) {
	name := f.Name()
	if err != nil {
		f.metrics.ObserveReject(name, err)
		return quote, err
	}
	f.metrics.ObserveQuote(name, quote, f.nowFn())
	return quote, nil
}
