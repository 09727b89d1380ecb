package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultlend/native/oracle"
	"vaultlend/observability/metrics"
)

// Source kinds.
const (
	Manual    = "manual"
	HTTP      = "http"
	Chainlink = "chainlink"
)

// Spec selects a price source and the validation applied to it.
type Spec struct {
	Type       string        `json:"type"`
	Endpoint   string        `json:"endpoint,omitempty"`
	APIKey     string        `json:"-"`
	Aggregator string        `json:"aggregator,omitempty"`
	Decimals   uint8         `json:"decimals,omitempty"`
	Timeout    time.Duration `json:"-"`
	Heartbeat  time.Duration `json:"-"`
	Strict     bool          `json:"-"`
}

// Builder turns specs into validated, instrumented feeds. The manual feed is
// shared so operators can keep publishing prices to it after a swap.
type Builder struct {
	Manual  *oracle.ManualFeed
	Metrics *metrics.OracleMetrics
	NowFn   func() time.Time
}

func NewBuilder(manual *oracle.ManualFeed, m *metrics.OracleMetrics) *Builder {
	if manual == nil {
		manual = oracle.NewManualFeed()
	}
	return &Builder{Manual: manual, Metrics: m, NowFn: time.Now}
}

// Build dials the source described by spec and wraps it in a validator. The
// result is instrumented when the builder carries metrics.
func (b *Builder) Build(ctx context.Context, spec Spec) (oracle.Feed, error) {
	source, err := b.source(ctx, spec)
	if err != nil {
		return nil, err
	}
	heartbeat := spec.Heartbeat
	if heartbeat <= 0 {
		heartbeat = oracle.DefaultHeartbeat
	}
	validator := oracle.NewValidator(source, heartbeat)
	validator.SetStrict(spec.Strict)
	if b.NowFn != nil {
		validator.SetNowFunc(b.NowFn)
	}
	if b.Metrics == nil {
		return validator, nil
	}
	return metrics.InstrumentFeed(validator, b.Metrics), nil
}

func (b *Builder) source(ctx context.Context, spec Spec) (oracle.Feed, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "", Manual:
		return b.Manual, nil
	case HTTP:
		if strings.TrimSpace(spec.Endpoint) == "" {
			return nil, fmt.Errorf("feeds: http source requires endpoint")
		}
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client := &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
		return oracle.NewHTTPFeed(client, spec.Endpoint, spec.APIKey, spec.Decimals), nil
	case Chainlink:
		if strings.TrimSpace(spec.Endpoint) == "" || strings.TrimSpace(spec.Aggregator) == "" {
			return nil, fmt.Errorf("feeds: chainlink source requires endpoint and aggregator")
		}
		dialCtx := ctx
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}
		return oracle.DialChainlinkFeed(dialCtx, spec.Endpoint, spec.Aggregator)
	default:
		return nil, fmt.Errorf("feeds: unsupported source %q", spec.Type)
	}
}
