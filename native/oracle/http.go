package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed polls a JSON endpoint returning
//
//	{"price": "2000.25", "decimals": 8, "roundId": "42", "updatedAt": 1700000000}
//
// Price may be an integer already scaled by decimals or a decimal string; a
// decimal point selects the latter. Requests are issued on every read.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	decimals uint8
}

// NewHTTPFeed constructs an HTTP adapter. When the client is nil
// http.DefaultClient is used. decimals is the scale used when the endpoint
// omits one.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string, decimals uint8) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		decimals: decimals,
	}
}

func (f *HTTPFeed) Name() string { return "http:" + f.endpoint }

type httpQuotePayload struct {
	Price     json.Number `json:"price"`
	Decimals  *uint8      `json:"decimals"`
	RoundID   json.Number `json:"roundId"`
	UpdatedAt int64       `json:"updatedAt"`
}

func (f *HTTPFeed) LatestQuote(ctx context.Context) (Quote, error) {
	if f == nil || f.endpoint == "" {
		return Quote{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	dec.UseNumber()
	var payload httpQuotePayload
	if err := dec.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("http feed: decode: %w", err)
	}

	decimals := f.decimals
	if payload.Decimals != nil {
		decimals = *payload.Decimals
	}
	raw := strings.TrimSpace(payload.Price.String())
	var price *big.Int
	if strings.ContainsAny(raw, ".eE") {
		price, err = ParseFixed(raw, decimals)
		if err != nil {
			return Quote{}, fmt.Errorf("http feed: %w", err)
		}
	} else {
		var ok bool
		price, ok = new(big.Int).SetString(raw, 10)
		if !ok {
			return Quote{}, fmt.Errorf("http feed: invalid price %q", raw)
		}
	}
	round, ok := new(big.Int).SetString(strings.TrimSpace(payload.RoundID.String()), 10)
	if !ok {
		return Quote{}, fmt.Errorf("http feed: invalid round id %q", payload.RoundID.String())
	}
	return Quote{
		Price:     price,
		Decimals:  decimals,
		RoundID:   round,
		UpdatedAt: time.Unix(payload.UpdatedAt, 0).UTC(),
		Source:    "http",
	}, nil
}
