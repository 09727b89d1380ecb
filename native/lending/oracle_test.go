package lending

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"vaultlend/native/oracle"
)

func TestBareFeedIsValidatedOnEngineClock(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetPriceFeed(h.feed)

	state, err := h.engine.State(h.ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Heartbeat != time.Hour || state.PriceFeed != "manual" {
		t.Fatalf("bare feed not wrapped: heartbeat=%s feed=%q", state.Heartbeat, state.PriceFeed)
	}

	h.advance(30 * 24 * 60 * 60)
	if _, err := h.engine.CreateLoan(h.ctx, aliceAddr, 1); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice for a 30 day old quote, got %v", err)
	}
	if h.loanCount() != 0 || h.ownerOf(1) != aliceAddr.Raw() {
		t.Fatalf("stale quote must not open a loan")
	}

	h.setPrice(goldPrice(2000))
	h.mustCreate(aliceAddr, 1)

	h.round -= 2
	h.setPrice(goldPrice(2000))
	if _, err := h.engine.CreateLoan(h.ctx, bobAddr, 2); !errors.Is(err, ErrInvalidRoundID) {
		t.Fatalf("expected ErrInvalidRoundID for a regressing round, got %v", err)
	}

	h.feed.Fail(errors.New("rpc down"))
	_, err = h.engine.CalculateCollateralValue(h.ctx, 1)
	if !errors.Is(err, ErrOracleUnavailable) || !strings.Contains(err.Error(), "rpc down") {
		t.Fatalf("expected ErrOracleUnavailable wrapping the feed error, got %v", err)
	}
}

func TestUpdatePriceFeedValidatesBareFeed(t *testing.T) {
	h := newHarness(t, nil)
	bare := oracle.NewManualFeed()
	bare.Set(goldPrice(2000), 8, nil, time.Unix(h.clock, 0))
	if err := h.engine.UpdatePriceFeed(h.ctx, ownerAddr, bare); err != nil {
		t.Fatalf("update feed: %v", err)
	}
	h.mustCreate(aliceAddr, 1)

	h.advance(2 * 60 * 60)
	if _, err := h.engine.CreateLoan(h.ctx, bobAddr, 2); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice after the heartbeat, got %v", err)
	}
}

func TestEngineHeartbeatFollowsParams(t *testing.T) {
	h := newHarness(t, nil, func(p *Params) { p.HeartbeatSeconds = 60 })
	h.engine.SetPriceFeed(h.feed)
	h.advance(61)
	if _, err := h.engine.CreateLoan(h.ctx, aliceAddr, 1); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice past a 60s heartbeat, got %v", err)
	}
}

func TestRepeatedRoundServesSeveralLoans(t *testing.T) {
	h := newHarness(t, nil)
	// One published round backs every loan opened before the next update.
	h.mustCreate(aliceAddr, 1)
	h.mustCreate(bobAddr, 2)
	h.mustCreate(aliceAddr, 3)
	if h.loanCount() != 3 {
		t.Fatalf("expected three loans, got %d", h.loanCount())
	}
}

func TestValuationPreviewDoesNotAdvanceRound(t *testing.T) {
	h := newHarness(t, nil)
	h.mustCreate(aliceAddr, 1)

	h.round += 5
	h.setPrice(goldPrice(2100))
	if _, err := h.engine.CalculateCollateralValue(h.ctx, 2); err != nil {
		t.Fatalf("preview: %v", err)
	}
	// An earlier round than the previewed one, still after the committed one.
	h.round -= 3
	h.setPrice(goldPrice(2050))
	if _, err := h.engine.CreateLoan(h.ctx, bobAddr, 2); err != nil {
		t.Fatalf("preview must not commit its round: %v", err)
	}
}

func TestOracleErrorClassification(t *testing.T) {
	if err := oracleError(errors.New("dial tcp: refused")); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("raw feed error must report ErrOracleUnavailable, got %v", err)
	}
	stale := fmt.Errorf("%w: age 2h", ErrStalePrice)
	if err := oracleError(stale); err != stale || errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("classified errors pass through unchanged, got %v", err)
	}
}
