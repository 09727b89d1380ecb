package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"vaultlend/crypto"
	"vaultlend/native/oracle"
)

// valuate prices collateral against the current quote. Only commit reads
// advance the feed's accepted round; previews leave it untouched.
func (e *Engine) valuate(ctx context.Context, c collaborators, collateralID uint64, commit bool) (*Valuation, error) {
	asset, err := c.registry.Asset(ctx, collateralID)
	if err != nil {
		return nil, err
	}
	if !asset.Active {
		return nil, ErrAssetInactive
	}
	quote, err := readQuote(ctx, c.feed, commit)
	if err != nil {
		return nil, oracleError(err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	perGram := perGramValue(quote.Price, quote.Decimals, c.params.GramsPerOunceE4)
	value := collateralValue(asset.Weight, perGram)
	return &Valuation{
		Asset:        asset,
		Quote:        quote.Clone(),
		PerGram:      perGram,
		Value:        value,
		MaxPrincipal: maxPrincipal(value, c.params.LTVPercent),
	}, nil
}

// Valuate prices the collateral against the current oracle quote without
// advancing the feed's accepted round.
func (e *Engine) Valuate(ctx context.Context, collateralID uint64) (*Valuation, error) {
	ctx, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	c, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	return e.valuate(ctx, c, collateralID, false)
}

func readQuote(ctx context.Context, feed oracle.Feed, commit bool) (oracle.Quote, error) {
	if !commit {
		if p, ok := feed.(oracle.Peeker); ok {
			return p.Peek(ctx)
		}
	}
	return feed.LatestQuote(ctx)
}

var oracleSentinels = []error{
	oracle.ErrOracleUnavailable,
	oracle.ErrStalePrice,
	oracle.ErrInvalidPrice,
	oracle.ErrInvalidRoundID,
	oracle.ErrIncompleteRound,
}

// oracleError reports any feed failure that is not already classified as
// ErrOracleUnavailable.
func oracleError(err error) error {
	for _, sentinel := range oracleSentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", oracle.ErrOracleUnavailable, err)
}

// CalculateCollateralValue returns the 18-decimal stable value of the asset.
func (e *Engine) CalculateCollateralValue(ctx context.Context, collateralID uint64) (*big.Int, error) {
	valuation, err := e.Valuate(ctx, collateralID)
	if err != nil {
		return nil, err
	}
	return valuation.Value, nil
}

// CalculateInterest returns the interest accrued so far on the active loan,
// or zero when there is none.
func (e *Engine) CalculateInterest(ctx context.Context, collateralID uint64, borrower crypto.Address) (*big.Int, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	loan, ok := e.ledger.Active(LoanKey{CollateralID: collateralID, Borrower: borrower.Raw()})
	if !ok {
		return big.NewInt(0), nil
	}
	return repaymentFor(loan, e.InterestRate(), e.now()).Interest, nil
}

// GetRepaymentAmount returns what RepayLoan would collect right now.
func (e *Engine) GetRepaymentAmount(ctx context.Context, collateralID uint64, borrower crypto.Address) (*Repayment, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	loan, ok := e.ledger.Active(LoanKey{CollateralID: collateralID, Borrower: borrower.Raw()})
	if !ok {
		return nil, ErrNothingToRepay
	}
	return repaymentFor(loan, e.InterestRate(), e.now()), nil
}

// GetUserLoans lists every loan id the borrower ever opened, oldest first.
func (e *Engine) GetUserLoans(ctx context.Context, borrower crypto.Address) ([]uint64, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.ledger.BorrowerLoans(borrower.Raw()), nil
}

// GetLoan returns the most recent loan for the (collateral, borrower) pair.
func (e *Engine) GetLoan(ctx context.Context, collateralID uint64, borrower crypto.Address) (*Loan, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	loan, ok := e.ledger.Latest(LoanKey{CollateralID: collateralID, Borrower: borrower.Raw()})
	if !ok {
		return nil, ErrLoanNotFound
	}
	return loan.Clone(), nil
}

func (e *Engine) LoanByID(ctx context.Context, id uint64) (*Loan, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	loan, ok := e.ledger.ByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrLoanNotFound, id)
	}
	return loan.Clone(), nil
}

// LoanCount is the number of loans ever created. Identifiers are never
// reused, so it is also the highest assigned id.
func (e *Engine) LoanCount(ctx context.Context) (uint64, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return e.ledger.Count(), nil
}

func (e *Engine) Paused() bool { return e.breaker.Paused() }

func (e *Engine) InterestRate() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.InterestRateBps
}

func (e *Engine) Owner() crypto.Address {
	return crypto.AddressFromRaw(crypto.AccountPrefix, e.breaker.Owner())
}

// State returns a snapshot of the engine configuration and counters.
func (e *Engine) State(ctx context.Context) (EngineState, error) {
	_, release, err := e.guard.EnterRead(ctx)
	if err != nil {
		return EngineState{}, err
	}
	defer release()
	e.mu.RLock()
	params := e.params
	feed := e.feed
	e.mu.RUnlock()
	state := EngineState{
		Owner:           e.Owner(),
		Custody:         e.custody,
		Params:          params,
		Paused:          e.breaker.Paused(),
		PriceFeed:       oracle.Describe(feed),
		LoanCount:       e.ledger.Count(),
		ActiveLoanCount: e.ledger.ActiveCount(),
	}
	if hb, ok := feed.(oracle.HeartbeatReporter); ok {
		state.Heartbeat = hb.Heartbeat()
	}
	return state, nil
}
