package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"vaultlend/core/events"
	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
)

const moduleName = "lending"

// AssetRegistry is the custody and metadata source for collateral assets.
type AssetRegistry interface {
	Asset(ctx context.Context, id uint64) (registry.Asset, error)
	OwnerOf(ctx context.Context, id uint64) ([20]byte, error)
	TransferCustody(ctx context.Context, operator, from, to [20]byte, id uint64) error
}

// StableCurrency is the currency loans are disbursed and repaid in.
type StableCurrency interface {
	BalanceOf(ctx context.Context, addr [20]byte) (*big.Int, error)
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to [20]byte, amount *big.Int) error
}

// Engine runs the loan lifecycle: valuation, origination, interest and
// repayment. Collateral is escrowed at the custody address, which is also the
// account that holds lendable liquidity.
type Engine struct {
	guard   nativecommon.CallGuard
	breaker *nativecommon.Breaker

	mu       sync.RWMutex
	params   Params
	feed     oracle.Feed
	registry AssetRegistry
	currency StableCurrency

	ledger  *Ledger
	custody crypto.Address

	// hooks guards emitter and nowFn. It is separate from mu so an emitter
	// may read engine state while an administrative change is applied.
	hooks   sync.RWMutex
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs an engine owned by owner that escrows collateral at
// custody. The ledger starts empty and in memory; see SetLedger.
func NewEngine(owner, custody crypto.Address, params Params) (*Engine, error) {
	if owner.IsZero() || custody.IsZero() {
		return nil, fmt.Errorf("%w: owner and custody addresses required", ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ledger, err := NewLedger(nil)
	if err != nil {
		return nil, fmt.Errorf("lending engine: in-memory ledger: %w", err)
	}
	return &Engine{
		breaker: nativecommon.NewBreaker(moduleName, owner.Raw()),
		params:  params,
		ledger:  ledger,
		custody: custody,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetLedger replaces the loan ledger. Administrative state persisted
// alongside the ledger (owner, pause flag, interest rate) takes precedence
// over the constructor arguments; when none exists the current state is
// written so the next start restores it.
func (e *Engine) SetLedger(ledger *Ledger) error {
	if ledger == nil {
		return fmt.Errorf("lending engine: nil ledger")
	}
	meta, err := ledger.loadMeta()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = ledger
	if meta == nil {
		return e.saveMetaLocked()
	}
	if meta.InterestRateBps <= e.params.MaxInterestRateBps {
		e.params.InterestRateBps = meta.InterestRateBps
	}
	e.breaker.Restore(meta.Owner, meta.Paused)
	return nil
}

func (e *Engine) SetRegistry(r AssetRegistry) {
	e.mu.Lock()
	e.registry = r
	e.mu.Unlock()
}

func (e *Engine) SetCurrency(c StableCurrency) {
	e.mu.Lock()
	e.currency = c
	e.mu.Unlock()
}

// SetPriceFeed wires the initial feed at start-up. Runtime replacement goes
// through UpdatePriceFeed, which is owner-gated. A feed that does not validate
// its own quotes is wrapped in a strict validator on the engine clock.
func (e *Engine) SetPriceFeed(feed oracle.Feed) {
	e.mu.Lock()
	e.feed = e.checkedFeed(feed, e.params.Heartbeat())
	e.mu.Unlock()
}

// checkedFeed enforces the heartbeat and round checks on feeds that do not
// already apply them.
func (e *Engine) checkedFeed(feed oracle.Feed, heartbeat time.Duration) oracle.Feed {
	if feed == nil {
		return nil
	}
	if c, ok := feed.(oracle.Checked); ok && c.Checked() {
		return feed
	}
	validator := oracle.NewValidator(feed, heartbeat)
	validator.SetNowFunc(func() time.Time { return time.Unix(e.now(), 0) })
	return validator
}

// SetGuardWait bounds how long a call waits for another call in progress
// before failing with ErrReentrantCall. Call it before serving traffic.
func (e *Engine) SetGuardWait(wait time.Duration) {
	e.guard.Wait = wait
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.hooks.Lock()
	e.emitter = emitter
	e.hooks.Unlock()
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.hooks.Lock()
	e.nowFn = now
	e.hooks.Unlock()
}

// Custody returns the address that escrows collateral and holds liquidity.
func (e *Engine) Custody() crypto.Address { return e.custody }

func (e *Engine) now() int64 {
	e.hooks.RLock()
	nowFn := e.nowFn
	e.hooks.RUnlock()
	if nowFn == nil {
		return time.Now().Unix()
	}
	return nowFn()
}

func (e *Engine) emit(evt events.Event) {
	e.hooks.RLock()
	emitter := e.emitter
	e.hooks.RUnlock()
	if emitter == nil || evt == nil {
		return
	}
	emitter.Emit(evt)
}

type collaborators struct {
	params   Params
	feed     oracle.Feed
	registry AssetRegistry
	currency StableCurrency
}

func (e *Engine) snapshot() (collaborators, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := collaborators{params: e.params, feed: e.feed, registry: e.registry, currency: e.currency}
	if c.feed == nil || c.registry == nil || c.currency == nil {
		return c, errNotConfigured
	}
	return c, nil
}

func (e *Engine) checkCircuit() error {
	if err := nativecommon.Guard(e.breaker, moduleName); err != nil {
		return ErrCircuitOpen
	}
	return nil
}

// CreateLoan escrows the borrower's collateral and disburses principal equal
// to LTV percent of its current value. Either every effect happens or none.
func (e *Engine) CreateLoan(ctx context.Context, borrower crypto.Address, collateralID uint64) (*Loan, error) {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.checkCircuit(); err != nil {
		return nil, err
	}
	if borrower.IsZero() {
		return nil, ErrInvalidBorrower
	}
	c, err := e.snapshot()
	if err != nil {
		return nil, err
	}

	key := LoanKey{CollateralID: collateralID, Borrower: borrower.Raw()}
	if existing, ok := e.ledger.Active(key); ok {
		return nil, &AlreadyBorrowedError{LoanID: existing.ID, CollateralID: collateralID, Borrower: borrower}
	}
	if holder, ok := e.ledger.ActiveByCollateral(collateralID); ok && !holder.Borrower.Equal(borrower) {
		return nil, ErrCollateralEscrowed
	}

	valuation, err := e.valuate(ctx, c, collateralID, true)
	if err != nil {
		return nil, err
	}
	if valuation.Value.Sign() == 0 || valuation.MaxPrincipal.Sign() == 0 {
		return nil, ErrInvalidValuation
	}
	owner, err := c.registry.OwnerOf(ctx, collateralID)
	if err != nil {
		return nil, err
	}
	if owner != key.Borrower {
		return nil, ErrCollateralNotOwned
	}
	principal := valuation.MaxPrincipal

	custody := e.custody.Raw()
	liquidity, err := c.currency.BalanceOf(ctx, custody)
	if err != nil {
		return nil, fmt.Errorf("lending engine: read liquidity: %w", err)
	}
	if liquidity == nil || liquidity.Cmp(principal) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	now := e.now()
	loan, undo, err := e.ledger.Open(key, principal, now)
	if err != nil {
		return nil, err
	}
	fail := func(cause error) (*Loan, error) {
		if uerr := undo(); uerr != nil {
			return nil, errors.Join(cause, fmt.Errorf("lending engine: rollback: %w", uerr))
		}
		return nil, cause
	}

	if err := c.registry.TransferCustody(ctx, custody, key.Borrower, custody, collateralID); err != nil {
		return fail(fmt.Errorf("lending engine: escrow collateral: %w", err))
	}
	if holder, err := c.registry.OwnerOf(ctx, collateralID); err != nil || holder != custody {
		if err == nil {
			err = ErrCustodyMismatch
		}
		return fail(e.returnCustody(ctx, c, key, err))
	}
	if err := c.currency.Transfer(ctx, custody, key.Borrower, principal); err != nil {
		if errors.Is(err, stable.ErrInsufficientBalance) {
			err = fmt.Errorf("%w: %w", ErrInsufficientLiquidity, err)
		} else {
			err = fmt.Errorf("lending engine: disburse principal: %w", err)
		}
		return fail(e.returnCustody(ctx, c, key, err))
	}

	e.emit(events.LoanCreated{
		LoanID:          loan.ID,
		CollateralID:    collateralID,
		Borrower:        key.Borrower,
		Principal:       cloneBigInt(principal),
		CollateralValue: cloneBigInt(valuation.Value),
		Timestamp:       now,
	})
	return loan.Clone(), nil
}

func (e *Engine) returnCustody(ctx context.Context, c collaborators, key LoanKey, cause error) error {
	custody := e.custody.Raw()
	if err := c.registry.TransferCustody(ctx, custody, custody, key.Borrower, key.CollateralID); err != nil {
		return errors.Join(cause, fmt.Errorf("lending engine: return collateral: %w", err))
	}
	return cause
}

// RepayLoan collects principal plus accrued interest from the borrower (the
// engine must hold a sufficient stable allowance) and returns the collateral.
func (e *Engine) RepayLoan(ctx context.Context, borrower crypto.Address, collateralID uint64) (*Repayment, error) {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.checkCircuit(); err != nil {
		return nil, err
	}
	c, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	key := LoanKey{CollateralID: collateralID, Borrower: borrower.Raw()}
	loan, ok := e.ledger.Active(key)
	if !ok {
		return nil, ErrNothingToRepay
	}

	custody := e.custody.Raw()
	holder, err := c.registry.OwnerOf(ctx, collateralID)
	if err != nil {
		return nil, err
	}
	if holder != custody {
		return nil, ErrCustodyMismatch
	}

	now := e.now()
	due := repaymentFor(loan, c.params.InterestRateBps, now)
	if err := c.currency.TransferFrom(ctx, custody, key.Borrower, custody, due.Total); err != nil {
		return nil, fmt.Errorf("lending engine: collect repayment: %w", err)
	}
	refund := func(cause error) (*Repayment, error) {
		if err := c.currency.Transfer(ctx, custody, key.Borrower, due.Total); err != nil {
			return nil, errors.Join(cause, fmt.Errorf("lending engine: refund repayment: %w", err))
		}
		return nil, cause
	}

	closed, undo, err := e.ledger.Close(key, now)
	if err != nil {
		return refund(err)
	}
	if err := c.registry.TransferCustody(ctx, custody, custody, key.Borrower, collateralID); err != nil {
		cause := fmt.Errorf("lending engine: return collateral: %w", err)
		if uerr := undo(); uerr != nil {
			cause = errors.Join(cause, fmt.Errorf("lending engine: rollback: %w", uerr))
		}
		return refund(cause)
	}

	e.emit(events.LoanRepaid{
		LoanID:       closed.ID,
		CollateralID: collateralID,
		Borrower:     key.Borrower,
		Principal:    cloneBigInt(due.Principal),
		Interest:     cloneBigInt(due.Interest),
		Total:        cloneBigInt(due.Total),
		Timestamp:    now,
	})
	return due, nil
}

func repaymentFor(loan *Loan, rateBps uint64, now int64) *Repayment {
	principal := cloneBigInt(loan.Principal)
	interest := simpleInterest(principal, rateBps, now-loan.LastAccrual)
	return &Repayment{
		Total:     new(big.Int).Add(principal, interest),
		Principal: principal,
		Interest:  interest,
	}
}
