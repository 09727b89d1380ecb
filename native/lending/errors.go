package lending

import (
	"errors"
	"fmt"

	"vaultlend/crypto"
	nativecommon "vaultlend/native/common"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
)

var (
	errNotConfigured = errors.New("lending engine: collaborators not configured")

	// ErrCircuitOpen rejects state-changing calls while the module is paused.
	ErrCircuitOpen = fmt.Errorf("lending engine: circuit open: %w", nativecommon.ErrModulePaused)

	ErrAssetInactive         = errors.New("lending engine: collateral asset inactive")
	ErrAlreadyBorrowed       = errors.New("lending engine: loan already active")
	ErrCollateralEscrowed    = errors.New("lending engine: collateral escrowed by another borrower")
	ErrCollateralNotOwned    = errors.New("lending engine: borrower does not hold the collateral")
	ErrInvalidValuation      = errors.New("lending engine: collateral valuation is zero")
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	ErrNothingToRepay        = errors.New("lending engine: no active loan to repay")
	ErrCustodyMismatch       = errors.New("lending engine: collateral custody mismatch")
	ErrLoanNotFound          = errors.New("lending engine: loan not found")
	ErrInvalidBorrower       = errors.New("lending engine: borrower address required")
	ErrInterestRateTooHigh   = errors.New("lending engine: interest rate exceeds maximum")
	ErrInvalidPriceFeed      = errors.New("lending engine: price feed required")
	ErrInvalidParams         = errors.New("lending engine: invalid parameters")
)

// Collaborator and guard errors are re-exported so callers only need to
// import this package to classify engine failures.
var (
	ErrAssetNotFound     = registry.ErrAssetNotFound
	ErrOracleUnavailable = oracle.ErrOracleUnavailable
	ErrStalePrice        = oracle.ErrStalePrice
	ErrInvalidPrice      = oracle.ErrInvalidPrice
	ErrInvalidRoundID    = oracle.ErrInvalidRoundID
	ErrReentrantCall     = nativecommon.ErrReentrantCall
	ErrUnauthorized      = nativecommon.ErrUnauthorized
	ErrAlreadyPaused     = nativecommon.ErrAlreadyPaused
	ErrNotPaused         = nativecommon.ErrNotPaused
)

// AlreadyBorrowedError reports the loan that blocks a duplicate CreateLoan.
// It matches ErrAlreadyBorrowed under errors.Is.
type AlreadyBorrowedError struct {
	LoanID       uint64
	CollateralID uint64
	Borrower     crypto.Address
}

func (e *AlreadyBorrowedError) Error() string {
	return fmt.Sprintf("lending engine: loan %d already active for collateral %d and borrower %s", e.LoanID, e.CollateralID, e.Borrower)
}

func (e *AlreadyBorrowedError) Is(target error) bool { return target == ErrAlreadyBorrowed }
