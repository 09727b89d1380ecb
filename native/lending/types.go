package lending

import (
	"math/big"
	"time"

	"vaultlend/crypto"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
)

// LoanKey identifies the position of a borrower against one collateral asset.
type LoanKey struct {
	CollateralID uint64
	Borrower     [20]byte
}

// Loan is a single borrowing position. A closed loan keeps its record so the
// borrower history stays complete.
type Loan struct {
	ID           uint64
	CollateralID uint64
	Borrower     crypto.Address
	Principal    *big.Int
	LastAccrual  int64
	ClosedAt     int64
	Active       bool
}

// Key returns the composite key of the loan.
func (l *Loan) Key() LoanKey {
	return LoanKey{CollateralID: l.CollateralID, Borrower: l.Borrower.Raw()}
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneBigInt(l.Principal)
	return &clone
}

// Repayment is the amount required to close a loan at a point in time.
type Repayment struct {
	Total     *big.Int
	Principal *big.Int
	Interest  *big.Int
}

// Valuation captures the inputs and result of a collateral valuation.
type Valuation struct {
	Asset   registry.Asset
	Quote   oracle.Quote
	PerGram *big.Int
	Value   *big.Int
	// MaxPrincipal is the principal a new loan against the asset would receive.
	MaxPrincipal *big.Int
}

// EngineState is a read-only snapshot of the engine configuration.
type EngineState struct {
	Owner           crypto.Address
	Custody         crypto.Address
	Params          Params
	Paused          bool
	PriceFeed       string
	Heartbeat       time.Duration
	LoanCount       uint64
	ActiveLoanCount uint64
}
