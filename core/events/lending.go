package events

import (
	"math/big"
	"strings"

	"vaultlend/core/types"
)

const (
	TypeLoanCreated          = "lending.loan.created"
	TypeLoanRepaid           = "lending.loan.repaid"
	TypeInterestRateUpdated  = "lending.rate.updated"
	TypePriceFeedUpdated     = "lending.feed.updated"
	TypeLendingPaused        = "lending.paused"
	TypeLendingUnpaused      = "lending.unpaused"
	TypeOwnershipTransferred = "lending.owner.transferred"
)

// LoanCreated is emitted once collateral is escrowed and the principal has
// been disbursed to the borrower.
type LoanCreated struct {
	LoanID          uint64
	CollateralID    uint64
	Borrower        [20]byte
	Principal       *big.Int
	CollateralValue *big.Int
	Timestamp       int64
}

func (LoanCreated) EventType() string { return TypeLoanCreated }

func (e LoanCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanCreated,
		Attributes: map[string]string{
			"loanId":          uintToString(e.LoanID),
			"collateralId":    uintToString(e.CollateralID),
			"borrower":        formatAddress(e.Borrower),
			"principal":       formatAmount(e.Principal),
			"collateralValue": formatAmount(e.CollateralValue),
			"timestamp":       intToString(e.Timestamp),
		},
	}
}

// LoanRepaid is emitted after the debt was collected and custody returned.
type LoanRepaid struct {
	LoanID       uint64
	CollateralID uint64
	Borrower     [20]byte
	Principal    *big.Int
	Interest     *big.Int
	Total        *big.Int
	Timestamp    int64
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"loanId":       uintToString(e.LoanID),
			"collateralId": uintToString(e.CollateralID),
			"borrower":     formatAddress(e.Borrower),
			"principal":    formatAmount(e.Principal),
			"interest":     formatAmount(e.Interest),
			"total":        formatAmount(e.Total),
			"timestamp":    intToString(e.Timestamp),
		},
	}
}

type InterestRateUpdated struct {
	Previous uint64
	Current  uint64
}

func (InterestRateUpdated) EventType() string { return TypeInterestRateUpdated }

func (e InterestRateUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeInterestRateUpdated,
		Attributes: map[string]string{
			"previousBps": uintToString(e.Previous),
			"currentBps":  uintToString(e.Current),
		},
	}
}

type PriceFeedUpdated struct {
	Feed string
}

func (PriceFeedUpdated) EventType() string { return TypePriceFeedUpdated }

func (e PriceFeedUpdated) Event() *types.Event {
	return &types.Event{
		Type:       TypePriceFeedUpdated,
		Attributes: map[string]string{"feed": strings.TrimSpace(e.Feed)},
	}
}

type LendingPaused struct {
	By [20]byte
}

func (LendingPaused) EventType() string { return TypeLendingPaused }

func (e LendingPaused) Event() *types.Event {
	return &types.Event{
		Type:       TypeLendingPaused,
		Attributes: map[string]string{"by": formatAddress(e.By)},
	}
}

type LendingUnpaused struct {
	By [20]byte
}

func (LendingUnpaused) EventType() string { return TypeLendingUnpaused }

func (e LendingUnpaused) Event() *types.Event {
	return &types.Event{
		Type:       TypeLendingUnpaused,
		Attributes: map[string]string{"by": formatAddress(e.By)},
	}
}

type OwnershipTransferred struct {
	Previous [20]byte
	Next     [20]byte
}

func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnershipTransferred,
		Attributes: map[string]string{
			"previous": formatAddress(e.Previous),
			"next":     formatAddress(e.Next),
		},
	}
}
