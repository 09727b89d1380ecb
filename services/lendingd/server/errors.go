package server

import (
	"errors"
	"net/http"

	nativecommon "vaultlend/native/common"
	"vaultlend/native/lending"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
)

// apiError is the JSON body returned for every failed request.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorTable is evaluated in order; wrapped errors match their first entry.
// Oracle staleness is listed before availability because the validator wraps
// feed failures in ErrOracleUnavailable.
var errorTable = []errorMapping{
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
	{nativecommon.ErrReentrantCall, http.StatusConflict, "reentrant_call"},
	{nativecommon.ErrUnauthorized, http.StatusForbidden, "not_owner"},
	{nativecommon.ErrAlreadyPaused, http.StatusConflict, "already_paused"},
	{nativecommon.ErrNotPaused, http.StatusConflict, "not_paused"},
	{nativecommon.ErrInvalidOwner, http.StatusBadRequest, "invalid_owner"},

	{lending.ErrAlreadyBorrowed, http.StatusConflict, "already_borrowed"},
	{lending.ErrCollateralEscrowed, http.StatusConflict, "collateral_escrowed"},
	{lending.ErrCustodyMismatch, http.StatusConflict, "custody_mismatch"},
	{lending.ErrInsufficientLiquidity, http.StatusConflict, "insufficient_liquidity"},
	{lending.ErrNothingToRepay, http.StatusNotFound, "no_active_loan"},
	{lending.ErrLoanNotFound, http.StatusNotFound, "loan_not_found"},
	{lending.ErrAssetInactive, http.StatusUnprocessableEntity, "asset_inactive"},
	{lending.ErrCollateralNotOwned, http.StatusUnprocessableEntity, "collateral_not_owned"},
	{lending.ErrInvalidValuation, http.StatusUnprocessableEntity, "invalid_valuation"},
	{lending.ErrInvalidBorrower, http.StatusBadRequest, "invalid_borrower"},
	{lending.ErrInterestRateTooHigh, http.StatusBadRequest, "rate_too_high"},
	{lending.ErrInvalidPriceFeed, http.StatusBadRequest, "invalid_price_feed"},
	{lending.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},

	{oracle.ErrStalePrice, http.StatusBadGateway, "stale_price"},
	{oracle.ErrInvalidPrice, http.StatusBadGateway, "invalid_price"},
	{oracle.ErrInvalidRoundID, http.StatusBadGateway, "invalid_round"},
	{oracle.ErrIncompleteRound, http.StatusBadGateway, "incomplete_round"},
	{oracle.ErrOracleUnavailable, http.StatusServiceUnavailable, "oracle_unavailable"},

	{registry.ErrAssetNotFound, http.StatusNotFound, "asset_not_found"},
	{registry.ErrUnauthorized, http.StatusForbidden, "registry_unauthorized"},
	{registry.ErrNotOwner, http.StatusForbidden, "not_asset_owner"},
	{registry.ErrInvalidAddress, http.StatusBadRequest, "invalid_address"},

	{stable.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "insufficient_allowance"},
	{stable.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{stable.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{stable.ErrAmountOverflow, http.StatusBadRequest, "amount_overflow"},
}

// classify maps an engine or collaborator error to an HTTP status and a
// stable code. Unknown errors are internal.
func classify(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
