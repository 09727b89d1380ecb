package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vaultlend/crypto"
	"vaultlend/native/lending"
	"vaultlend/native/stable"
	"vaultlend/observability"
	telemetry "vaultlend/observability/otel"
	"vaultlend/services/lendingd/feeds"
)

const maxBodyBytes = 1 << 16

type loanResponse struct {
	ID           uint64 `json:"id"`
	CollateralID uint64 `json:"collateralId"`
	Borrower     string `json:"borrower"`
	Principal    string `json:"principal"`
	Originated   int64  `json:"originatedAt"`
	ClosedAt     int64  `json:"closedAt,omitempty"`
	Active       bool   `json:"active"`
}

func loanFrom(l *lending.Loan) loanResponse {
	return loanResponse{
		ID:           l.ID,
		CollateralID: l.CollateralID,
		Borrower:     l.Borrower.String(),
		Principal:    amountString(l.Principal),
		Originated:   l.LastAccrual,
		ClosedAt:     l.ClosedAt,
		Active:       l.Active,
	}
}

type repaymentResponse struct {
	CollateralID uint64 `json:"collateralId"`
	Borrower     string `json:"borrower"`
	Principal    string `json:"principal"`
	Interest     string `json:"interest"`
	Total        string `json:"total"`
	TotalDisplay string `json:"totalDisplay"`
}

func repaymentFrom(id uint64, borrower crypto.Address, r *lending.Repayment) repaymentResponse {
	return repaymentResponse{
		CollateralID: id,
		Borrower:     borrower.String(),
		Principal:    amountString(r.Principal),
		Interest:     amountString(r.Interest),
		Total:        amountString(r.Total),
		TotalDisplay: stable.FormatAmount(r.Total),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// track runs an engine operation inside a span and records its outcome.
func (s *Server) track(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "lending."+op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	reason := ""
	if err != nil {
		_, reason = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("lending.outcome", outcomeOf(err)))
	observability.Lending().Observe(op, time.Since(start), err, reason)
	return err
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// refreshState publishes market gauges after a state change.
func (s *Server) refreshState(ctx context.Context) {
	state, err := s.engine.State(ctx)
	if err != nil {
		return
	}
	observability.Lending().SetState(state.ActiveLoanCount, state.Params.InterestRateBps, state.Paused)
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
}

func mustIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return Identity{}, false
	}
	return id, true
}

// borrowerParam resolves ?borrower= and defaults to the caller.
func borrowerParam(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("borrower"))
	if raw == "" {
		id, ok := mustIdentity(w, r)
		return id.Address, ok
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type collateralRequest struct {
	CollateralID uint64 `json:"collateralId"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil || req.CollateralID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "collateralId required")
		return
	}
	var loan *lending.Loan
	err := s.track(r.Context(), "create_loan", func(ctx context.Context) error {
		var err error
		loan, err = s.engine.CreateLoan(ctx, id.Address, req.CollateralID)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.refreshState(r.Context())
	s.logger.Info("loan created", "loanId", loan.ID, "collateralId", loan.CollateralID, "borrower", id.Address.String())
	s.writeJSON(w, http.StatusCreated, loanFrom(loan))
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil || req.CollateralID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "collateralId required")
		return
	}
	var repayment *lending.Repayment
	err := s.track(r.Context(), "repay_loan", func(ctx context.Context) error {
		var err error
		repayment, err = s.engine.RepayLoan(ctx, id.Address, req.CollateralID)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.refreshState(r.Context())
	s.logger.Info("loan repaid", "collateralId", req.CollateralID, "borrower", id.Address.String(), "total", repayment.Total.String())
	s.writeJSON(w, http.StatusOK, repaymentFrom(req.CollateralID, id.Address, repayment))
}

func (s *Server) handleCollateralValue(w http.ResponseWriter, r *http.Request) {
	collateralID, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_collateral", "invalid collateral id")
		return
	}
	var v *lending.Valuation
	err = s.track(r.Context(), "valuate", func(ctx context.Context) error {
		var err error
		v, err = s.engine.Valuate(ctx, collateralID)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateralId":  collateralID,
		"weight":        v.Asset.Weight,
		"purity":        v.Asset.Purity,
		"price":         amountString(v.Quote.Price),
		"priceDecimals": v.Quote.Decimals,
		"roundId":       amountString(v.Quote.RoundID),
		"perGram":       amountString(v.PerGram),
		"value":         amountString(v.Value),
		"maxPrincipal":  amountString(v.MaxPrincipal),
	})
}

func (s *Server) handleInterest(w http.ResponseWriter, r *http.Request) {
	collateralID, err := uintParam(r, "collateralId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_collateral", "invalid collateral id")
		return
	}
	borrower, ok := borrowerParam(w, r)
	if !ok {
		return
	}
	interest, err := s.engine.CalculateInterest(r.Context(), collateralID, borrower)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateralId": collateralID,
		"borrower":     borrower.String(),
		"interest":     amountString(interest),
	})
}

func (s *Server) handleRepayment(w http.ResponseWriter, r *http.Request) {
	collateralID, err := uintParam(r, "collateralId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_collateral", "invalid collateral id")
		return
	}
	borrower, ok := borrowerParam(w, r)
	if !ok {
		return
	}
	due, err := s.engine.GetRepaymentAmount(r.Context(), collateralID, borrower)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, repaymentFrom(collateralID, borrower, due))
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrower, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	ids, err := s.engine.GetUserLoans(r.Context(), borrower)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	loans := make([]loanResponse, 0, len(ids))
	for _, loanID := range ids {
		loan, err := s.engine.LoanByID(r.Context(), loanID)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		loans = append(loans, loanFrom(loan))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"borrower": borrower.String(),
		"loanIds":  ids,
		"loans":    loans,
	})
}

func (s *Server) handleLoanByID(w http.ResponseWriter, r *http.Request) {
	loanID, err := uintParam(r, "loanId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_loan", "invalid loan id")
		return
	}
	loan, err := s.engine.LoanByID(r.Context(), loanID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loanFrom(loan))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.State(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":              state.Owner.String(),
		"custody":            state.Custody.String(),
		"interestRateBps":    state.Params.InterestRateBps,
		"maxInterestRateBps": state.Params.MaxInterestRateBps,
		"ltvPercent":         state.Params.LTVPercent,
		"gramsPerOunceE4":    state.Params.GramsPerOunceE4,
		"paused":             state.Paused,
		"priceFeed":          state.PriceFeed,
		"heartbeatSeconds":   int64(state.Heartbeat / time.Second),
		"loanCount":          state.LoanCount,
		"activeLoanCount":    state.ActiveLoanCount,
	})
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil || req.CollateralID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "collateralId required")
		return
	}
	custody := s.engine.Custody()
	if err := s.registry.Approve(r.Context(), id.Address.Raw(), custody.Raw(), req.CollateralID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateralId": req.CollateralID,
		"operator":     custody.String(),
	})
}

func (s *Server) handleStableApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "amount required")
		return
	}
	amount, err := stable.ParseAmount(req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	custody := s.engine.Custody()
	if err := s.currency.Approve(r.Context(), id.Address.Raw(), custody.Raw(), amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"spender":   custody.String(),
		"allowance": s.currency.Allowance(id.Address.Raw(), custody.Raw()).String(),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_disabled", "journal not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Admin handlers. The engine checks the caller against the owner; the admin
// scope only gates access to the routes.

func (s *Server) admin(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, caller crypto.Address) error) {
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	err := s.track(r.Context(), op, func(ctx context.Context) error {
		return fn(ctx, id.Address)
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.refreshState(r.Context())
	s.logger.Info("admin operation applied", "reason", op, "caller", id.Address.String())
	s.handleState(w, r)
}

func (s *Server) handleUpdateInterestRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bps *uint64 `json:"bps"`
	}
	if err := decodeBody(r, &req); err != nil || req.Bps == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "bps required")
		return
	}
	s.admin(w, r, "update_interest_rate", func(ctx context.Context, caller crypto.Address) error {
		return s.engine.UpdateInterestRate(ctx, caller, *req.Bps)
	})
}

func (s *Server) handleUpdatePriceFeed(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeError(w, http.StatusServiceUnavailable, "feeds_disabled", "price feed factory not configured")
		return
	}
	id, ok := mustIdentity(w, r)
	if !ok {
		return
	}
	// Building the feed dials its endpoint, so only the owner gets that far.
	if err := s.requireOwner(r.Context(), id.Address); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var spec feeds.Spec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	feed, err := s.feeds(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_price_feed", err.Error())
		return
	}
	s.admin(w, r, "update_price_feed", func(ctx context.Context, caller crypto.Address) error {
		return s.engine.UpdatePriceFeed(ctx, caller, feed)
	})
}

// handleManualPrice publishes a price to the shared manual feed. Only the
// engine owner may do so.
func (s *Server) handleManualPrice(w http.ResponseWriter, r *http.Request) {
	if s.manual == nil {
		writeError(w, http.StatusServiceUnavailable, "manual_feed_disabled", "manual feed not configured")
		return
	}
	var req struct {
		Price    string `json:"price"`
		Decimals uint8  `json:"decimals"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.Decimals == 0 {
		req.Decimals = 8
	}
	s.admin(w, r, "publish_price", func(ctx context.Context, caller crypto.Address) error {
		if err := s.requireOwner(ctx, caller); err != nil {
			return err
		}
		return s.manual.SetDecimal(req.Price, req.Decimals, s.Now())
	})
}

// requireOwner rejects callers other than the engine owner for routes whose
// effects happen outside the engine.
func (s *Server) requireOwner(ctx context.Context, caller crypto.Address) error {
	state, err := s.engine.State(ctx)
	if err != nil {
		return err
	}
	if !state.Owner.Equal(caller) {
		return lending.ErrUnauthorized
	}
	return nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, "pause", s.engine.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, "unpause", s.engine.Unpause)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwner string `json:"newOwner"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	next, err := crypto.DecodeAddress(req.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	s.admin(w, r, "transfer_ownership", func(ctx context.Context, caller crypto.Address) error {
		return s.engine.TransferOwnership(ctx, caller, next)
	})
}

var errStreamClosed = errors.New("event stream closed")
