package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"vaultlend/core/events"
	"vaultlend/crypto"
	"vaultlend/native/lending"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
	"vaultlend/services/lendingd/feeds"
	"vaultlend/services/lendingd/journal"
	"vaultlend/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

var (
	testOwner = testAddress(0x0A)
	testAlice = testAddress(0x01)
	testBob   = testAddress(0x02)
)

type testEnv struct {
	t        *testing.T
	server   *Server
	handler  http.Handler
	engine   *lending.Engine
	registry *registry.Registry
	currency *stable.Ledger
	manual   *oracle.ManualFeed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	custody := crypto.ModuleAddress("lending")
	engine, err := lending.NewEngine(testOwner, custody, lending.DefaultParams())
	require.NoError(t, err)
	ledger, err := lending.NewLedger(storage.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, engine.SetLedger(ledger))

	reg, err := registry.New(testOwner.Raw(), nil)
	require.NoError(t, err)
	for id, holder := range map[uint64]crypto.Address{1: testAlice, 2: testBob} {
		asset := registry.Asset{ID: id, Weight: 100, Purity: 999, CertificateID: "LBMA", VaultLocation: "ZRH", Active: true}
		require.NoError(t, reg.Register(testOwner.Raw(), holder.Raw(), asset))
	}

	currency, err := stable.New(testOwner.Raw(), nil)
	require.NoError(t, err)
	require.NoError(t, currency.Mint(testOwner.Raw(), custody.Raw(), new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))))
	require.NoError(t, currency.Mint(testOwner.Raw(), testAlice.Raw(), new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))))

	manual := oracle.NewManualFeed()
	require.NoError(t, manual.SetDecimal("2000", 8, time.Now()))
	builder := feeds.NewBuilder(manual, nil)
	feed, err := builder.Build(context.Background(), feeds.Spec{Type: feeds.Manual, Heartbeat: time.Hour, Strict: true})
	require.NoError(t, err)

	db, err := journal.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	jr := journal.New(db, nil)
	bus := events.NewBus(jr)

	engine.SetRegistry(reg)
	engine.SetCurrency(currency)
	engine.SetPriceFeed(feed)
	engine.SetEmitter(bus)

	srv := New(Config{
		Engine:     engine,
		Registry:   reg,
		Currency:   currency,
		Journal:    jr,
		Bus:        bus,
		Feeds:      builder.Build,
		ManualFeed: manual,
		Auth:       AuthConfig{HMACSecret: testSecret, AdminScope: "admin"},
		RateLimit:  RateLimit{RequestsPerMinute: 6000, Burst: 100},
	})
	return &testEnv{
		t:        t,
		server:   srv,
		handler:  srv.Handler(),
		engine:   engine,
		registry: reg,
		currency: currency,
		manual:   manual,
	}
}

func (e *testEnv) token(addr crypto.Address, scopes ...string) string {
	e.t.Helper()
	token, err := IssueToken(testSecret, TokenRequest{Subject: addr, Scopes: scopes, TTL: time.Hour})
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apiError
	decode(t, rec, &body)
	return body.Code
}

func TestBorrowAndRepayOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(testAlice)

	rec := env.do(http.MethodGet, "/v1/collateral/1/value", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var valuation map[string]interface{}
	decode(t, rec, &valuation)
	maxPrincipal, _ := valuation["maxPrincipal"].(string)
	require.NotEmpty(t, maxPrincipal)

	rec = env.do(http.MethodPost, "/v1/loans", alice, collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusForbidden, rec.Code, "custody must be approved first")
	require.Equal(t, "registry_unauthorized", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/registry/approve", alice, collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/loans", alice, collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var loan loanResponse
	decode(t, rec, &loan)
	require.NotZero(t, loan.ID)
	loanID := loan.ID
	require.Equal(t, maxPrincipal, loan.Principal)
	require.Equal(t, testAlice.String(), loan.Borrower)
	require.True(t, loan.Active)

	rec = env.do(http.MethodPost, "/v1/loans", alice, collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_borrowed", errorCode(t, rec))

	rec = env.do(http.MethodGet, "/v1/loans/1/repayment", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var due repaymentResponse
	decode(t, rec, &due)
	require.Equal(t, maxPrincipal, due.Principal)

	rec = env.do(http.MethodGet, "/v1/borrowers/"+testAlice.String()+"/loans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		LoanIDs []uint64       `json:"loanIds"`
		Loans   []loanResponse `json:"loans"`
	}
	decode(t, rec, &listing)
	require.Equal(t, []uint64{loanID}, listing.LoanIDs)
	require.Len(t, listing.Loans, 1)

	rec = env.do(http.MethodPost, "/v1/stable/approve", alice, map[string]string{"amount": "1000000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/loans/repay", alice, collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid repaymentResponse
	decode(t, rec, &paid)
	require.Equal(t, maxPrincipal, paid.Principal)

	owner, err := env.registry.OwnerOf(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, testAlice.Raw(), owner)

	rec = env.do(http.MethodGet, "/v1/loans/1/repayment", alice, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no_active_loan", errorCode(t, rec))

	rec = env.do(http.MethodGet, fmt.Sprintf("/v1/loans/id/%d", loanID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &loan)
	require.False(t, loan.Active)

	rec = env.do(http.MethodGet, "/v1/journal?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries struct {
		Entries []struct {
			Type string `json:"type"`
		} `json:"entries"`
	}
	decode(t, rec, &entries)
	types := make([]string, 0, len(entries.Entries))
	for _, entry := range entries.Entries {
		types = append(types, entry.Type)
	}
	require.Contains(t, types, events.TypeLoanCreated)
	require.Contains(t, types, events.TypeLoanRepaid)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/v1/loans", "", collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/loans", "not-a-token", collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/loans", env.token(testAlice), map[string]string{"collateral": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_payload", errorCode(t, rec))
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/admin/pause", env.token(testOwner), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "insufficient_scope", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/admin/pause", env.token(testBob, "admin"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_owner", errorCode(t, rec))

	owner := env.token(testOwner, "admin")
	rec = env.do(http.MethodPost, "/v1/admin/pause", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var state map[string]interface{}
	decode(t, rec, &state)
	require.Equal(t, true, state["paused"])

	env.do(http.MethodPost, "/v1/registry/approve", env.token(testAlice), collateralRequest{CollateralID: 1})
	rec = env.do(http.MethodPost, "/v1/loans", env.token(testAlice), collateralRequest{CollateralID: 1})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "paused", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/admin/pause", owner, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/v1/admin/unpause", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/v1/admin/interest-rate", owner, map[string]uint64{"bps": 5_000_000})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "rate_too_high", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/v1/admin/interest-rate", owner, map[string]uint64{"bps": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &state)
	require.EqualValues(t, 0, state["interestRateBps"])

	rec = env.do(http.MethodPost, "/v1/admin/oracle/price", owner, map[string]interface{}{"price": "2100.5", "decimals": 8})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodGet, "/v1/collateral/1/value", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var valuation map[string]interface{}
	decode(t, rec, &valuation)
	require.Equal(t, "210050000000", valuation["price"])

	rec = env.do(http.MethodPost, "/v1/admin/price-feed", owner, feeds.Spec{Type: feeds.Manual, Heartbeat: time.Hour})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/admin/ownership", owner, map[string]string{"newOwner": testBob.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &state)
	require.Equal(t, testBob.String(), state["owner"])

	rec = env.do(http.MethodPost, "/v1/admin/pause", owner, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpdatePriceFeedChecksOwnerBeforeBuilding(t *testing.T) {
	env := newTestEnv(t)
	built := 0
	env.server.feeds = func(context.Context, feeds.Spec) (oracle.Feed, error) {
		built++
		return env.manual, nil
	}
	spec := feeds.Spec{Type: feeds.HTTP, Endpoint: "http://127.0.0.1:1/price"}

	rec := env.do(http.MethodPost, "/v1/admin/price-feed", env.token(testBob, "admin"), spec)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_owner", errorCode(t, rec))
	require.Zero(t, built, "feed must not be built for a non-owner")

	rec = env.do(http.MethodPost, "/v1/admin/price-feed", env.token(testOwner, "admin"), spec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, built)
}

func TestStableApproveRejectsBadAmount(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/v1/stable/approve", env.token(testAlice), map[string]string{"amount": "1.0000000000000000001"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_amount", errorCode(t, rec))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.do(http.MethodGet, "/v1/state", "", nil)
	rec = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "vaultlend_http_requests_total"), "http metrics exported")
}
