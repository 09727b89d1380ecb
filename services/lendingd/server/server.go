package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaultlend/core/events"
	"vaultlend/crypto"
	"vaultlend/native/lending"
	"vaultlend/native/oracle"
	"vaultlend/observability"
	"vaultlend/services/lendingd/feeds"
	"vaultlend/services/lendingd/journal"
)

// Engine is the lending surface exposed over HTTP.
type Engine interface {
	CreateLoan(ctx context.Context, borrower crypto.Address, collateralID uint64) (*lending.Loan, error)
	RepayLoan(ctx context.Context, borrower crypto.Address, collateralID uint64) (*lending.Repayment, error)
	Valuate(ctx context.Context, collateralID uint64) (*lending.Valuation, error)
	CalculateInterest(ctx context.Context, collateralID uint64, borrower crypto.Address) (*big.Int, error)
	GetRepaymentAmount(ctx context.Context, collateralID uint64, borrower crypto.Address) (*lending.Repayment, error)
	GetUserLoans(ctx context.Context, borrower crypto.Address) ([]uint64, error)
	GetLoan(ctx context.Context, collateralID uint64, borrower crypto.Address) (*lending.Loan, error)
	LoanByID(ctx context.Context, id uint64) (*lending.Loan, error)
	State(ctx context.Context) (lending.EngineState, error)
	Custody() crypto.Address

	UpdateInterestRate(ctx context.Context, caller crypto.Address, bps uint64) error
	UpdatePriceFeed(ctx context.Context, caller crypto.Address, feed oracle.Feed) error
	Pause(ctx context.Context, caller crypto.Address) error
	Unpause(ctx context.Context, caller crypto.Address) error
	TransferOwnership(ctx context.Context, caller, next crypto.Address) error
}

// Registry is the subset of the asset registry borrowers interact with.
type Registry interface {
	Approve(ctx context.Context, caller, spender [20]byte, id uint64) error
}

// Currency is the subset of the stable ledger borrowers interact with.
type Currency interface {
	Approve(ctx context.Context, owner, spender [20]byte, amount *big.Int) error
	BalanceOf(ctx context.Context, addr [20]byte) (*big.Int, error)
	Allowance(owner, spender [20]byte) *big.Int
}

// Journal serves recent events.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// FeedFactory builds a validated feed for the admin price-feed route.
type FeedFactory func(ctx context.Context, spec feeds.Spec) (oracle.Feed, error)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine     Engine
	Registry   Registry
	Currency   Currency
	Journal    Journal
	Bus        *events.Bus
	Feeds      FeedFactory
	ManualFeed *oracle.ManualFeed
	Auth       AuthConfig
	RateLimit  RateLimit
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine   Engine
	registry Registry
	currency Currency
	journal  Journal
	bus      *events.Bus
	feeds    FeedFactory
	manual   *oracle.ManualFeed
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	Now      func() time.Time

	router http.Handler
}

// New constructs the configured router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		currency: cfg.Currency,
		journal:  cfg.Journal,
		bus:      cfg.Bus,
		feeds:    cfg.Feeds,
		manual:   cfg.ManualFeed,
		auth:     NewAuthenticator(cfg.Auth, logger),
		limiter:  NewRateLimiter(cfg.RateLimit),
		logger:   logger,
		Now:      time.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped in tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lendingd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/collateral/{id}/value", s.handleCollateralValue)
		api.Get("/loans/id/{loanId}", s.handleLoanByID)
		api.Get("/borrowers/{address}/loans", s.handleBorrowerLoans)
		api.Get("/state", s.handleState)
		api.Get("/journal", s.handleJournal)
		api.Get("/events/ws", s.handleEventsWS)

		api.Group(func(authed chi.Router) {
			authed.Use(s.auth.Middleware())
			authed.Get("/loans/{collateralId}/interest", s.handleInterest)
			authed.Get("/loans/{collateralId}/repayment", s.handleRepayment)

			authed.Group(func(mutating chi.Router) {
				mutating.Use(s.limiter.Middleware("mutating"))
				mutating.Post("/loans", s.handleCreateLoan)
				mutating.Post("/loans/repay", s.handleRepayLoan)
				mutating.Post("/registry/approve", s.handleRegistryApprove)
				mutating.Post("/stable/approve", s.handleStableApprove)
			})
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.RequireAdmin())
			admin.Use(s.limiter.Middleware("admin"))
			admin.Post("/interest-rate", s.handleUpdateInterestRate)
			admin.Post("/price-feed", s.handleUpdatePriceFeed)
			admin.Post("/oracle/price", s.handleManualPrice)
			admin.Post("/pause", s.handlePause)
			admin.Post("/unpause", s.handleUnpause)
			admin.Post("/ownership", s.handleTransferOwnership)
		})
	})
	return r
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: message})
}

// writeEngineError classifies err, logs unexpected failures and writes the
// mapped response.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if code == "internal" {
		s.logger.Error("request failed", "route", r.URL.Path, "status", status, "error", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
