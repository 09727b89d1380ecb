package lending

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"vaultlend/core/events"
	"vaultlend/crypto"
	"vaultlend/native/oracle"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
	"vaultlend/storage"
)

const (
	day        = int64(24 * 60 * 60)
	startClock = int64(1_700_000_000)
)

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = suffix
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

var (
	ownerAddr = makeAddress(0x0A)
	aliceAddr = makeAddress(0x01)
	bobAddr   = makeAddress(0x02)
)

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000_000_000_000))
}

func goldPrice(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), big.NewInt(100_000_000))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	engine    *Engine
	registry  *registry.Registry
	currency  *stable.Ledger
	feed      *oracle.ManualFeed
	validator *oracle.Validator
	emitter   *recordingEmitter
	custody   crypto.Address
	clock     int64
	round     int64
}

type harnessOption func(*Params)

// withScenarioOunce configures the 31.25 g/oz factor under which a 100 g bar
// at 2000/oz is worth exactly 6400.
func withScenarioOunce() harnessOption {
	return func(p *Params) { p.GramsPerOunceE4 = 312_500 }
}

func newHarness(t *testing.T, db storage.Database, opts ...harnessOption) *harness {
	t.Helper()
	params := DefaultParams()
	for _, opt := range opts {
		opt(&params)
	}
	custody := crypto.ModuleAddress("lending")
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		custody: custody,
		clock:   startClock,
		emitter: &recordingEmitter{},
	}

	engine, err := NewEngine(ownerAddr, custody, params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if db != nil {
		ledger, err := NewLedger(db)
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}
		if err := engine.SetLedger(ledger); err != nil {
			t.Fatalf("set ledger: %v", err)
		}
	}

	reg, err := registry.New(ownerAddr.Raw(), nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	for id, holder := range map[uint64]crypto.Address{1: aliceAddr, 2: bobAddr, 3: aliceAddr} {
		asset := registry.Asset{ID: id, Weight: 100, Purity: 999, CertificateID: "LBMA", VaultLocation: "ZRH", Active: true}
		if err := reg.Register(ownerAddr.Raw(), holder.Raw(), asset); err != nil {
			t.Fatalf("register asset %d: %v", id, err)
		}
	}
	for _, holder := range []crypto.Address{aliceAddr, bobAddr} {
		if err := reg.SetApprovalForAll(h.ctx, holder.Raw(), custody.Raw(), true); err != nil {
			t.Fatalf("approve custody: %v", err)
		}
	}

	currency, err := stable.New(ownerAddr.Raw(), nil)
	if err != nil {
		t.Fatalf("new currency: %v", err)
	}
	if err := currency.Mint(ownerAddr.Raw(), custody.Raw(), e18(1_000_000)); err != nil {
		t.Fatalf("mint liquidity: %v", err)
	}
	for _, holder := range []crypto.Address{aliceAddr, bobAddr} {
		if err := currency.Mint(ownerAddr.Raw(), holder.Raw(), e18(1_000)); err != nil {
			t.Fatalf("mint borrower funds: %v", err)
		}
		if err := currency.Approve(h.ctx, holder.Raw(), custody.Raw(), e18(1_000_000)); err != nil {
			t.Fatalf("approve repayment: %v", err)
		}
	}

	feed := oracle.NewManualFeed()
	validator := oracle.NewValidator(feed, time.Hour)
	validator.SetNowFunc(func() time.Time { return time.Unix(h.clock, 0) })

	engine.SetRegistry(reg)
	engine.SetCurrency(currency)
	engine.SetPriceFeed(validator)
	engine.SetEmitter(h.emitter)
	engine.SetNowFunc(func() int64 { return h.clock })

	h.engine = engine
	h.registry = reg
	h.currency = currency
	h.feed = feed
	h.validator = validator
	h.setPrice(goldPrice(2000))
	return h
}

// setPrice publishes a fresh quote in the next round at the current clock.
func (h *harness) setPrice(price *big.Int) {
	h.round++
	h.feed.Set(price, 8, big.NewInt(h.round), time.Unix(h.clock, 0))
}

func (h *harness) advance(seconds int64) {
	h.clock += seconds
}

func (h *harness) balance(addr crypto.Address) *big.Int {
	h.t.Helper()
	bal, err := h.currency.BalanceOf(h.ctx, addr.Raw())
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) ownerOf(id uint64) [20]byte {
	h.t.Helper()
	owner, err := h.registry.OwnerOf(h.ctx, id)
	if err != nil {
		h.t.Fatalf("owner of %d: %v", id, err)
	}
	return owner
}

func (h *harness) loanCount() uint64 {
	h.t.Helper()
	count, err := h.engine.LoanCount(h.ctx)
	if err != nil {
		h.t.Fatalf("loan count: %v", err)
	}
	return count
}

func (h *harness) mustCreate(borrower crypto.Address, id uint64) *Loan {
	h.t.Helper()
	loan, err := h.engine.CreateLoan(h.ctx, borrower, id)
	if err != nil {
		h.t.Fatalf("create loan %d: %v", id, err)
	}
	return loan
}
