package stable

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"vaultlend/storage"
)

var (
	ErrInsufficientBalance   = errors.New("stable: insufficient balance")
	ErrInsufficientAllowance = errors.New("stable: insufficient allowance")
	ErrInvalidAmount         = errors.New("stable: amount must be non-negative")
	ErrAmountOverflow        = errors.New("stable: amount exceeds 256 bits")
	ErrUnauthorized          = errors.New("stable: caller not authorised to mint")
	ErrInvalidAddress        = errors.New("stable: invalid address")
)

var (
	balancePrefix   = []byte("stable/balance/")
	allowancePrefix = []byte("stable/allowance/")
	supplyKey       = []byte("stable/supply")
)

// TransferHook is invoked after a transfer settled. Returning an error
// reverts the transfer.
type TransferHook func(ctx context.Context, from, to [20]byte, amount *big.Int) error

// Ledger is the reference stable currency: 18-decimal balances and
// allowances held as 256-bit unsigned integers.
type Ledger struct {
	mu         sync.RWMutex
	db         storage.Database
	minter     [20]byte
	supply     *uint256.Int
	balances   map[[20]byte]*uint256.Int
	allowances map[[20]byte]map[[20]byte]*uint256.Int
	hook       TransferHook
}

// New constructs a ledger whose supply can only be expanded by minter. When
// db is non-nil, balances and allowances are restored from it and every
// mutation is written through.
func New(minter [20]byte, db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:         db,
		minter:     minter,
		supply:     new(uint256.Int),
		balances:   make(map[[20]byte]*uint256.Int),
		allowances: make(map[[20]byte]map[[20]byte]*uint256.Int),
	}
	if db == nil {
		return l, nil
	}
	if raw, err := db.Get(supplyKey); err == nil {
		l.supply.SetBytes(raw)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := db.Iterate(balancePrefix, func(key, value []byte) error {
		var addr [20]byte
		copy(addr[:], key[len(balancePrefix):])
		l.balances[addr] = new(uint256.Int).SetBytes(value)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("stable: load balances: %w", err)
	}
	if err := db.Iterate(allowancePrefix, func(key, value []byte) error {
		raw := key[len(allowancePrefix):]
		if len(raw) != 40 {
			return nil
		}
		var owner, spender [20]byte
		copy(owner[:], raw[:20])
		copy(spender[:], raw[20:])
		l.setAllowanceLocked(owner, spender, new(uint256.Int).SetBytes(value))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("stable: load allowances: %w", err)
	}
	return l, nil
}

// SetTransferHook installs a post-transfer callback. Passing nil removes it.
func (l *Ledger) SetTransferHook(hook TransferHook) {
	l.mu.Lock()
	l.hook = hook
	l.mu.Unlock()
}

func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// Mint credits newly issued currency to to.
func (l *Ledger) Mint(caller, to [20]byte, amount *big.Int) error {
	if caller != l.minter {
		return ErrUnauthorized
	}
	if to == ([20]byte{}) {
		return ErrInvalidAddress
	}
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, v)
	if overflow {
		return ErrAmountOverflow
	}
	balance, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(to), v)
	if overflow {
		return ErrAmountOverflow
	}
	batch := l.newBatch()
	if batch != nil {
		batch.Put(supplyKey, supply.Bytes())
		batch.Put(balanceKey(to), balance.Bytes())
		if err := batch.Write(); err != nil {
			return err
		}
	}
	l.supply = supply
	l.balances[to] = balance
	return nil
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply.ToBig()
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(_ context.Context, addr [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(addr).ToBig(), nil
}

// Allowance returns how much spender may still move on behalf of owner.
func (l *Ledger) Allowance(owner, spender [20]byte) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceLocked(owner, spender).ToBig()
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(_ context.Context, owner, spender [20]byte, amount *big.Int) error {
	if spender == ([20]byte{}) {
		return ErrInvalidAddress
	}
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		if err := l.db.Put(allowanceKey(owner, spender), v.Bytes()); err != nil {
			return err
		}
	}
	l.setAllowanceLocked(owner, spender, v)
	return nil
}

// Transfer moves amount from -> to.
func (l *Ledger) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	return l.transfer(ctx, nil, from, to, amount)
}

// TransferFrom moves amount from -> to on behalf of spender, consuming
// allowance.
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to [20]byte, amount *big.Int) error {
	return l.transfer(ctx, &spender, from, to, amount)
}

type snapshot struct {
	from, to  *uint256.Int
	allowance *uint256.Int
}

func (l *Ledger) transfer(ctx context.Context, spender *[20]byte, from, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return ErrInvalidAddress
	}
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := snapshot{from: l.balanceLocked(from).Clone(), to: l.balanceLocked(to).Clone()}
	if spender != nil {
		prev.allowance = l.allowanceLocked(from, *spender).Clone()
		if prev.allowance.Lt(v) {
			l.mu.Unlock()
			return ErrInsufficientAllowance
		}
	}
	if prev.from.Lt(v) {
		l.mu.Unlock()
		return ErrInsufficientBalance
	}
	if err := l.applyLocked(spender, from, to, v, prev); err != nil {
		l.mu.Unlock()
		return err
	}
	hook := l.hook
	l.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, new(big.Int).Set(amount)); err != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		if rerr := l.restoreLocked(spender, from, to, prev); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

func (l *Ledger) applyLocked(spender *[20]byte, from, to [20]byte, v *uint256.Int, prev snapshot) error {
	nextFrom := new(uint256.Int).Sub(prev.from, v)
	var nextTo *uint256.Int
	if from == to {
		nextTo = prev.to.Clone()
		nextFrom = prev.from.Clone()
	} else {
		var overflow bool
		nextTo, overflow = new(uint256.Int).AddOverflow(prev.to, v)
		if overflow {
			return ErrAmountOverflow
		}
	}
	var nextAllowance *uint256.Int
	if spender != nil {
		nextAllowance = new(uint256.Int).Sub(prev.allowance, v)
	}
	if batch := l.newBatch(); batch != nil {
		batch.Put(balanceKey(from), nextFrom.Bytes())
		batch.Put(balanceKey(to), nextTo.Bytes())
		if spender != nil {
			batch.Put(allowanceKey(from, *spender), nextAllowance.Bytes())
		}
		if err := batch.Write(); err != nil {
			return err
		}
	}
	l.balances[from] = nextFrom
	l.balances[to] = nextTo
	if spender != nil {
		l.setAllowanceLocked(from, *spender, nextAllowance)
	}
	return nil
}

func (l *Ledger) restoreLocked(spender *[20]byte, from, to [20]byte, prev snapshot) error {
	if batch := l.newBatch(); batch != nil {
		batch.Put(balanceKey(from), prev.from.Bytes())
		batch.Put(balanceKey(to), prev.to.Bytes())
		if spender != nil {
			batch.Put(allowanceKey(from, *spender), prev.allowance.Bytes())
		}
		if err := batch.Write(); err != nil {
			return err
		}
	}
	l.balances[to] = prev.to
	l.balances[from] = prev.from
	if spender != nil {
		l.setAllowanceLocked(from, *spender, prev.allowance)
	}
	return nil
}

func (l *Ledger) balanceLocked(addr [20]byte) *uint256.Int {
	if v, ok := l.balances[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) allowanceLocked(owner, spender [20]byte) *uint256.Int {
	if v, ok := l.allowances[owner][spender]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) setAllowanceLocked(owner, spender [20]byte, v *uint256.Int) {
	inner := l.allowances[owner]
	if inner == nil {
		inner = make(map[[20]byte]*uint256.Int)
		l.allowances[owner] = inner
	}
	inner[spender] = v
}

func (l *Ledger) newBatch() storage.Batch {
	if l.db == nil {
		return nil
	}
	return l.db.NewBatch()
}

func balanceKey(addr [20]byte) []byte {
	key := make([]byte, 0, len(balancePrefix)+20)
	key = append(key, balancePrefix...)
	return append(key, addr[:]...)
}

func allowanceKey(owner, spender [20]byte) []byte {
	key := make([]byte, 0, len(allowancePrefix)+40)
	key = append(key, allowancePrefix...)
	key = append(key, owner[:]...)
	return append(key, spender[:]...)
}
