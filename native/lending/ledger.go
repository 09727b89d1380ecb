package lending

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"vaultlend/crypto"
	"vaultlend/storage"
)

var (
	loanRecordPrefix = []byte("lending/loan/")
	nextLoanIDKey    = ethcrypto.Keccak256([]byte("lending/next-loan-id"))
	engineMetaKey    = ethcrypto.Keccak256([]byte("lending/engine-meta"))
)

func loanStorageKey(id uint64) []byte {
	buf := make([]byte, len(loanRecordPrefix)+8)
	copy(buf, loanRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(loanRecordPrefix):], id)
	return buf
}

type storedLoan struct {
	ID           uint64
	CollateralID uint64
	Borrower     [20]byte
	Principal    *big.Int
	LastAccrual  *big.Int
	ClosedAt     *big.Int
	Active       bool
}

func newStoredLoan(l *Loan) *storedLoan {
	return &storedLoan{
		ID:           l.ID,
		CollateralID: l.CollateralID,
		Borrower:     l.Borrower.Raw(),
		Principal:    cloneBigInt(l.Principal),
		LastAccrual:  big.NewInt(l.LastAccrual),
		ClosedAt:     big.NewInt(l.ClosedAt),
		Active:       l.Active,
	}
}

func (s *storedLoan) toLoan() *Loan {
	out := &Loan{
		ID:           s.ID,
		CollateralID: s.CollateralID,
		Borrower:     crypto.AddressFromRaw(crypto.AccountPrefix, s.Borrower),
		Principal:    cloneBigInt(s.Principal),
		Active:       s.Active,
	}
	if s.LastAccrual != nil {
		out.LastAccrual = s.LastAccrual.Int64()
	}
	if s.ClosedAt != nil {
		out.ClosedAt = s.ClosedAt.Int64()
	}
	return out
}

// engineMeta is the persisted administrative state.
type engineMeta struct {
	InterestRateBps uint64
	Owner           [20]byte
	Paused          bool
}

// Ledger holds every loan plus the borrower and collateral indexes. It is not
// safe for concurrent use; the engine serialises access through its call
// guard. Every mutation returns an undo func that restores memory and
// storage to the state before the mutation.
type Ledger struct {
	db           storage.Database
	loans        map[uint64]*Loan
	byKey        map[LoanKey]uint64
	byBorrower   map[[20]byte][]uint64
	byCollateral map[uint64]uint64
	nextID       uint64
	active       uint64
}

// NewLedger loads the ledger from db. A nil db keeps everything in memory.
func NewLedger(db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:           db,
		loans:        make(map[uint64]*Loan),
		byKey:        make(map[LoanKey]uint64),
		byBorrower:   make(map[[20]byte][]uint64),
		byCollateral: make(map[uint64]uint64),
		nextID:       1,
	}
	if db == nil {
		return l, nil
	}
	if err := db.Iterate(loanRecordPrefix, func(_, value []byte) error {
		var stored storedLoan
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("lending ledger: decode loan: %w", err)
		}
		l.index(stored.toLoan())
		return nil
	}); err != nil {
		return nil, err
	}
	raw, err := db.Get(nextLoanIDKey)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return nil, fmt.Errorf("lending ledger: corrupt loan counter")
		}
		if stored := binary.BigEndian.Uint64(raw); stored > l.nextID {
			l.nextID = stored
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return l, nil
}

func (l *Ledger) index(loan *Loan) {
	l.loans[loan.ID] = loan
	key := loan.Key()
	l.byKey[key] = loan.ID
	l.byBorrower[key.Borrower] = append(l.byBorrower[key.Borrower], loan.ID)
	l.byCollateral[loan.CollateralID] = loan.ID
	if loan.Active {
		l.active++
	}
	if loan.ID >= l.nextID {
		l.nextID = loan.ID + 1
	}
}

// Active returns the active loan for key, if any.
func (l *Ledger) Active(key LoanKey) (*Loan, bool) {
	id, ok := l.byKey[key]
	if !ok {
		return nil, false
	}
	loan := l.loans[id]
	if loan == nil || !loan.Active {
		return nil, false
	}
	return loan, true
}

// Latest returns the most recent loan for key regardless of status.
func (l *Ledger) Latest(key LoanKey) (*Loan, bool) {
	id, ok := l.byKey[key]
	if !ok {
		return nil, false
	}
	loan, ok := l.loans[id]
	return loan, ok
}

// ActiveByCollateral returns the active loan escrowing a collateral id.
func (l *Ledger) ActiveByCollateral(collateralID uint64) (*Loan, bool) {
	id, ok := l.byCollateral[collateralID]
	if !ok {
		return nil, false
	}
	loan := l.loans[id]
	if loan == nil || !loan.Active {
		return nil, false
	}
	return loan, true
}

// ByID returns a loan by identifier.
func (l *Ledger) ByID(id uint64) (*Loan, bool) {
	loan, ok := l.loans[id]
	return loan, ok
}

// BorrowerLoans returns the borrower's loan ids in creation order.
func (l *Ledger) BorrowerLoans(borrower [20]byte) []uint64 {
	return append([]uint64(nil), l.byBorrower[borrower]...)
}

// Count is the number of loans ever created.
func (l *Ledger) Count() uint64 { return l.nextID - 1 }

// ActiveCount is the number of loans currently open.
func (l *Ledger) ActiveCount() uint64 { return l.active }

// Open records a new active loan under the next identifier.
func (l *Ledger) Open(key LoanKey, principal *big.Int, now int64) (*Loan, func() error, error) {
	loan := &Loan{
		ID:           l.nextID,
		CollateralID: key.CollateralID,
		Borrower:     crypto.AddressFromRaw(crypto.AccountPrefix, key.Borrower),
		Principal:    cloneBigInt(principal),
		LastAccrual:  now,
		Active:       true,
	}

	prevKey, hadKey := l.byKey[key]
	prevCollateral, hadCollateral := l.byCollateral[key.CollateralID]
	prevBorrowerLen := len(l.byBorrower[key.Borrower])
	prevNextID := l.nextID

	if l.db != nil {
		encoded, err := rlp.EncodeToBytes(newStoredLoan(loan))
		if err != nil {
			return nil, nil, err
		}
		batch := l.db.NewBatch()
		batch.Put(loanStorageKey(loan.ID), encoded)
		batch.Put(nextLoanIDKey, encodeCounter(loan.ID+1))
		if err := batch.Write(); err != nil {
			return nil, nil, fmt.Errorf("lending ledger: persist loan: %w", err)
		}
	}
	l.index(loan)

	undo := func() error {
		delete(l.loans, loan.ID)
		if hadKey {
			l.byKey[key] = prevKey
		} else {
			delete(l.byKey, key)
		}
		if hadCollateral {
			l.byCollateral[key.CollateralID] = prevCollateral
		} else {
			delete(l.byCollateral, key.CollateralID)
		}
		if prevBorrowerLen == 0 {
			delete(l.byBorrower, key.Borrower)
		} else {
			l.byBorrower[key.Borrower] = l.byBorrower[key.Borrower][:prevBorrowerLen]
		}
		l.nextID = prevNextID
		l.active--
		if l.db == nil {
			return nil
		}
		batch := l.db.NewBatch()
		batch.Delete(loanStorageKey(loan.ID))
		batch.Put(nextLoanIDKey, encodeCounter(prevNextID))
		return batch.Write()
	}
	return loan, undo, nil
}

// Close marks the active loan for key as repaid.
func (l *Ledger) Close(key LoanKey, now int64) (*Loan, func() error, error) {
	loan, ok := l.Active(key)
	if !ok {
		return nil, nil, ErrNothingToRepay
	}
	previous := loan.Clone()
	updated := loan.Clone()
	updated.Active = false
	updated.ClosedAt = now
	if err := l.persist(updated); err != nil {
		return nil, nil, err
	}
	l.loans[loan.ID] = updated
	l.active--

	undo := func() error {
		l.loans[previous.ID] = previous
		l.active++
		return l.persist(previous)
	}
	return updated, undo, nil
}

func (l *Ledger) persist(loan *Loan) error {
	if l.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(newStoredLoan(loan))
	if err != nil {
		return err
	}
	if err := l.db.Put(loanStorageKey(loan.ID), encoded); err != nil {
		return fmt.Errorf("lending ledger: persist loan: %w", err)
	}
	return nil
}

func (l *Ledger) loadMeta() (*engineMeta, error) {
	if l.db == nil {
		return nil, nil
	}
	raw, err := l.db.Get(engineMetaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta := new(engineMeta)
	if err := rlp.DecodeBytes(raw, meta); err != nil {
		return nil, fmt.Errorf("lending ledger: decode engine meta: %w", err)
	}
	return meta, nil
}

func (l *Ledger) saveMeta(meta engineMeta) error {
	if l.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(&meta)
	if err != nil {
		return err
	}
	return l.db.Put(engineMetaKey, encoded)
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
