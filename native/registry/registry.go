package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"vaultlend/storage"
)

var (
	ErrAssetNotFound  = errors.New("registry: asset not found")
	ErrAssetExists    = errors.New("registry: asset already registered")
	ErrUnauthorized   = errors.New("registry: caller not authorised")
	ErrNotOwner       = errors.New("registry: transfer source is not the owner")
	ErrInvalidAddress = errors.New("registry: invalid address")
	ErrInvalidAsset   = errors.New("registry: invalid asset")
)

var (
	assetPrefix    = []byte("registry/asset/")
	operatorPrefix = []byte("registry/operator/")
)

// Asset describes a tokenized collateral item such as a certified gold bar.
type Asset struct {
	ID            uint64 `json:"id"`
	Weight        uint64 `json:"weight"`
	Purity        uint64 `json:"purity"`
	CertificateID string `json:"certificateId"`
	VaultLocation string `json:"vaultLocation"`
	Active        bool   `json:"active"`
}

// TransferHook is invoked after custody moved. Returning an error reverts the
// transfer. The context is the one handed to TransferCustody.
type TransferHook func(ctx context.Context, from, to [20]byte, id uint64) error

type assetRecord struct {
	Asset    Asset    `json:"asset"`
	Owner    [20]byte `json:"owner"`
	Approved [20]byte `json:"approved"`
}

// Registry is the reference asset registry: it records asset metadata,
// per-asset ownership (custody) and transfer approvals.
type Registry struct {
	mu        sync.RWMutex
	db        storage.Database
	admin     [20]byte
	records   map[uint64]*assetRecord
	operators map[[20]byte]map[[20]byte]bool
	hook      TransferHook
}

// New constructs a registry administered by admin. When db is non-nil the
// registry loads existing records from it and writes every mutation through.
func New(admin [20]byte, db storage.Database) (*Registry, error) {
	r := &Registry{
		db:        db,
		admin:     admin,
		records:   make(map[uint64]*assetRecord),
		operators: make(map[[20]byte]map[[20]byte]bool),
	}
	if db == nil {
		return r, nil
	}
	if err := db.Iterate(assetPrefix, func(_, value []byte) error {
		var rec assetRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("registry: decode asset: %w", err)
		}
		r.records[rec.Asset.ID] = &rec
		return nil
	}); err != nil {
		return nil, err
	}
	if err := db.Iterate(operatorPrefix, func(key, value []byte) error {
		raw := key[len(operatorPrefix):]
		if len(raw) != 40 || len(value) != 1 || value[0] != 1 {
			return nil
		}
		var owner, operator [20]byte
		copy(owner[:], raw[:20])
		copy(operator[:], raw[20:])
		r.setOperatorLocked(owner, operator, true)
		return nil
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// SetTransferHook installs a post-transfer callback. Passing nil removes it.
func (r *Registry) SetTransferHook(hook TransferHook) {
	r.mu.Lock()
	r.hook = hook
	r.mu.Unlock()
}

// Register records a new asset owned by owner. Only the registry admin may
// register assets.
func (r *Registry) Register(caller, owner [20]byte, asset Asset) error {
	if caller != r.admin {
		return ErrUnauthorized
	}
	if owner == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if asset.ID == 0 || asset.Weight == 0 {
		return fmt.Errorf("%w: id and weight must be positive", ErrInvalidAsset)
	}
	asset.CertificateID = strings.TrimSpace(asset.CertificateID)
	asset.VaultLocation = strings.TrimSpace(asset.VaultLocation)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[asset.ID]; ok {
		return ErrAssetExists
	}
	rec := &assetRecord{Asset: asset, Owner: owner}
	if err := r.persistLocked(rec); err != nil {
		return err
	}
	r.records[asset.ID] = rec
	return nil
}

// SetActive toggles whether an asset may back new loans.
func (r *Registry) SetActive(caller [20]byte, id uint64, active bool) error {
	if caller != r.admin {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrAssetNotFound
	}
	updated := *rec
	updated.Asset.Active = active
	if err := r.persistLocked(&updated); err != nil {
		return err
	}
	r.records[id] = &updated
	return nil
}

// Asset returns the asset metadata.
func (r *Registry) Asset(_ context.Context, id uint64) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	return rec.Asset, nil
}

// OwnerOf returns the current custodian of the asset.
func (r *Registry) OwnerOf(_ context.Context, id uint64) ([20]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return [20]byte{}, ErrAssetNotFound
	}
	return rec.Owner, nil
}

// Approve lets spender move a single asset owned by caller.
func (r *Registry) Approve(_ context.Context, caller, spender [20]byte, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrAssetNotFound
	}
	if rec.Owner != caller {
		return ErrUnauthorized
	}
	updated := *rec
	updated.Approved = spender
	if err := r.persistLocked(&updated); err != nil {
		return err
	}
	r.records[id] = &updated
	return nil
}

// SetApprovalForAll lets operator move every asset owned by caller.
func (r *Registry) SetApprovalForAll(_ context.Context, caller, operator [20]byte, approved bool) error {
	if operator == ([20]byte{}) || operator == caller {
		return ErrInvalidAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		key := operatorKey(caller, operator)
		var err error
		if approved {
			err = r.db.Put(key, []byte{1})
		} else {
			err = r.db.Delete(key)
		}
		if err != nil {
			return err
		}
	}
	r.setOperatorLocked(caller, operator, approved)
	return nil
}

// IsApprovedForAll reports whether operator may move every asset of owner.
func (r *Registry) IsApprovedForAll(owner, operator [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

// TransferCustody moves asset id from -> to on behalf of operator. The
// operator must be the owner, the approved spender or an approved-for-all
// operator. Approvals for the asset are cleared.
func (r *Registry) TransferCustody(ctx context.Context, operator, from, to [20]byte, id uint64) error {
	if to == ([20]byte{}) {
		return ErrInvalidAddress
	}
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrAssetNotFound
	}
	if rec.Owner != from {
		r.mu.Unlock()
		return ErrNotOwner
	}
	if operator != from && rec.Approved != operator && !r.operators[from][operator] {
		r.mu.Unlock()
		return ErrUnauthorized
	}
	previous := *rec
	updated := *rec
	updated.Owner = to
	updated.Approved = [20]byte{}
	if err := r.persistLocked(&updated); err != nil {
		r.mu.Unlock()
		return err
	}
	r.records[id] = &updated
	hook := r.hook
	r.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, id); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if perr := r.persistLocked(&previous); perr != nil {
			return errors.Join(err, perr)
		}
		r.records[id] = &previous
		return err
	}
	return nil
}

func (r *Registry) setOperatorLocked(owner, operator [20]byte, approved bool) {
	if !approved {
		if ops := r.operators[owner]; ops != nil {
			delete(ops, operator)
		}
		return
	}
	ops := r.operators[owner]
	if ops == nil {
		ops = make(map[[20]byte]bool)
		r.operators[owner] = ops
	}
	ops[operator] = true
}

func (r *Registry) persistLocked(rec *assetRecord) error {
	if r.db == nil {
		return nil
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Put(assetKey(rec.Asset.ID), encoded)
}

func assetKey(id uint64) []byte {
	key := make([]byte, len(assetPrefix)+8)
	copy(key, assetPrefix)
	binary.BigEndian.PutUint64(key[len(assetPrefix):], id)
	return key
}

func operatorKey(owner, operator [20]byte) []byte {
	key := make([]byte, 0, len(operatorPrefix)+40)
	key = append(key, operatorPrefix...)
	key = append(key, owner[:]...)
	return append(key, operator[:]...)
}

// String renders the asset for logs.
func (a Asset) String() string {
	return fmt.Sprintf("asset#%d(%dg/%d cert=%s vault=%s active=%t)", a.ID, a.Weight, a.Purity, a.CertificateID, a.VaultLocation, a.Active)
}
