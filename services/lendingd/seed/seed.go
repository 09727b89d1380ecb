package seed

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	vcrypto "vaultlend/crypto"
	"vaultlend/native/registry"
	"vaultlend/native/stable"
	"vaultlend/storage"
)

var markerPrefix = []byte("lendingd/seed/")

// File is the bootstrap description of registry assets and stable balances.
type File struct {
	Assets    []Asset   `yaml:"assets"`
	Balances  []Balance `yaml:"balances"`
	Liquidity string    `yaml:"liquidity"`
}

// Asset registers one collateral item.
type Asset struct {
	ID          uint64 `yaml:"id"`
	Owner       string `yaml:"owner"`
	Weight      uint64 `yaml:"weight"`
	Purity      uint64 `yaml:"purity"`
	Certificate string `yaml:"certificate"`
	Vault       string `yaml:"vault"`
	Inactive    bool   `yaml:"inactive"`
}

// Balance mints a whole-unit decimal amount to an address.
type Balance struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Result summarises what Apply did.
type Result struct {
	Skipped  bool
	Assets   int
	Balances int
}

// Load reads a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read: %w", err)
	}
	return Parse(raw)
}

// Parse decodes seed YAML.
func Parse(raw []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	return &file, nil
}

// Apply registers assets and mints balances once per distinct seed content.
// The admin must be both the registry admin and the stable minter. Liquidity
// is minted to custody.
func Apply(db storage.Database, file *File, reg *registry.Registry, ledger *stable.Ledger, admin, custody vcrypto.Address) (Result, error) {
	if file == nil {
		return Result{Skipped: true}, nil
	}
	marker, err := file.marker()
	if err != nil {
		return Result{}, err
	}
	if db != nil {
		if _, err := db.Get(marker); err == nil {
			return Result{Skipped: true}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("seed: read marker: %w", err)
		}
	}

	var res Result
	for _, a := range file.Assets {
		owner, err := vcrypto.DecodeAddress(a.Owner)
		if err != nil {
			return res, fmt.Errorf("seed: asset %d owner: %w", a.ID, err)
		}
		err = reg.Register(admin.Raw(), owner.Raw(), registry.Asset{
			ID:            a.ID,
			Weight:        a.Weight,
			Purity:        a.Purity,
			CertificateID: a.Certificate,
			VaultLocation: a.Vault,
			Active:        !a.Inactive,
		})
		if errors.Is(err, registry.ErrAssetExists) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed: asset %d: %w", a.ID, err)
		}
		res.Assets++
	}

	mints := append([]Balance(nil), file.Balances...)
	if strings.TrimSpace(file.Liquidity) != "" {
		mints = append(mints, Balance{Address: custody.String(), Amount: file.Liquidity})
	}
	for _, b := range mints {
		to, err := vcrypto.DecodeAddress(b.Address)
		if err != nil {
			return res, fmt.Errorf("seed: balance address: %w", err)
		}
		amount, err := stable.ParseAmount(b.Amount)
		if err != nil {
			return res, fmt.Errorf("seed: balance for %s: %w", b.Address, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		if err := ledger.Mint(admin.Raw(), to.Raw(), amount); err != nil {
			return res, fmt.Errorf("seed: mint to %s: %w", b.Address, err)
		}
		res.Balances++
	}

	if db != nil {
		if err := db.Put(marker, []byte{1}); err != nil {
			return res, fmt.Errorf("seed: write marker: %w", err)
		}
	}
	return res, nil
}

func (f *File) marker() ([]byte, error) {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("seed: encode: %w", err)
	}
	return append(append([]byte(nil), markerPrefix...), crypto.Keccak256(raw)...), nil
}
