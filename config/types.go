package config

import (
	"fmt"
	"time"

	"vaultlend/crypto"
	"vaultlend/native/lending"
)

// Supported ledger storage backends.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// DefaultCustodyModule names the module account holding escrowed collateral
// and lending liquidity.
const DefaultCustodyModule = "lending"

// Lending captures the engine's economic parameters and oracle policy.
type Lending struct {
	Owner              string `toml:"Owner"`
	Custody            string `toml:"Custody"`
	InterestRateBps    uint64 `toml:"InterestRateBps"`
	MaxInterestRateBps uint64 `toml:"MaxInterestRateBps"`
	LTVPercent         uint64 `toml:"LTVPercent"`
	GramsPerOunceE4    uint64 `toml:"GramsPerOunceE4"`
	HeartbeatSeconds   uint64 `toml:"HeartbeatSeconds"`
	// StrictOracle enables round and timestamp monotonicity checks on top of
	// the positive-price check.
	StrictOracle bool `toml:"StrictOracle"`
}

func DefaultLending() Lending {
	params := lending.DefaultParams()
	return Lending{
		Custody:            crypto.ModuleAddress(DefaultCustodyModule).String(),
		InterestRateBps:    params.InterestRateBps,
		MaxInterestRateBps: params.MaxInterestRateBps,
		LTVPercent:         params.LTVPercent,
		GramsPerOunceE4:    params.GramsPerOunceE4,
		HeartbeatSeconds:   params.HeartbeatSeconds,
		StrictOracle:       true,
	}
}

// Params converts the section into engine parameters.
func (l Lending) Params() lending.Params {
	return lending.Params{
		InterestRateBps:    l.InterestRateBps,
		LTVPercent:         l.LTVPercent,
		GramsPerOunceE4:    l.GramsPerOunceE4,
		MaxInterestRateBps: l.MaxInterestRateBps,
		HeartbeatSeconds:   l.HeartbeatSeconds,
	}
}

// Heartbeat returns the maximum accepted oracle quote age.
func (l Lending) Heartbeat() time.Duration {
	return time.Duration(l.HeartbeatSeconds) * time.Second
}

// OwnerAddress decodes the configured owner.
func (l Lending) OwnerAddress() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(l.Owner)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("lending.Owner: %w", err)
	}
	return addr, nil
}

// CustodyAddress decodes the configured custody account.
func (l Lending) CustodyAddress() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(l.Custody)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("lending.Custody: %w", err)
	}
	return addr, nil
}
