package lending

import (
	"fmt"
	"time"
)

const (
	// DefaultGramsPerOunceE4 is 31.1035 grams per troy ounce with four
	// implied decimals.
	DefaultGramsPerOunceE4 = 311_035
	DefaultLTVPercent      = 70
	DefaultInterestRateBps = 500
	// DefaultMaxInterestRateBps caps the owner-settable rate at 100% APR.
	DefaultMaxInterestRateBps = 10_000
	// DefaultHeartbeatSeconds bounds the age of a quote the engine accepts
	// from a feed that performs no validation of its own.
	DefaultHeartbeatSeconds = 3_600
)

// Params are the tunable economic parameters of the engine.
type Params struct {
	InterestRateBps    uint64
	LTVPercent         uint64
	GramsPerOunceE4    uint64
	MaxInterestRateBps uint64
	HeartbeatSeconds   uint64
}

func DefaultParams() Params {
	return Params{
		InterestRateBps:    DefaultInterestRateBps,
		LTVPercent:         DefaultLTVPercent,
		GramsPerOunceE4:    DefaultGramsPerOunceE4,
		MaxInterestRateBps: DefaultMaxInterestRateBps,
		HeartbeatSeconds:   DefaultHeartbeatSeconds,
	}
}

// Validate ensures the parameters describe a usable market.
func (p Params) Validate() error {
	if p.LTVPercent == 0 || p.LTVPercent > 100 {
		return fmt.Errorf("%w: ltv percent must be within (0, 100]", ErrInvalidParams)
	}
	if p.GramsPerOunceE4 == 0 {
		return fmt.Errorf("%w: grams per ounce must be positive", ErrInvalidParams)
	}
	if p.MaxInterestRateBps == 0 {
		return fmt.Errorf("%w: max interest rate must be positive", ErrInvalidParams)
	}
	if p.HeartbeatSeconds == 0 {
		return fmt.Errorf("%w: heartbeat must be positive", ErrInvalidParams)
	}
	if p.InterestRateBps > p.MaxInterestRateBps {
		return fmt.Errorf("%w: interest rate %d exceeds max %d", ErrInvalidParams, p.InterestRateBps, p.MaxInterestRateBps)
	}
	return nil
}

// Heartbeat is the maximum quote age as a duration.
func (p Params) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}
