package lending

import "math/big"

const (
	secondsPerYear = 31_536_000
	percentBase    = 100
)

var (
	basisPoints    = big.NewInt(10_000)
	wad            = big.NewInt(1_000_000_000_000_000_000)
	ounceScale     = big.NewInt(10_000)
	yearBasisPoint = new(big.Int).Mul(big.NewInt(secondsPerYear), basisPoints)
)

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// perGramValue normalises a per-ounce quote into an 18-decimal per-gram
// value. All scaling is applied before the single division so no precision
// is lost ahead of the final multiply.
func perGramValue(price *big.Int, decimals uint8, gramsPerOunceE4 uint64) *big.Int {
	if price == nil || price.Sign() <= 0 || gramsPerOunceE4 == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(price, wad)
	num.Mul(num, ounceScale)
	den := new(big.Int).Mul(pow10(decimals), new(big.Int).SetUint64(gramsPerOunceE4))
	return num.Quo(num, den)
}

// collateralValue multiplies the per-gram value by the asset weight.
func collateralValue(weight uint64, perGram *big.Int) *big.Int {
	if perGram == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(weight), perGram)
}

// maxPrincipal applies the loan-to-value ratio, rounding down.
func maxPrincipal(value *big.Int, ltvPercent uint64) *big.Int {
	if value == nil || value.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(value, new(big.Int).SetUint64(ltvPercent))
	return out.Quo(out, big.NewInt(percentBase))
}

// simpleInterest computes principal × rate × elapsed / (year × 10_000),
// rounding down. Negative elapsed time accrues nothing.
func simpleInterest(principal *big.Int, rateBps uint64, elapsed int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsed <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	out.Mul(out, big.NewInt(elapsed))
	return out.Quo(out, yearBasisPoint)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
