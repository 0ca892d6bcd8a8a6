// Package amounts shapes raw token quantities for display.
package amounts

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is a raw token quantity together with its display forms.
type Amount struct {
	// Value is the raw amount in the token's base units.
	Value *big.Int `json:"value"`
	// String is Value scaled by the token's decimals.
	String string `json:"string"`
	// USDValue is the amount's worth in the USD token's base units.
	USDValue *big.Int `json:"usdValue"`
	// USD is USDValue scaled by the USD token's decimals.
	USD string `json:"usd"`
}

// New builds an Amount. usdPerToken is the price of one whole token expressed
// in USD-token base units, as returned by USDPerToken.
func New(value *big.Int, decimals uint8, usdPerToken *big.Int, usdDecimals uint8) Amount {
	if value == nil {
		value = new(big.Int)
	}
	usdValue := new(big.Int)
	if usdPerToken != nil && usdPerToken.Sign() > 0 {
		usdValue.Mul(value, usdPerToken)
		usdValue.Quo(usdValue, Pow10(decimals))
	}
	return Amount{
		Value:    new(big.Int).Set(value),
		String:   Format(value, decimals),
		USDValue: usdValue,
		USD:      Format(usdValue, usdDecimals),
	}
}

// Format renders value as a decimal string with the given number of decimals.
// Trailing zeros are dropped: 1500000 with 6 decimals is "1.5".
func Format(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// USDPerToken returns the USD-token base units one whole token is worth:
//
//	10^decimals * usdcRate / rate
//
// Both rates are quoted against the same reference token (the wrapped native
// token). A zero rate means the token cannot be priced and yields zero.
func USDPerToken(decimals uint8, usdcRate, rate *big.Int) *big.Int {
	if rate == nil || rate.Sign() == 0 || usdcRate == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(Pow10(decimals), usdcRate)
	return out.Quo(out, rate)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
