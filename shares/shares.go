// Package shares converts between vault share balances and absolute token
// amounts.
//
// A vault such as BentoBox does not record deposits as token amounts. Each
// token has a pool described by two counters: the total token amount the pool
// holds (elastic) and the total shares issued against it (base). A depositor
// owns shares, and the amount those shares are worth is
//
//	amount = floor(shares * totalAmount / totalShares)
//
// All arithmetic is done on 256-bit unsigned integers with a 512-bit
// intermediate product, so shares*totalAmount never overflows before the
// division. Results always truncate toward zero: a holder is never credited
// with more than its proportional entitlement.
//
// The three inputs must come from the same on-chain snapshot. Mixing pool
// totals from one block with a share balance from another produces an amount
// that was never true on chain.
package shares

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a conversion result does not fit in 256 bits.
	ErrOverflow = errors.New("shares: result overflows 256 bits")
	// ErrOutOfRange is returned when a big.Int input is negative or wider than 256 bits.
	ErrOutOfRange = errors.New("shares: value out of uint256 range")
)

// ToAmount converts a share balance to a token amount.
// It returns zero when shares or totalShares is zero.
func ToAmount(shares, totalAmount, totalShares *uint256.Int) (*uint256.Int, error) {
	if shares.IsZero() || totalShares.IsZero() {
		return new(uint256.Int), nil
	}
	amount, overflow := new(uint256.Int).MulDivOverflow(shares, totalAmount, totalShares)
	if overflow {
		return nil, ErrOverflow
	}
	return amount, nil
}

// ToShare converts a token amount to shares at the pool's current ratio.
// An empty pool (totalAmount == 0) mints shares at par. With roundUp set the
// result is the smallest share count worth at least amount, which is how the
// vault charges withdrawals.
func ToShare(amount, totalAmount, totalShares *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int), nil
	}
	if totalAmount.IsZero() {
		return amount.Clone(), nil
	}
	share, overflow := new(uint256.Int).MulDivOverflow(amount, totalShares, totalAmount)
	if overflow {
		return nil, ErrOverflow
	}
	if roundUp && !totalShares.IsZero() {
		back, overflow := new(uint256.Int).MulDivOverflow(share, totalAmount, totalShares)
		if overflow {
			return nil, ErrOverflow
		}
		if back.Lt(amount) {
			if _, overflow := share.AddOverflow(share, uint256.NewInt(1)); overflow {
				return nil, ErrOverflow
			}
		}
	}
	return share, nil
}

// Rebase is a snapshot of a vault pool's totals for one token.
type Rebase struct {
	// Elastic is the total token amount held by the pool.
	Elastic *uint256.Int
	// Base is the total number of shares issued against the pool.
	Base *uint256.Int
}

// RebaseFromBig builds a Rebase from ABI-decoded totals.
func RebaseFromBig(elastic, base *big.Int) (Rebase, error) {
	e, err := FromBig(elastic)
	if err != nil {
		return Rebase{}, fmt.Errorf("elastic: %w", err)
	}
	b, err := FromBig(base)
	if err != nil {
		return Rebase{}, fmt.Errorf("base: %w", err)
	}
	return Rebase{Elastic: e, Base: b}, nil
}

// ToAmount converts shares to an amount against this pool.
func (r Rebase) ToAmount(shares *uint256.Int) (*uint256.Int, error) {
	return ToAmount(shares, r.elastic(), r.base())
}

// ToShare converts an amount to shares against this pool.
func (r Rebase) ToShare(amount *uint256.Int, roundUp bool) (*uint256.Int, error) {
	return ToShare(amount, r.elastic(), r.base(), roundUp)
}

func (r Rebase) elastic() *uint256.Int {
	if r.Elastic == nil {
		return new(uint256.Int)
	}
	return r.Elastic
}

func (r Rebase) base() *uint256.Int {
	if r.Base == nil {
		return new(uint256.Int)
	}
	return r.Base
}

// FromBig converts a big.Int to a uint256. A nil input is treated as zero.
func FromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrOutOfRange
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOutOfRange
	}
	return u, nil
}

// ToAmountBig is ToAmount over big.Int values, the type the ABI decoder produces.
func ToAmountBig(shares, totalAmount, totalShares *big.Int) (*big.Int, error) {
	s, err := FromBig(shares)
	if err != nil {
		return nil, fmt.Errorf("shares: %w", err)
	}
	r, err := RebaseFromBig(totalAmount, totalShares)
	if err != nil {
		return nil, err
	}
	amount, err := r.ToAmount(s)
	if err != nil {
		return nil, err
	}
	return amount.ToBig(), nil
}
