// Package rates prices tokens against the chain's wrapped native token using
// Uniswap V2-style pair reserves.
package rates

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// getReservesSig is the method signature for the getReserves() contract call.
	getReservesSig = abi.UniswapV2PairABI.Methods["getReserves"].ID

	// One is the rate of the wrapped native token against itself: 1e18.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// PairFactory identifies a Uniswap V2-style deployment whose pair addresses
// can be derived with CREATE2.
type PairFactory struct {
	// Address is the factory contract address.
	Address common.Address
	// InitCodeHash is the keccak256 of the pair contract's creation code.
	InitCodeHash common.Hash
}

// SortTokens returns the two tokens in the order a pair stores them.
func SortTokens(a, b common.Address) (token0, token1 common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PairFor computes the address of the pair for tokens a and b without any RPC call.
func (f PairFactory) PairFor(a, b common.Address) common.Address {
	token0, token1 := SortTokens(a, b)
	salt := crypto.Keccak256(token0.Bytes(), token1.Bytes())
	hash := crypto.Keccak256([]byte{0xff}, f.Address.Bytes(), salt, f.InitCodeHash.Bytes())
	return common.BytesToAddress(hash[12:])
}

// ReservesCall builds a batched getReserves call on pair. Failure is allowed:
// a pair that was never created has no code and is priced at zero.
func ReservesCall(pair common.Address) multicall.Call {
	return multicall.Call{Target: pair, AllowFailure: true, CallData: getReservesSig}
}

// DecodeReserves unpacks getReserves() return data.
func DecodeReserves(data []byte) (reserve0, reserve1 *big.Int, err error) {
	// The getReserves() function returns (uint112 reserve0, uint112 reserve1, uint32 blockTimestampLast).
	// The return data is packed into three 32-byte slots, for a total of 96 bytes.
	if len(data) != 96 {
		return nil, nil, fmt.Errorf("invalid response length for getReserves: got %d bytes", len(data))
	}
	reserve0 = new(big.Int).SetBytes(data[0:32])
	reserve1 = new(big.Int).SetBytes(data[32:64])
	return reserve0, reserve1, nil
}

// Rate returns how many base units of token trade for 1e18 base units of
// wrappedNative in the token/wrappedNative pair with the given reserves.
// The wrapped native token itself is always One. A missing or drained pair
// yields zero.
func Rate(token, wrappedNative common.Address, reserve0, reserve1 *big.Int) *big.Int {
	if token == wrappedNative {
		return new(big.Int).Set(One)
	}
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() == 0 || reserve1.Sign() == 0 {
		return new(big.Int)
	}

	token0, _ := SortTokens(token, wrappedNative)
	nativeReserve, tokenReserve := reserve1, reserve0
	if token0 == wrappedNative {
		nativeReserve, tokenReserve = reserve0, reserve1
	}

	out := new(big.Int).Mul(tokenReserve, One)
	return out.Quo(out, nativeReserve)
}

// RateFromResult decodes a batched getReserves result and prices token with it.
func RateFromResult(token, wrappedNative common.Address, r multicall.Result) *big.Int {
	if token == wrappedNative {
		return new(big.Int).Set(One)
	}
	data, err := r.Data()
	if err != nil {
		return new(big.Int)
	}
	reserve0, reserve1, err := DecodeReserves(data)
	if err != nil {
		return new(big.Int)
	}
	return Rate(token, wrappedNative, reserve0, reserve1)
}
