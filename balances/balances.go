// Package balances reads wallet and BentoBox balances for an account in
// single batched reads.
package balances

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/Iwinswap/iwinswap-bentobox-system/rates"
	"github.com/Iwinswap/iwinswap-bentobox-system/shares"
	"github.com/ethereum/go-ethereum/common"
)

var (
	erc20BalanceOf         = abi.ERC20ABI.Methods["balanceOf"]
	erc20Decimals          = abi.ERC20ABI.Methods["decimals"]
	erc20Name              = abi.ERC20ABI.Methods["name"]
	erc20Symbol            = abi.ERC20ABI.Methods["symbol"]
	bentoBalanceOf         = abi.BentoBoxABI.Methods["balanceOf"]
	bentoTotals            = abi.BentoBoxABI.Methods["totals"]
	masterContractApproved = abi.BentoBoxABI.Methods["masterContractApproved"]
)

// Token is the static description of an ERC-20 token.
type Token struct {
	Address  common.Address `json:"address" yaml:"address"`
	Name     string         `json:"name" yaml:"name"`
	Symbol   string         `json:"symbol" yaml:"symbol"`
	Decimals uint8          `json:"decimals" yaml:"decimals"`
}

// TokenBalance is one token's slice of a Snapshot.
type TokenBalance struct {
	Token common.Address
	// Wallet is the account's ERC-20 balance.
	Wallet *big.Int
	// BentoShares is the account's BentoBox share balance.
	BentoShares *big.Int
	// Totals are the BentoBox pool totals for the token.
	Totals shares.Rebase
	// Rate is the token's price against the wrapped native token, see rates.Rate.
	Rate *big.Int
}

// BentoAmount converts the share balance to a token amount against the
// totals read in the same batch.
func (b TokenBalance) BentoAmount() (*big.Int, error) {
	s, err := shares.FromBig(b.BentoShares)
	if err != nil {
		return nil, err
	}
	amount, err := b.Totals.ToAmount(s)
	if err != nil {
		return nil, err
	}
	return amount.ToBig(), nil
}

// Snapshot is the result of one batched balance read. Every value in it was
// read at BlockNumber.
type Snapshot struct {
	BlockNumber   uint64
	Account       common.Address
	NativeBalance *big.Int
	// Tokens and Errs are parallel to the requested tokens. A token whose
	// reads failed has a non-nil error and a zero TokenBalance.
	Tokens []TokenBalance
	Errs   []error
}

// Complete reports whether every token in the snapshot resolved.
func (s *Snapshot) Complete() bool {
	for _, err := range s.Errs {
		if err != nil {
			return false
		}
	}
	return true
}

// BentoBalance is a single token's BentoBox balance as an absolute amount.
type BentoBalance struct {
	Value    *big.Int
	Decimals uint8
}

// Config describes the contracts a Fetcher reads.
type Config struct {
	BentoBox      common.Address
	Multicall     common.Address
	WrappedNative common.Address
	// PairFactory prices tokens against WrappedNative. Nil disables pricing.
	PairFactory *rates.PairFactory
	// Options are applied to every multicall.Client the Fetcher creates.
	Options []multicall.Option
}

// Fetcher issues the batched reads. It holds no client; each method takes the
// one to use so callers can rotate endpoints.
type Fetcher struct {
	cfg Config
}

// NewFetcher returns a Fetcher for the given contracts.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Multicall == (common.Address{}) {
		cfg.Multicall = multicall.DefaultAddress
	}
	return &Fetcher{cfg: cfg}
}

func (f *Fetcher) client(caller multicall.Caller) *multicall.Client {
	return multicall.NewClient(f.cfg.Multicall, caller, f.cfg.Options...)
}

// FetchBalances reads, for every token, the account's wallet balance, its
// BentoBox share balance, the pool totals and the pricing pair's reserves,
// together with the account's native balance. Everything is requested in one
// batch so shares and totals come from the same block.
//
// A failing read for one token is reported in Snapshot.Errs; only transport
// failures return an error.
func (f *Fetcher) FetchBalances(
	ctx context.Context,
	caller multicall.Caller,
	account common.Address,
	tokens []common.Address,
	blockNumber *big.Int,
) (*Snapshot, error) {
	mc := f.client(caller)
	pricing := f.cfg.PairFactory != nil

	stride := 3
	if pricing {
		stride = 4
	}

	calls := make([]multicall.Call, 0, 2+stride*len(tokens))
	calls = append(calls, mc.BlockNumberCall(), mc.EthBalanceCall(account))
	for _, token := range tokens {
		walletCall, err := multicall.NewCall(abi.ERC20ABI, token, true, "balanceOf", account)
		if err != nil {
			return nil, err
		}
		sharesCall, err := multicall.NewCall(abi.BentoBoxABI, f.cfg.BentoBox, true, "balanceOf", token, account)
		if err != nil {
			return nil, err
		}
		totalsCall, err := multicall.NewCall(abi.BentoBoxABI, f.cfg.BentoBox, true, "totals", token)
		if err != nil {
			return nil, err
		}
		calls = append(calls, walletCall, sharesCall, totalsCall)
		if pricing {
			calls = append(calls, rates.ReservesCall(f.cfg.PairFactory.PairFor(token, f.cfg.WrappedNative)))
		}
	}

	results, err := mc.Aggregate(ctx, calls, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching balances for %s: %w", account.Hex(), err)
	}

	block, err := multicall.DecodeUint256(results[0])
	if err != nil {
		return nil, fmt.Errorf("decoding block number: %w", err)
	}
	native, err := multicall.DecodeUint256(results[1])
	if err != nil {
		return nil, fmt.Errorf("decoding native balance: %w", err)
	}

	snapshot := &Snapshot{
		BlockNumber:   block.Uint64(),
		Account:       account,
		NativeBalance: native,
		Tokens:        make([]TokenBalance, len(tokens)),
		Errs:          make([]error, len(tokens)),
	}

	for i, token := range tokens {
		base := 2 + i*stride
		tb, err := decodeTokenBalance(token, results[base], results[base+1], results[base+2])
		if err != nil {
			snapshot.Errs[i] = fmt.Errorf("token %s: %w", token.Hex(), err)
			continue
		}
		tb.Rate = new(big.Int)
		if pricing {
			tb.Rate = rates.RateFromResult(token, f.cfg.WrappedNative, results[base+3])
		} else if token == f.cfg.WrappedNative {
			tb.Rate = new(big.Int).Set(rates.One)
		}
		snapshot.Tokens[i] = tb
	}

	return snapshot, nil
}

func decodeTokenBalance(token common.Address, wallet, bentoShares, totals multicall.Result) (TokenBalance, error) {
	walletOut, err := wallet.Unpack(erc20BalanceOf)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("wallet balance: %w", err)
	}
	sharesOut, err := bentoShares.Unpack(bentoBalanceOf)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("bentobox share balance: %w", err)
	}
	totalsOut, err := totals.Unpack(bentoTotals)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("bentobox totals: %w", err)
	}
	rebase, err := shares.RebaseFromBig(totalsOut[0].(*big.Int), totalsOut[1].(*big.Int))
	if err != nil {
		return TokenBalance{}, fmt.Errorf("bentobox totals: %w", err)
	}
	return TokenBalance{
		Token:       token,
		Wallet:      walletOut[0].(*big.Int),
		BentoShares: sharesOut[0].(*big.Int),
		Totals:      rebase,
	}, nil
}

// FetchBentoBalance returns the account's BentoBox balance of token as an
// absolute amount, along with the token's decimals. The share balance, pool
// totals and decimals are read in one batch.
func (f *Fetcher) FetchBentoBalance(ctx context.Context, caller multicall.Caller, token, account common.Address) (BentoBalance, error) {
	sharesCall, err := multicall.NewCall(abi.BentoBoxABI, f.cfg.BentoBox, false, "balanceOf", token, account)
	if err != nil {
		return BentoBalance{}, err
	}
	totalsCall, err := multicall.NewCall(abi.BentoBoxABI, f.cfg.BentoBox, false, "totals", token)
	if err != nil {
		return BentoBalance{}, err
	}
	decimalsCall, err := multicall.NewCall(abi.ERC20ABI, token, false, "decimals")
	if err != nil {
		return BentoBalance{}, err
	}

	results, err := f.client(caller).Aggregate(ctx, []multicall.Call{sharesCall, totalsCall, decimalsCall}, nil)
	if err != nil {
		return BentoBalance{}, fmt.Errorf("fetching bentobox balance of %s: %w", token.Hex(), err)
	}

	sharesOut, err := results[0].Unpack(bentoBalanceOf)
	if err != nil {
		return BentoBalance{}, err
	}
	totalsOut, err := results[1].Unpack(bentoTotals)
	if err != nil {
		return BentoBalance{}, err
	}
	decimalsOut, err := results[2].Unpack(erc20Decimals)
	if err != nil {
		return BentoBalance{}, err
	}

	amount, err := shares.ToAmountBig(sharesOut[0].(*big.Int), totalsOut[0].(*big.Int), totalsOut[1].(*big.Int))
	if err != nil {
		return BentoBalance{}, fmt.Errorf("converting shares of %s: %w", token.Hex(), err)
	}
	return BentoBalance{Value: amount, Decimals: decimalsOut[0].(uint8)}, nil
}

// MasterContractApproved reports whether user has approved masterContract to
// move its BentoBox balances.
func (f *Fetcher) MasterContractApproved(ctx context.Context, caller multicall.Caller, masterContract, user common.Address) (bool, error) {
	call, err := multicall.NewCall(abi.BentoBoxABI, f.cfg.BentoBox, false, "masterContractApproved", masterContract, user)
	if err != nil {
		return false, err
	}
	results, err := f.client(caller).Aggregate(ctx, []multicall.Call{call}, nil)
	if err != nil {
		return false, fmt.Errorf("fetching approval of %s for %s: %w", masterContract.Hex(), user.Hex(), err)
	}
	out, err := results[0].Unpack(masterContractApproved)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// FetchTokenInfo reads name, symbol and decimals for each token. Decimals are
// required; a token without a readable name or symbol keeps them empty.
// Tokens returning bytes32 name/symbol are decoded as well.
func (f *Fetcher) FetchTokenInfo(ctx context.Context, caller multicall.Caller, tokens []common.Address) ([]Token, []error, error) {
	if len(tokens) == 0 {
		return nil, nil, nil
	}

	calls := make([]multicall.Call, 0, 3*len(tokens))
	for _, token := range tokens {
		calls = append(calls,
			multicall.Call{Target: token, AllowFailure: true, CallData: erc20Name.ID},
			multicall.Call{Target: token, AllowFailure: true, CallData: erc20Symbol.ID},
			multicall.Call{Target: token, AllowFailure: true, CallData: erc20Decimals.ID},
		)
	}

	results, err := f.client(caller).Aggregate(ctx, calls, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching token info: %w", err)
	}

	infos := make([]Token, len(tokens))
	errs := make([]error, len(tokens))
	for i, token := range tokens {
		infos[i].Address = token
		decimalsOut, err := results[3*i+2].Unpack(erc20Decimals)
		if err != nil {
			errs[i] = fmt.Errorf("token %s: %w", token.Hex(), err)
			continue
		}
		infos[i].Decimals = decimalsOut[0].(uint8)
		infos[i].Name = decodeString(results[3*i], "name")
		infos[i].Symbol = decodeString(results[3*i+1], "symbol")
	}
	return infos, errs, nil
}

var errUndecodable = errors.New("undecodable string")

// decodeString decodes a string return value, falling back to the bytes32
// encoding some older tokens use.
func decodeString(r multicall.Result, name string) string {
	s, err := unpackString(r, name)
	if err != nil {
		return ""
	}
	return s
}

func unpackString(r multicall.Result, name string) (string, error) {
	data, err := r.Data()
	if err != nil {
		return "", err
	}
	if out, err := abi.ERC20ABI.Methods[name].Outputs.Unpack(data); err == nil {
		return out[0].(string), nil
	}
	out, err := abi.ERC20Bytes32ABI.Methods[name].Outputs.Unpack(data)
	if err != nil {
		return "", errUndecodable
	}
	raw := out[0].([32]byte)
	return string(bytes.TrimRight(raw[:], "\x00")), nil
}
