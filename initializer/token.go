// Package initializer loads metadata for tokens the system discovers at runtime.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// defaultRPCTimeout bounds the metadata read for one batch of tokens.
	defaultRPCTimeout = 10 * time.Second
	// DefaultMaxDecimals is the largest decimals value accepted.
	DefaultMaxDecimals = 36
)

var (
	ErrNoSymbol        = errors.New("token has no symbol")
	ErrTooManyDecimals = errors.New("token decimals out of range")
	ErrNoResult        = errors.New("no metadata returned for token")
)

// InfoFetcher reads ERC-20 metadata. *balances.Fetcher satisfies it.
type InfoFetcher interface {
	FetchTokenInfo(ctx context.Context, caller multicall.Caller, tokens []common.Address) ([]balances.Token, []error, error)
}

// TokenInitializer resolves token metadata. Tokens configured up front are
// answered from memory; the rest are read on chain in one batch and
// checked before they are accepted.
type TokenInitializer struct {
	fetcher     InfoFetcher
	known       map[common.Address]balances.Token
	maxDecimals uint8
	timeout     time.Duration
}

// NewTokenInitializer returns a TokenInitializer that trusts the metadata of
// knownTokens and fetches everything else through fetcher.
func NewTokenInitializer(fetcher InfoFetcher, knownTokens []balances.Token) *TokenInitializer {
	known := make(map[common.Address]balances.Token, len(knownTokens))
	for _, t := range knownTokens {
		known[t.Address] = t
	}
	return &TokenInitializer{
		fetcher:     fetcher,
		known:       known,
		maxDecimals: DefaultMaxDecimals,
		timeout:     defaultRPCTimeout,
	}
}

// Initialize returns metadata for each token, parallel to tokens. A token
// that could not be resolved or failed validation has a non-nil error.
func (i *TokenInitializer) Initialize(ctx context.Context, tokens []common.Address, caller multicall.Caller) ([]balances.Token, []error) {
	numTokens := len(tokens)
	if numTokens == 0 {
		return nil, nil
	}

	infos := make([]balances.Token, numTokens)
	errs := make([]error, numTokens)

	var unknown []common.Address
	var unknownIndex []int
	for idx, token := range tokens {
		if t, ok := i.known[token]; ok {
			infos[idx] = t
			continue
		}
		unknown = append(unknown, token)
		unknownIndex = append(unknownIndex, idx)
	}
	if len(unknown) == 0 {
		return infos, errs
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	fetched, fetchErrs, err := i.fetcher.FetchTokenInfo(fetchCtx, caller, unknown)
	if err != nil {
		for _, idx := range unknownIndex {
			errs[idx] = fmt.Errorf("fetching metadata: %w", err)
		}
		return infos, errs
	}

	for j, idx := range unknownIndex {
		if j >= len(fetched) || j >= len(fetchErrs) {
			errs[idx] = ErrNoResult
			continue
		}
		if fetchErrs[j] != nil {
			errs[idx] = fetchErrs[j]
			continue
		}
		if err := i.validate(fetched[j]); err != nil {
			errs[idx] = fmt.Errorf("token %s: %w", tokens[idx].Hex(), err)
			continue
		}
		infos[idx] = fetched[j]
		infos[idx].Address = tokens[idx]
	}
	return infos, errs
}

func (i *TokenInitializer) validate(t balances.Token) error {
	if t.Symbol == "" {
		return ErrNoSymbol
	}
	if t.Decimals > i.maxDecimals {
		return fmt.Errorf("%w: %d", ErrTooManyDecimals, t.Decimals)
	}
	return nil
}
