package bentobox

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Iwinswap/iwinswap-bentobox-system/amounts"
	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/shares"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrTokenExists is returned when attempting to add a token that is already in the registry.
	ErrTokenExists = errors.New("token already exists in registry")
	// ErrTokenNotFound is returned when attempting to access a token that is not in the registry.
	ErrTokenNotFound = errors.New("token not found in registry")
)

// BentoBalance is one token's entry in the system view.
type BentoBalance struct {
	Token balances.Token `json:"token"`
	// Balance is the wallet balance in base units. For the wrapped native
	// token it includes the account's native balance.
	Balance *big.Int `json:"balance"`
	// BentoShares is the raw BentoBox share balance.
	BentoShares *big.Int `json:"bentoShares"`
	// BentoTotalAmount and BentoTotalShares are the pool totals the shares
	// were converted against, read in the same block.
	BentoTotalAmount *big.Int `json:"bentoTotalAmount"`
	BentoTotalShares *big.Int `json:"bentoTotalShares"`
	// USD is the worth of one whole token in USD-token base units.
	USD    *big.Int       `json:"usd"`
	Wallet amounts.Amount `json:"wallet"`
	Bento  amounts.Amount `json:"bento"`
}

// TokenRegistry tracks tokens and their latest balances using a
// data-oriented layout.
type TokenRegistry struct {
	address     []common.Address
	name        []string
	symbol      []string
	decimals    []uint8
	wallet      []*big.Int
	bentoShares []*big.Int
	bentoAmount []*big.Int
	totals      []shares.Rebase
	rate        []*big.Int

	nativeBalance *big.Int

	// Maps a token address to its current slice index.
	addressToIndex map[common.Address]int
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		nativeBalance:  new(big.Int),
		addressToIndex: make(map[common.Address]int),
	}
}

func addToken(token balances.Token, registry *TokenRegistry) error {
	if _, ok := registry.addressToIndex[token.Address]; ok {
		return ErrTokenExists
	}

	registry.address = append(registry.address, token.Address)
	registry.name = append(registry.name, token.Name)
	registry.symbol = append(registry.symbol, token.Symbol)
	registry.decimals = append(registry.decimals, token.Decimals)
	registry.wallet = append(registry.wallet, big.NewInt(0))
	registry.bentoShares = append(registry.bentoShares, big.NewInt(0))
	registry.bentoAmount = append(registry.bentoAmount, big.NewInt(0))
	registry.totals = append(registry.totals, shares.Rebase{})
	registry.rate = append(registry.rate, big.NewInt(0))

	registry.addressToIndex[token.Address] = len(registry.address) - 1
	return nil
}

// updateToken stores one token's balances. The share balance is converted
// here, against the totals from the same snapshot.
func updateToken(balance balances.TokenBalance, registry *TokenRegistry) error {
	index, ok := registry.addressToIndex[balance.Token]
	if !ok {
		return ErrTokenNotFound
	}

	amount, err := balance.BentoAmount()
	if err != nil {
		return fmt.Errorf("converting shares: %w", err)
	}

	registry.wallet[index] = copyOrZero(balance.Wallet)
	registry.bentoShares[index] = copyOrZero(balance.BentoShares)
	registry.bentoAmount[index] = amount
	registry.totals[index] = balance.Totals
	registry.rate[index] = copyOrZero(balance.Rate)
	return nil
}

func setNativeBalance(balance *big.Int, registry *TokenRegistry) {
	registry.nativeBalance = copyOrZero(balance)
}

func deleteToken(token common.Address, registry *TokenRegistry) error {
	indexToDelete, ok := registry.addressToIndex[token]
	if !ok {
		return ErrTokenNotFound
	}

	lastIndex := len(registry.address) - 1
	lastToken := registry.address[lastIndex]

	if indexToDelete != lastIndex {
		registry.address[indexToDelete] = lastToken
		registry.name[indexToDelete] = registry.name[lastIndex]
		registry.symbol[indexToDelete] = registry.symbol[lastIndex]
		registry.decimals[indexToDelete] = registry.decimals[lastIndex]
		registry.wallet[indexToDelete] = registry.wallet[lastIndex]
		registry.bentoShares[indexToDelete] = registry.bentoShares[lastIndex]
		registry.bentoAmount[indexToDelete] = registry.bentoAmount[lastIndex]
		registry.totals[indexToDelete] = registry.totals[lastIndex]
		registry.rate[indexToDelete] = registry.rate[lastIndex]
		registry.addressToIndex[lastToken] = indexToDelete
	}

	delete(registry.addressToIndex, token)

	registry.address = registry.address[:lastIndex]
	registry.name = registry.name[:lastIndex]
	registry.symbol = registry.symbol[:lastIndex]
	registry.decimals = registry.decimals[:lastIndex]
	registry.wallet = registry.wallet[:lastIndex]
	registry.bentoShares = registry.bentoShares[:lastIndex]
	registry.bentoAmount = registry.bentoAmount[:lastIndex]
	registry.totals = registry.totals[:lastIndex]
	registry.rate = registry.rate[:lastIndex]

	return nil
}

func hasToken(token common.Address, registry *TokenRegistry) bool {
	_, ok := registry.addressToIndex[token]
	return ok
}

func tokenAddresses(registry *TokenRegistry) []common.Address {
	out := make([]common.Address, len(registry.address))
	copy(out, registry.address)
	return out
}

// tokensWithShares returns the tracked tokens the account holds BentoBox shares in.
func tokensWithShares(registry *TokenRegistry) []common.Address {
	var held []common.Address
	for i, balance := range registry.bentoShares {
		if balance.Sign() > 0 {
			held = append(held, registry.address[i])
		}
	}
	return held
}

func getToken(token common.Address, registry *TokenRegistry) (balances.Token, error) {
	index, ok := registry.addressToIndex[token]
	if !ok {
		return balances.Token{}, ErrTokenNotFound
	}
	return balances.Token{
		Address:  registry.address[index],
		Name:     registry.name[index],
		Symbol:   registry.symbol[index],
		Decimals: registry.decimals[index],
	}, nil
}

// viewRegistry renders the registry for display. Tokens with neither a wallet
// nor a BentoBox balance are left out. USD values are derived from the rate
// of usdToken, which must itself be tracked for them to be non-zero.
func viewRegistry(registry *TokenRegistry, wrappedNative, usdToken common.Address) []BentoBalance {
	numTokens := len(registry.address)
	if numTokens == 0 {
		return nil
	}

	usdRate := new(big.Int)
	var usdDecimals uint8
	if index, ok := registry.addressToIndex[usdToken]; ok {
		usdRate = registry.rate[index]
		usdDecimals = registry.decimals[index]
	}

	views := make([]BentoBalance, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		balance := new(big.Int).Set(registry.wallet[i])
		if registry.address[i] == wrappedNative {
			balance.Add(balance, registry.nativeBalance)
		}
		if balance.Sign() == 0 && registry.bentoShares[i].Sign() == 0 {
			continue
		}

		decimals := registry.decimals[i]
		usd := amounts.USDPerToken(decimals, usdRate, registry.rate[i])
		views = append(views, BentoBalance{
			Token: balances.Token{
				Address:  registry.address[i],
				Name:     registry.name[i],
				Symbol:   registry.symbol[i],
				Decimals: decimals,
			},
			Balance:          balance,
			BentoShares:      new(big.Int).Set(registry.bentoShares[i]),
			BentoTotalAmount: rebaseToBig(registry.totals[i].Elastic),
			BentoTotalShares: rebaseToBig(registry.totals[i].Base),
			USD:              usd,
			Wallet:           amounts.New(balance, decimals, usd, usdDecimals),
			Bento:            amounts.New(registry.bentoAmount[i], decimals, usd, usdDecimals),
		})
	}
	return views
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func rebaseToBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// ViewFromSnapshot renders a single snapshot the way BentoBoxSystem.View
// does. It fails when any token of the snapshot did not resolve.
func ViewFromSnapshot(snapshot *balances.Snapshot, tokens []balances.Token, wrappedNative, usdToken common.Address) ([]BentoBalance, error) {
	if !snapshot.Complete() {
		return nil, errors.Join(snapshot.Errs...)
	}

	registry := NewTokenRegistry()
	for _, token := range tokens {
		if err := addToken(token, registry); err != nil {
			return nil, fmt.Errorf("token %s: %w", token.Address.Hex(), err)
		}
	}
	for _, balance := range snapshot.Tokens {
		if err := updateToken(balance, registry); err != nil {
			return nil, fmt.Errorf("token %s: %w", balance.Token.Hex(), err)
		}
	}
	setNativeBalance(snapshot.NativeBalance, registry)
	return viewRegistry(registry, wrappedNative, usdToken), nil
}
