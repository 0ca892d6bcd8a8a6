package balances

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall/multicalltest"
	"github.com/Iwinswap/iwinswap-bentobox-system/rates"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bentoBoxAddr = common.HexToAddress("0xF5BCE5077908a1b7370B9ae04AdC565EBd643966")
	wethAddr     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdcAddr     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9eb0ce3606eb48")
	mkrAddr      = common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	brokenAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	accountAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	kashiMaster  = common.HexToAddress("0x2cBA6Ab6574646Badc84F0544d05059e57a5dc42")
)

var (
	sushiFactory = rates.PairFactory{
		Address:      common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
		InitCodeHash: common.HexToHash("0xe18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303"),
	}
)

// Helper function to safely create a new big.Int from a string. Panics on failure, for test setup only.
func newBigIntFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("failed to parse big int string for test setup: %s", s))
	}
	return n
}

// mockChain is the on-chain state served by the in-memory Multicall3.
type mockChain struct {
	wallet   map[common.Address]*big.Int // token -> account balance
	shares   map[common.Address]*big.Int // token -> account bentobox shares
	elastic  map[common.Address]*big.Int
	base     map[common.Address]*big.Int
	decimals map[common.Address]uint8
	approved map[common.Address]bool // master contract -> approved for accountAddr
}

func newMockChain() *mockChain {
	return &mockChain{
		wallet: map[common.Address]*big.Int{
			wethAddr: newBigIntFromString("1000000000000000000"),
			usdcAddr: big.NewInt(0),
			mkrAddr:  big.NewInt(7),
		},
		shares: map[common.Address]*big.Int{
			wethAddr: newBigIntFromString("2000000000000000000"),
			usdcAddr: big.NewInt(1_000_000),
			mkrAddr:  big.NewInt(0),
		},
		elastic: map[common.Address]*big.Int{
			wethAddr: newBigIntFromString("1100000000000000000000"),
			usdcAddr: big.NewInt(3_000_000_000),
			mkrAddr:  big.NewInt(0),
		},
		base: map[common.Address]*big.Int{
			wethAddr: newBigIntFromString("1000000000000000000000"),
			usdcAddr: big.NewInt(2_000_000_000),
			mkrAddr:  big.NewInt(0),
		},
		decimals: map[common.Address]uint8{wethAddr: 18, usdcAddr: 6, mkrAddr: 18},
		approved: map[common.Address]bool{kashiMaster: true},
	}
}

func (m *mockChain) install(backend *multicalltest.Backend) {
	for token := range m.wallet {
		backend.Handle(token, abi.ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
			if args[0].(common.Address) != accountAddr {
				return []any{big.NewInt(0)}, nil
			}
			return []any{m.wallet[token]}, nil
		})
		backend.Handle(token, abi.ERC20ABI, "decimals", func(args []any) ([]any, error) {
			return []any{m.decimals[token]}, nil
		})
	}
	backend.Handle(usdcAddr, abi.ERC20ABI, "name", func(args []any) ([]any, error) {
		return []any{"USD Coin"}, nil
	})
	backend.Handle(usdcAddr, abi.ERC20ABI, "symbol", func(args []any) ([]any, error) {
		return []any{"USDC"}, nil
	})
	backend.Handle(mkrAddr, abi.ERC20Bytes32ABI, "name", func(args []any) ([]any, error) {
		var out [32]byte
		copy(out[:], "Maker")
		return []any{out}, nil
	})
	backend.Handle(mkrAddr, abi.ERC20Bytes32ABI, "symbol", func(args []any) ([]any, error) {
		var out [32]byte
		copy(out[:], "MKR")
		return []any{out}, nil
	})
	backend.Handle(brokenAddr, abi.ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
		return nil, multicalltest.ErrReverted
	})

	backend.Handle(bentoBoxAddr, abi.BentoBoxABI, "balanceOf", func(args []any) ([]any, error) {
		token := args[0].(common.Address)
		if args[1].(common.Address) != accountAddr {
			return []any{big.NewInt(0)}, nil
		}
		if s, ok := m.shares[token]; ok {
			return []any{s}, nil
		}
		return []any{big.NewInt(0)}, nil
	})
	backend.Handle(bentoBoxAddr, abi.BentoBoxABI, "totals", func(args []any) ([]any, error) {
		token := args[0].(common.Address)
		e, ok := m.elastic[token]
		if !ok {
			return []any{big.NewInt(0), big.NewInt(0)}, nil
		}
		return []any{e, m.base[token]}, nil
	})
	backend.Handle(bentoBoxAddr, abi.BentoBoxABI, "masterContractApproved", func(args []any) ([]any, error) {
		return []any{args[1].(common.Address) == accountAddr && m.approved[args[0].(common.Address)]}, nil
	})

	// USDC/WETH pair: 2,000,000 USDC against 1,000 WETH.
	pair := sushiFactory.PairFor(usdcAddr, wethAddr)
	backend.Handle(pair, abi.UniswapV2PairABI, "getReserves", func(args []any) ([]any, error) {
		return []any{newBigIntFromString("2000000000000"), newBigIntFromString("1000000000000000000000"), uint32(0)}, nil
	})
}

func setup(t *testing.T, pricing bool) (*Fetcher, *multicalltest.Backend, *mockChain) {
	t.Helper()
	backend := multicalltest.NewBackend(multicall.DefaultAddress)
	backend.SetBlockNumber(19_000_000)
	backend.SetEthBalance(accountAddr, newBigIntFromString("500000000000000000"))
	chain := newMockChain()
	chain.install(backend)

	cfg := Config{BentoBox: bentoBoxAddr, WrappedNative: wethAddr}
	if pricing {
		cfg.PairFactory = &sushiFactory
	}
	return NewFetcher(cfg), backend, chain
}

func TestFetchBalances(t *testing.T) {
	ctx := context.Background()

	t.Run("Happy Path - One batch, all tokens resolved", func(t *testing.T) {
		fetcher, backend, _ := setup(t, true)

		snapshot, err := fetcher.FetchBalances(ctx, backend, accountAddr, []common.Address{wethAddr, usdcAddr, mkrAddr}, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, backend.Calls(), "every read must share one eth_call")

		assert.True(t, snapshot.Complete())
		assert.Equal(t, uint64(19_000_000), snapshot.BlockNumber)
		assert.Equal(t, accountAddr, snapshot.Account)
		assert.Equal(t, "500000000000000000", snapshot.NativeBalance.String())
		require.Len(t, snapshot.Tokens, 3)

		weth := snapshot.Tokens[0]
		assert.Equal(t, wethAddr, weth.Token)
		assert.Equal(t, "1000000000000000000", weth.Wallet.String())
		assert.Equal(t, "2000000000000000000", weth.BentoShares.String())
		assert.Equal(t, rates.One.String(), weth.Rate.String())
		amount, err := weth.BentoAmount()
		require.NoError(t, err)
		assert.Equal(t, "2200000000000000000", amount.String())

		usdc := snapshot.Tokens[1]
		assert.Equal(t, "2000000000", usdc.Rate.String())
		amount, err = usdc.BentoAmount()
		require.NoError(t, err)
		assert.Equal(t, "1500000", amount.String())

		mkr := snapshot.Tokens[2]
		assert.Equal(t, "0", mkr.Rate.String(), "no pair deployed")
		amount, err = mkr.BentoAmount()
		require.NoError(t, err)
		assert.Equal(t, "0", amount.String(), "empty pool converts to zero")
	})

	t.Run("Pricing disabled", func(t *testing.T) {
		fetcher, backend, _ := setup(t, false)

		snapshot, err := fetcher.FetchBalances(ctx, backend, accountAddr, []common.Address{wethAddr, usdcAddr}, nil)
		require.NoError(t, err)
		assert.Equal(t, rates.One.String(), snapshot.Tokens[0].Rate.String())
		assert.Equal(t, "0", snapshot.Tokens[1].Rate.String())
	})

	t.Run("Mixed Case - One token fails, others resolve", func(t *testing.T) {
		fetcher, backend, _ := setup(t, true)

		snapshot, err := fetcher.FetchBalances(ctx, backend, accountAddr, []common.Address{usdcAddr, brokenAddr}, nil)
		require.NoError(t, err)
		assert.False(t, snapshot.Complete())
		assert.NoError(t, snapshot.Errs[0])
		require.Error(t, snapshot.Errs[1])
		assert.Contains(t, snapshot.Errs[1].Error(), brokenAddr.Hex())
		assert.Contains(t, snapshot.Errs[1].Error(), "wallet balance")
	})

	t.Run("Pinned block is forwarded", func(t *testing.T) {
		fetcher, backend, _ := setup(t, false)

		snapshot, err := fetcher.FetchBalances(ctx, backend, accountAddr, []common.Address{wethAddr}, big.NewInt(18_999_999))
		require.NoError(t, err)
		assert.Equal(t, uint64(18_999_999), snapshot.BlockNumber)
	})

	t.Run("Error Case - Transport failure", func(t *testing.T) {
		fetcher, backend, _ := setup(t, true)
		backend.SetCallError(errors.New("rpc error"))

		_, err := fetcher.FetchBalances(ctx, backend, accountAddr, []common.Address{wethAddr}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc error")
	})

	t.Run("Boundary Case - No tokens", func(t *testing.T) {
		fetcher, backend, _ := setup(t, true)

		snapshot, err := fetcher.FetchBalances(ctx, backend, accountAddr, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, snapshot.Tokens)
		assert.True(t, snapshot.Complete())
		assert.Equal(t, "500000000000000000", snapshot.NativeBalance.String())
	})
}

func TestFetchBentoBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("Converts shares with totals from the same batch", func(t *testing.T) {
		fetcher, backend, _ := setup(t, false)

		balance, err := fetcher.FetchBentoBalance(ctx, backend, usdcAddr, accountAddr)
		require.NoError(t, err)
		assert.EqualValues(t, 1, backend.Calls())
		assert.Equal(t, "1500000", balance.Value.String())
		assert.Equal(t, uint8(6), balance.Decimals)
	})

	t.Run("Zero total shares", func(t *testing.T) {
		fetcher, backend, _ := setup(t, false)

		balance, err := fetcher.FetchBentoBalance(ctx, backend, mkrAddr, accountAddr)
		require.NoError(t, err)
		assert.Equal(t, 0, balance.Value.Sign())
		assert.Equal(t, uint8(18), balance.Decimals)
	})

	t.Run("Error Case - Token without decimals", func(t *testing.T) {
		fetcher, backend, _ := setup(t, false)

		_, err := fetcher.FetchBentoBalance(ctx, backend, brokenAddr, accountAddr)
		assert.Error(t, err)
	})
}

func TestMasterContractApproved(t *testing.T) {
	ctx := context.Background()
	fetcher, backend, _ := setup(t, false)

	approved, err := fetcher.MasterContractApproved(ctx, backend, kashiMaster, accountAddr)
	require.NoError(t, err)
	assert.True(t, approved)

	approved, err = fetcher.MasterContractApproved(ctx, backend, common.HexToAddress("0x1234"), accountAddr)
	require.NoError(t, err)
	assert.False(t, approved)

	backend.SetCallError(errors.New("rpc error"))
	_, err = fetcher.MasterContractApproved(ctx, backend, kashiMaster, accountAddr)
	assert.Error(t, err)
}

func TestFetchTokenInfo(t *testing.T) {
	ctx := context.Background()
	fetcher, backend, _ := setup(t, false)

	infos, errs, err := fetcher.FetchTokenInfo(ctx, backend, []common.Address{usdcAddr, mkrAddr, wethAddr, brokenAddr})
	require.NoError(t, err)
	require.Len(t, infos, 4)
	require.Len(t, errs, 4)

	assert.NoError(t, errs[0])
	assert.Equal(t, Token{Address: usdcAddr, Name: "USD Coin", Symbol: "USDC", Decimals: 6}, infos[0])

	assert.NoError(t, errs[1])
	assert.Equal(t, Token{Address: mkrAddr, Name: "Maker", Symbol: "MKR", Decimals: 18}, infos[1], "bytes32 metadata")

	assert.NoError(t, errs[2])
	assert.Equal(t, uint8(18), infos[2].Decimals)
	assert.Empty(t, infos[2].Symbol, "reverting symbol leaves it empty")

	assert.Error(t, errs[3], "decimals are required")

	infos, errs, err = fetcher.FetchTokenInfo(ctx, backend, nil)
	assert.NoError(t, err)
	assert.Nil(t, infos)
	assert.Nil(t, errs)
}
