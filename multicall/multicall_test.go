package multicall_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall/multicalltest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9eb0ce3606eb48")
	holderAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	revertAddr  = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	noCodeAddr  = common.HexToAddress("0x0000000000000000000000000000000000000bEE")
	erc20Method = abi.ERC20ABI.Methods["balanceOf"]
)

func newBackend(t *testing.T) *multicalltest.Backend {
	t.Helper()
	backend := multicalltest.NewBackend(multicall.DefaultAddress)
	backend.Handle(tokenAddr, abi.ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
		owner := args[0].(common.Address)
		return []any{new(big.Int).SetBytes(owner.Bytes())}, nil
	})
	backend.Handle(revertAddr, abi.ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
		return nil, multicalltest.ErrReverted
	})
	return backend
}

func balanceOfCall(t *testing.T, target, owner common.Address, allowFailure bool) multicall.Call {
	t.Helper()
	call, err := multicall.NewCall(abi.ERC20ABI, target, allowFailure, "balanceOf", owner)
	require.NoError(t, err)
	return call
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name     string
		calls    func(t *testing.T, c *multicall.Client) []multicall.Call
		validate func(t *testing.T, results []multicall.Result, err error)
	}{
		{
			name: "Happy Path - Mixed sub-calls in one batch",
			calls: func(t *testing.T, c *multicall.Client) []multicall.Call {
				return []multicall.Call{
					balanceOfCall(t, tokenAddr, holderAddr, false),
					c.EthBalanceCall(holderAddr),
					c.BlockNumberCall(),
				}
			},
			validate: func(t *testing.T, results []multicall.Result, err error) {
				require.NoError(t, err)
				require.Len(t, results, 3)

				out, err := results[0].Unpack(erc20Method)
				require.NoError(t, err)
				assert.Equal(t, 0, big.NewInt(0xaa).Cmp(out[0].(*big.Int)))

				native, err := multicall.DecodeUint256(results[1])
				require.NoError(t, err)
				assert.Equal(t, "5", native.String())

				block, err := multicall.DecodeUint256(results[2])
				require.NoError(t, err)
				assert.Equal(t, "100", block.String())
			},
		},
		{
			name: "Allowed failure is reported per call",
			calls: func(t *testing.T, c *multicall.Client) []multicall.Call {
				return []multicall.Call{
					balanceOfCall(t, revertAddr, holderAddr, true),
					balanceOfCall(t, tokenAddr, holderAddr, true),
				}
			},
			validate: func(t *testing.T, results []multicall.Result, err error) {
				require.NoError(t, err)
				require.Len(t, results, 2)
				assert.False(t, results[0].Success)
				_, dataErr := results[0].Data()
				assert.Error(t, dataErr)
				assert.True(t, results[1].Success)
			},
		},
		{
			name: "Disallowed failure fails the batch",
			calls: func(t *testing.T, c *multicall.Client) []multicall.Call {
				return []multicall.Call{
					balanceOfCall(t, tokenAddr, holderAddr, false),
					balanceOfCall(t, revertAddr, holderAddr, false),
				}
			},
			validate: func(t *testing.T, results []multicall.Result, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "execution reverted")
				assert.Nil(t, results)
			},
		},
		{
			name: "Target without code returns empty data",
			calls: func(t *testing.T, c *multicall.Client) []multicall.Call {
				return []multicall.Call{balanceOfCall(t, noCodeAddr, holderAddr, true)}
			},
			validate: func(t *testing.T, results []multicall.Result, err error) {
				require.NoError(t, err)
				_, dataErr := results[0].Data()
				assert.ErrorIs(t, dataErr, multicall.ErrEmptyReturnData)
			},
		},
		{
			name: "Boundary Case - Empty batch",
			calls: func(t *testing.T, c *multicall.Client) []multicall.Call {
				return nil
			},
			validate: func(t *testing.T, results []multicall.Result, err error) {
				assert.NoError(t, err)
				assert.Empty(t, results)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend(t)
			backend.SetEthBalance(holderAddr, big.NewInt(5))
			backend.SetBlockNumber(100)
			client := multicall.NewClient(multicall.DefaultAddress, backend)

			results, err := client.Aggregate(ctx, tc.calls(t, client), nil)
			tc.validate(t, results, err)
		})
	}
}

func TestAggregateChunksArePinnedToOneBlock(t *testing.T) {
	backend := newBackend(t)
	backend.SetBlockNumber(1234)
	client := multicall.NewClient(multicall.DefaultAddress, backend, multicall.WithMaxBatchSize(3), multicall.WithMaxConcurrentCalls(2))

	calls := make([]multicall.Call, 10)
	for i := range calls {
		calls[i] = balanceOfCall(t, tokenAddr, common.BigToAddress(big.NewInt(int64(i+1))), false)
	}

	results, err := client.Aggregate(context.Background(), calls, nil)
	require.NoError(t, err)
	require.Len(t, results, 10)

	for i, r := range results {
		v, err := multicall.DecodeUint256(r)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), v.Int64(), "result %d out of order", i)
	}

	// One call to resolve the block, then four chunks pinned to it.
	blocks := backend.BlockNumbers()
	require.Len(t, blocks, 5)
	assert.Nil(t, blocks[0])
	for _, b := range blocks[1:] {
		require.NotNil(t, b)
		assert.Equal(t, "1234", b.String())
	}
}

func TestAggregateExplicitBlockIsForwarded(t *testing.T) {
	backend := newBackend(t)
	client := multicall.NewClient(multicall.DefaultAddress, backend)

	_, err := client.Aggregate(context.Background(), []multicall.Call{client.BlockNumberCall()}, big.NewInt(77))
	require.NoError(t, err)

	blocks := backend.BlockNumbers()
	require.Len(t, blocks, 1)
	assert.Equal(t, "77", blocks[0].String())
}

func TestAggregateTransportError(t *testing.T) {
	backend := newBackend(t)
	backend.SetCallError(errors.New("connection refused"))
	client := multicall.NewClient(multicall.DefaultAddress, backend)

	_, err := client.Aggregate(context.Background(), []multicall.Call{client.BlockNumberCall()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAggregateCancelledContext(t *testing.T) {
	backend := newBackend(t)
	client := multicall.NewClient(multicall.DefaultAddress, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Aggregate(ctx, []multicall.Call{client.BlockNumberCall()}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
