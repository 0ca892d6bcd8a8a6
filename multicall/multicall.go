// Package multicall batches read-only contract calls into a single eth_call
// against a Multicall3 contract.
//
// Every sub-call of one Aggregate is evaluated against the same block state,
// which is what makes it safe to read a share balance and the pool totals it
// is converted against in one go.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAddress is the deterministic Multicall3 deployment shared by most EVM chains.
var DefaultAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const (
	// DefaultMaxBatchSize bounds the number of sub-calls sent in one eth_call.
	DefaultMaxBatchSize = 500
	// defaultMaxConcurrentCalls bounds the chunks in flight for one Aggregate.
	defaultMaxConcurrentCalls = 4
	// defaultRPCTimeout defines the default timeout for an individual eth_call.
	defaultRPCTimeout = 10 * time.Second
)

var (
	aggregate3     = abi.Multicall3ABI.Methods["aggregate3"]
	getBlockNumber = abi.Multicall3ABI.Methods["getBlockNumber"]
)

// ErrEmptyReturnData is returned when a successful sub-call produced no data,
// typically because the target has no code.
var ErrEmptyReturnData = errors.New("empty return data")

// Caller is the slice of an Ethereum client the batcher needs.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is a single sub-call of a batch. Field names mirror the Multicall3
// Call3 struct so the ABI encoder can pack it directly.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is the outcome of a single sub-call, mirroring Multicall3's Result struct.
type Result struct {
	Success    bool
	ReturnData []byte
}

// Client sends batches to a Multicall3 contract.
type Client struct {
	address            common.Address
	caller             Caller
	maxBatchSize       int
	maxConcurrentCalls int
	rpcTimeout         time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBatchSize sets how many sub-calls go into a single eth_call.
func WithMaxBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// WithMaxConcurrentCalls sets how many chunks of a large batch run at once.
func WithMaxConcurrentCalls(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxConcurrentCalls = n
		}
	}
}

// WithRPCTimeout sets the timeout applied to each eth_call.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rpcTimeout = d
		}
	}
}

// NewClient returns a Client for the Multicall3 contract at address.
func NewClient(address common.Address, caller Caller, opts ...Option) *Client {
	c := &Client{
		address:            address,
		caller:             caller,
		maxBatchSize:       DefaultMaxBatchSize,
		maxConcurrentCalls: defaultMaxConcurrentCalls,
		rpcTimeout:         defaultRPCTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the Multicall3 contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// Aggregate executes calls and returns one Result per call, in order.
//
// A nil blockNumber reads the latest state. When calls exceed the batch size
// they are split into chunks; the chunks are pinned to a single block so the
// combined result is still one snapshot. A sub-call that reverts with
// AllowFailure unset fails the whole batch, as Multicall3 does on chain.
func (c *Client) Aggregate(ctx context.Context, calls []Call, blockNumber *big.Int) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if len(calls) <= c.maxBatchSize {
		return c.aggregateChunk(ctx, calls, blockNumber)
	}

	if blockNumber == nil {
		n, err := c.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("pinning block for chunked batch: %w", err)
		}
		blockNumber = n
	}

	numChunks := (len(calls) + c.maxBatchSize - 1) / c.maxBatchSize
	results := make([]Result, len(calls))
	errs := make([]error, numChunks)
	semaphore := make(chan struct{}, c.maxConcurrentCalls)

	var wg sync.WaitGroup
	wg.Add(numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * c.maxBatchSize
		end := min(start+c.maxBatchSize, len(calls))

		semaphore <- struct{}{}
		go func(index, start, end int) {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			if ctx.Err() != nil {
				errs[index] = ctx.Err()
				return
			}

			chunk, err := c.aggregateChunk(ctx, calls[start:end], blockNumber)
			if err != nil {
				errs[index] = fmt.Errorf("chunk %d [%d:%d]: %w", index, start, end, err)
				return
			}
			copy(results[start:end], chunk)
		}(i, start, end)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) aggregateChunk(parentCtx context.Context, calls []Call, blockNumber *big.Int) ([]Result, error) {
	data, err := abi.Multicall3ABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("packing aggregate3: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.rpcTimeout)
	defer cancel()

	to := c.address
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("eth_call for aggregate3 failed: %w", err)
	}

	unpacked, err := aggregate3.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpacking aggregate3: %w", err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unexpected aggregate3 output count: %d", len(unpacked))
	}
	results := *ethabi.ConvertType(unpacked[0], new([]Result)).(*[]Result)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}

// BlockNumber returns the block the Multicall3 contract reports as current.
func (c *Client) BlockNumber(ctx context.Context) (*big.Int, error) {
	results, err := c.aggregateChunk(ctx, []Call{c.BlockNumberCall()}, nil)
	if err != nil {
		return nil, err
	}
	return DecodeUint256(results[0])
}

// EthBalanceCall builds a sub-call reading the native balance of account.
func (c *Client) EthBalanceCall(account common.Address) Call {
	data, err := abi.Multicall3ABI.Pack("getEthBalance", account)
	if err != nil {
		// Packing a fixed-size address argument cannot fail.
		panic(fmt.Sprintf("multicall: packing getEthBalance: %v", err))
	}
	return Call{Target: c.address, CallData: data}
}

// BlockNumberCall builds a sub-call reading the block number the batch runs at.
func (c *Client) BlockNumberCall() Call {
	return Call{Target: c.address, CallData: getBlockNumber.ID}
}

// DecodeUint256 decodes a single uint256 return value.
func DecodeUint256(r Result) (*big.Int, error) {
	data, err := r.Data()
	if err != nil {
		return nil, err
	}
	if len(data) < 32 {
		return nil, fmt.Errorf("invalid response length for uint256: got %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}

// Data returns the return data of a successful, non-empty sub-call.
func (r Result) Data() ([]byte, error) {
	if !r.Success {
		return nil, errors.New("call reverted")
	}
	if len(r.ReturnData) == 0 {
		return nil, ErrEmptyReturnData
	}
	return r.ReturnData, nil
}

// Unpack decodes a successful sub-call with the given method's outputs.
func (r Result) Unpack(method ethabi.Method) ([]any, error) {
	data, err := r.Data()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method.Name, err)
	}
	out, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method.Name, err)
	}
	return out, nil
}

// NewCall packs a sub-call of method name on target using contract's ABI.
func NewCall(contract ethabi.ABI, target common.Address, allowFailure bool, name string, args ...any) (Call, error) {
	data, err := contract.Pack(name, args...)
	if err != nil {
		return Call{}, fmt.Errorf("packing %s: %w", name, err)
	}
	return Call{Target: target, AllowFailure: allowFailure, CallData: data}, nil
}
