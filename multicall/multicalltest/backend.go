// Package multicalltest provides an in-memory Multicall3 for tests.
package multicalltest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/Iwinswap/iwinswap-bentobox-system/abi"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted is what a handler returns to simulate a reverting call.
var ErrReverted = errors.New("execution reverted")

// MethodHandler answers one contract method. It receives the decoded inputs
// and returns the outputs to encode.
type MethodHandler func(args []any) ([]any, error)

type methodEntry struct {
	method ethabi.Method
	fn     MethodHandler
}

// Backend implements multicall.Caller by executing aggregate3 in memory.
// Calls to targets with no registered handler succeed with empty return data,
// like calls to an address without code.
type Backend struct {
	address common.Address

	mu          sync.RWMutex
	handlers    map[common.Address]map[[4]byte]methodEntry
	ethBalances map[common.Address]*big.Int
	blockNumber *big.Int
	callErr     error

	calls      atomic.Int64
	lastBlocks []*big.Int
}

// NewBackend returns a Backend serving the Multicall3 contract at address.
func NewBackend(address common.Address) *Backend {
	return &Backend{
		address:     address,
		handlers:    make(map[common.Address]map[[4]byte]methodEntry),
		ethBalances: make(map[common.Address]*big.Int),
		blockNumber: big.NewInt(1),
	}
}

// Handle registers fn for method name of contract deployed at target.
func (b *Backend) Handle(target common.Address, contract ethabi.ABI, name string, fn MethodHandler) {
	method, ok := contract.Methods[name]
	if !ok {
		panic(fmt.Sprintf("multicalltest: unknown method %q", name))
	}
	var selector [4]byte
	copy(selector[:], method.ID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[target] == nil {
		b.handlers[target] = make(map[[4]byte]methodEntry)
	}
	b.handlers[target][selector] = methodEntry{method: method, fn: fn}
}

// SetEthBalance sets the native balance reported by getEthBalance.
func (b *Backend) SetEthBalance(account common.Address, balance *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ethBalances[account] = new(big.Int).Set(balance)
}

// SetBlockNumber sets the block number reported by getBlockNumber for latest reads.
func (b *Backend) SetBlockNumber(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockNumber = new(big.Int).SetUint64(n)
}

// SetCallError makes every eth_call fail with err. Pass nil to clear it.
func (b *Backend) SetCallError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// Calls returns the number of eth_calls served.
func (b *Backend) Calls() int64 {
	return b.calls.Load()
}

// BlockNumbers returns the block argument of every eth_call served, in order.
func (b *Backend) BlockNumbers() []*big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*big.Int, len(b.lastBlocks))
	copy(out, b.lastBlocks)
	return out
}

// CallContract implements multicall.Caller.
func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.lastBlocks = append(b.lastBlocks, blockNumber)
	callErr := b.callErr
	b.mu.Unlock()
	if callErr != nil {
		return nil, callErr
	}

	if msg.To == nil {
		return nil, errors.New("multicalltest: contract creation is not supported")
	}
	if *msg.To != b.address {
		return b.dispatch(*msg.To, msg.Data, blockNumber)
	}
	if len(msg.Data) < 4 || !bytes.Equal(msg.Data[:4], abi.Multicall3ABI.Methods["aggregate3"].ID) {
		return b.dispatch(b.address, msg.Data, blockNumber)
	}

	aggregate3 := abi.Multicall3ABI.Methods["aggregate3"]
	args, err := aggregate3.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("multicalltest: unpacking aggregate3: %w", err)
	}
	calls := *ethabi.ConvertType(args[0], new([]multicall.Call)).(*[]multicall.Call)

	results := make([]multicall.Result, len(calls))
	for i, call := range calls {
		out, err := b.dispatch(call.Target, call.CallData, blockNumber)
		if err != nil {
			if !call.AllowFailure {
				return nil, fmt.Errorf("multicall3: call failed: %w", err)
			}
			results[i] = multicall.Result{Success: false, ReturnData: []byte{}}
			continue
		}
		results[i] = multicall.Result{Success: true, ReturnData: out}
	}
	return aggregate3.Outputs.Pack(results)
}

func (b *Backend) dispatch(target common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	if target == b.address {
		return b.self(data, blockNumber)
	}
	if len(data) < 4 {
		return nil, ErrReverted
	}
	var selector [4]byte
	copy(selector[:], data[:4])

	b.mu.RLock()
	methods, known := b.handlers[target]
	entry, ok := methods[selector]
	b.mu.RUnlock()
	if !known {
		return []byte{}, nil
	}
	if !ok {
		return nil, ErrReverted
	}

	args, err := entry.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, ErrReverted
	}
	outs, err := entry.fn(args)
	if err != nil {
		return nil, err
	}
	return entry.method.Outputs.Pack(outs...)
}

func (b *Backend) self(data []byte, blockNumber *big.Int) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrReverted
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case bytes.Equal(data[:4], abi.Multicall3ABI.Methods["getBlockNumber"].ID):
		n := b.blockNumber
		if blockNumber != nil {
			n = blockNumber
		}
		return abi.Multicall3ABI.Methods["getBlockNumber"].Outputs.Pack(n)
	case bytes.Equal(data[:4], abi.Multicall3ABI.Methods["getEthBalance"].ID):
		method := abi.Multicall3ABI.Methods["getEthBalance"]
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, ErrReverted
		}
		balance, ok := b.ethBalances[args[0].(common.Address)]
		if !ok {
			balance = new(big.Int)
		}
		return method.Outputs.Pack(balance)
	default:
		return nil, ErrReverted
	}
}
