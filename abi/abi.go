// Package abi holds the parsed contract interfaces the system reads from.
package abi

import (
	"fmt"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	// ERC20ABI covers the read surface of a standard token plus its Transfer event.
	ERC20ABI = mustParse("erc20", erc20JSON)
	// ERC20Bytes32ABI decodes legacy tokens (e.g. MKR) whose name and symbol are bytes32.
	ERC20Bytes32ABI = mustParse("erc20-bytes32", erc20Bytes32JSON)
	// BentoBoxABI is the subset of the BentoBox vault used for balances and approvals.
	BentoBoxABI = mustParse("bentobox", bentoBoxJSON)
	// Multicall3ABI is the canonical Multicall3 deployed at 0xcA11bde05977b3631167028862bE2a173976CA11.
	Multicall3ABI = mustParse("multicall3", multicall3JSON)
	// UniswapV2PairABI is used to price tokens against the wrapped native token.
	UniswapV2PairABI = mustParse("uniswapv2-pair", uniswapV2PairJSON)
)

func mustParse(name, raw string) ethabi.ABI {
	parsed, err := ethabi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("abi: failed to parse %s: %v", name, err))
	}
	return parsed
}

const erc20JSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

const erc20Bytes32JSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

const bentoBoxJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totals","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"elastic","type":"uint128"},{"name":"base","type":"uint128"}]},
	{"type":"function","name":"masterContractApproved","stateMutability":"view","inputs":[{"name":"masterContract","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"LogDeposit","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"share","type":"uint256","indexed":false}]},
	{"type":"event","name":"LogWithdraw","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"share","type":"uint256","indexed":false}]},
	{"type":"event","name":"LogTransfer","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"share","type":"uint256","indexed":false}]},
	{"type":"event","name":"LogSetMasterContractApproval","anonymous":false,"inputs":[
		{"name":"masterContract","type":"address","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"approved","type":"bool","indexed":false}]}
]`

const multicall3JSON = `[
	{"type":"function","name":"aggregate3","stateMutability":"payable",
	 "inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}]}]},
	{"type":"function","name":"getEthBalance","stateMutability":"view","inputs":[{"name":"addr","type":"address"}],"outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"getBlockNumber","stateMutability":"view","inputs":[],"outputs":[{"name":"blockNumber","type":"uint256"}]}
]`

const uniswapV2PairJSON = `[
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[
		{"name":"_reserve0","type":"uint112"},
		{"name":"_reserve1","type":"uint112"},
		{"name":"_blockTimestampLast","type":"uint32"}]}
]`
