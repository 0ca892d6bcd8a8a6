package main

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	bentobox "github.com/Iwinswap/iwinswap-bentobox-system"
	"github.com/Iwinswap/iwinswap-bentobox-system/amounts"
	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount  = "0x00000000000000000000000000000000000a11cE"
	otherAccount = "0x0000000000000000000000000000000000000B0b"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun(t *testing.T) {
	testCases := []struct {
		name      string
		args      []string
		wantErr   string
		wantUsage bool
	}{
		{name: "no command prints usage", args: nil, wantUsage: true},
		{name: "help", args: []string{"help"}, wantUsage: true},
		{name: "short help flag", args: []string{"-h"}, wantUsage: true},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: "unknown command: frobnicate", wantUsage: true},
		{name: "balance needs a token", args: []string{"balance"}, wantErr: "invalid -token"},
		{name: "balance rejects a bad token", args: []string{"balance", "-token", "usdc"}, wantErr: "invalid -token"},
		{name: "approved needs a master", args: []string{"approved", "-master", "kashi"}, wantErr: "invalid -master"},
		{name: "unknown flag", args: []string{"balances", "-nope"}, wantErr: "flag provided but not defined"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), tc.args, &out)
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
			if tc.wantUsage {
				assert.Contains(t, out.String(), "Usage: bentobalances")
			} else {
				assert.NotContains(t, out.String(), "Usage: bentobalances")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
rpc_url: wss://eth.example.org
account: "`+testAccount+`"
system:
  name: test
`)

	testCases := []struct {
		name        string
		flags       commonFlags
		wantErr     string
		wantRPC     string
		wantAccount string
	}{
		{
			name:        "file only",
			flags:       commonFlags{configPath: path},
			wantRPC:     "wss://eth.example.org",
			wantAccount: testAccount,
		},
		{
			name:        "flags override the file",
			flags:       commonFlags{configPath: path, account: otherAccount, rpcURL: "http://localhost:8545"},
			wantRPC:     "http://localhost:8545",
			wantAccount: otherAccount,
		},
		{
			name:        "defaults with an account flag",
			flags:       commonFlags{account: otherAccount},
			wantRPC:     "ws://localhost:8546",
			wantAccount: otherAccount,
		},
		{
			name:    "defaults have no account",
			flags:   commonFlags{},
			wantErr: "invalid config",
		},
		{
			name:    "override is validated",
			flags:   commonFlags{configPath: path, account: "bob"},
			wantErr: "invalid account",
		},
		{
			name:    "missing file",
			flags:   commonFlags{configPath: filepath.Join(t.TempDir(), "nope.yaml")},
			wantErr: "failed to read config file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := loadConfig(&tc.flags)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantRPC, cfg.RPCURL)
			assert.Equal(t, common.HexToAddress(tc.wantAccount), cfg.AccountAddress())
		})
	}

	t.Run("file values outside the flags are kept", func(t *testing.T) {
		cfg, err := loadConfig(&commonFlags{configPath: path, account: otherAccount})
		require.NoError(t, err)
		assert.Equal(t, "test", cfg.System.Name)
	})
}

func TestViewChanged(t *testing.T) {
	weth := balances.Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	newView := func(wallet int64, bento string) []bentobox.BentoBalance {
		return []bentobox.BentoBalance{{
			Token:       weth,
			Balance:     big.NewInt(wallet),
			BentoShares: big.NewInt(2),
			USD:         big.NewInt(2000),
			Wallet:      amounts.Amount{String: "1"},
			Bento:       amounts.Amount{String: bento},
		}}
	}

	testCases := []struct {
		name     string
		prev     []bentobox.BentoBalance
		next     []bentobox.BentoBalance
		expected bool
	}{
		{name: "identical", prev: newView(1, "2.2"), next: newView(1, "2.2"), expected: false},
		{name: "both empty", prev: nil, next: []bentobox.BentoBalance{}, expected: false},
		{name: "wallet balance moved", prev: newView(1, "2.2"), next: newView(2, "2.2"), expected: true},
		{name: "bento amount moved", prev: newView(1, "2.2"), next: newView(1, "2.42"), expected: true},
		{name: "token appeared", prev: nil, next: newView(1, "2.2"), expected: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, viewChanged(tc.prev, tc.next))
		})
	}
}
