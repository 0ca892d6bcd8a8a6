// Package config loads the YAML configuration of the bentobalances tool.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/Iwinswap/iwinswap-bentobox-system/rates"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"
)

// Config is the configuration for the bentobalances tool.
type Config struct {
	// RPCURL is the JSON-RPC endpoint. The watch command needs a websocket
	// endpoint to subscribe to new heads.
	RPCURL string `yaml:"rpc_url"`

	// ChainID is checked against the endpoint on startup when non-zero.
	ChainID uint64 `yaml:"chain_id"`

	// Account is the address whose balances are read.
	Account string `yaml:"account"`

	// Contracts holds the addresses of the contracts read.
	Contracts ContractsConfig `yaml:"contracts"`

	// Tokens are tracked from the start. Entries with only an address have
	// their metadata read on chain.
	Tokens []TokenConfig `yaml:"tokens"`

	// BlockedTokens are never tracked, even when discovered.
	BlockedTokens []string `yaml:"blocked_tokens"`

	// System configures the live balance system used by watch.
	System SystemConfig `yaml:"system"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ContractsConfig contains contract addresses.
type ContractsConfig struct {
	BentoBox      string `yaml:"bentobox"`
	Multicall     string `yaml:"multicall"`
	WrappedNative string `yaml:"wrapped_native"`

	// USDToken is the stablecoin USD values are quoted in.
	USDToken string `yaml:"usd_token"`

	// PairFactory and PairInitCodeHash describe the Uniswap V2-style
	// deployment used for pricing. Leave PairFactory empty to disable USD values.
	PairFactory      string `yaml:"pair_factory"`
	PairInitCodeHash string `yaml:"pair_init_code_hash"`
}

// TokenConfig describes one tracked token.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name,omitempty"`
	Symbol   string `yaml:"symbol,omitempty"`
	Decimals *uint8 `yaml:"decimals,omitempty"`
}

// SystemConfig contains the live system's settings.
type SystemConfig struct {
	// Name labels the system's metrics.
	Name string `yaml:"name"`

	ResyncIntervalSeconds int64 `yaml:"resync_interval_seconds"`
	InitIntervalSeconds   int64 `yaml:"init_interval_seconds"`
	PruneIntervalSeconds  int64 `yaml:"prune_interval_seconds"`

	// LogMaxRetries is how often an empty log query for a matching block is retried.
	LogMaxRetries       int   `yaml:"log_max_retries"`
	LogRetryDelayMillis int64 `yaml:"log_retry_delay_millis"`

	// MaxTokenFailures is how many refreshes in a row a token may fail
	// before it stops being tracked.
	MaxTokenFailures int `yaml:"max_token_failures"`

	// MaxBatchSize bounds the sub-calls of one eth_call.
	MaxBatchSize       int   `yaml:"max_batch_size"`
	MaxConcurrentCalls int   `yaml:"max_concurrent_calls"`
	RPCTimeoutSeconds  int64 `yaml:"rpc_timeout_seconds"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns a Config for Ethereum mainnet.
func DefaultConfig() Config {
	return Config{
		RPCURL:  "ws://localhost:8546",
		ChainID: 1,
		Contracts: ContractsConfig{
			BentoBox:         "0xF5BCE5077908a1b7370B9ae04AdC565EBd643966",
			Multicall:        multicall.DefaultAddress.Hex(),
			WrappedNative:    "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			USDToken:         "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			PairFactory:      "0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac",
			PairInitCodeHash: "0xe18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303",
		},
		System: SystemConfig{
			Name:                  "mainnet",
			ResyncIntervalSeconds: 60,
			InitIntervalSeconds:   5,
			PruneIntervalSeconds:  300,
			LogMaxRetries:         3,
			LogRetryDelayMillis:   250,
			MaxTokenFailures:      3,
			MaxBatchSize:          multicall.DefaultMaxBatchSize,
			MaxConcurrentCalls:    4,
			RPCTimeoutSeconds:     10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9090",
		},
		LogLevel: "info",
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(c.Account) {
		return fmt.Errorf("invalid account: %q", c.Account)
	}

	contracts := []struct {
		name, value string
	}{
		{"contracts.bentobox", c.Contracts.BentoBox},
		{"contracts.multicall", c.Contracts.Multicall},
		{"contracts.wrapped_native", c.Contracts.WrappedNative},
		{"contracts.usd_token", c.Contracts.USDToken},
	}
	for _, contract := range contracts {
		if !common.IsHexAddress(contract.value) {
			return fmt.Errorf("invalid %s address: %q", contract.name, contract.value)
		}
	}
	if c.Contracts.PairFactory != "" {
		if !common.IsHexAddress(c.Contracts.PairFactory) {
			return fmt.Errorf("invalid contracts.pair_factory address: %q", c.Contracts.PairFactory)
		}
		if !isHash(c.Contracts.PairInitCodeHash) {
			return fmt.Errorf("invalid contracts.pair_init_code_hash: %q", c.Contracts.PairInitCodeHash)
		}
	}

	seen := make(map[common.Address]struct{}, len(c.Tokens))
	for i, token := range c.Tokens {
		if !common.IsHexAddress(token.Address) {
			return fmt.Errorf("tokens[%d]: invalid address: %q", i, token.Address)
		}
		addr := common.HexToAddress(token.Address)
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("tokens[%d]: duplicate token %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	for i, token := range c.BlockedTokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("blocked_tokens[%d]: invalid address: %q", i, token)
		}
	}

	if c.System.Name == "" {
		return errors.New("system.name is required")
	}
	if c.System.ResyncIntervalSeconds < 0 || c.System.InitIntervalSeconds < 0 || c.System.PruneIntervalSeconds < 0 {
		return errors.New("system intervals must not be negative")
	}
	if c.System.LogMaxRetries < 0 {
		return errors.New("system.log_max_retries must not be negative")
	}
	if c.System.MaxTokenFailures <= 0 {
		return errors.New("system.max_token_failures must be positive")
	}
	if c.System.MaxBatchSize <= 0 {
		return errors.New("system.max_batch_size must be positive")
	}
	if c.System.MaxConcurrentCalls <= 0 {
		return errors.New("system.max_concurrent_calls must be positive")
	}
	if c.System.RPCTimeoutSeconds <= 0 {
		return errors.New("system.rpc_timeout_seconds must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads a configuration from a YAML file on top of DefaultConfig
// and validates it.
func LoadConfig(path string) (*Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// ReadConfig parses a YAML file on top of DefaultConfig without validating
// it, for callers that apply overrides first.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// AccountAddress returns the configured account.
func (c *Config) AccountAddress() common.Address {
	return common.HexToAddress(c.Account)
}

// BalancesConfig returns the contracts the balance fetcher reads.
func (c *Config) BalancesConfig() balances.Config {
	return balances.Config{
		BentoBox:      common.HexToAddress(c.Contracts.BentoBox),
		Multicall:     common.HexToAddress(c.Contracts.Multicall),
		WrappedNative: common.HexToAddress(c.Contracts.WrappedNative),
		PairFactory:   c.PairFactory(),
		Options: []multicall.Option{
			multicall.WithMaxBatchSize(c.System.MaxBatchSize),
			multicall.WithMaxConcurrentCalls(c.System.MaxConcurrentCalls),
			multicall.WithRPCTimeout(time.Duration(c.System.RPCTimeoutSeconds) * time.Second),
		},
	}
}

// PairFactory returns the pricing factory, or nil when pricing is disabled.
func (c *Config) PairFactory() *rates.PairFactory {
	if c.Contracts.PairFactory == "" {
		return nil
	}
	return &rates.PairFactory{
		Address:      common.HexToAddress(c.Contracts.PairFactory),
		InitCodeHash: common.HexToHash(c.Contracts.PairInitCodeHash),
	}
}

// TokenList splits the configured tokens into those with complete metadata
// and those that need it read on chain.
func (c *Config) TokenList() (complete []balances.Token, unresolved []common.Address) {
	for _, t := range c.Tokens {
		addr := common.HexToAddress(t.Address)
		if t.Decimals == nil || t.Symbol == "" {
			unresolved = append(unresolved, addr)
			continue
		}
		complete = append(complete, balances.Token{
			Address:  addr,
			Name:     t.Name,
			Symbol:   t.Symbol,
			Decimals: *t.Decimals,
		})
	}
	return complete, unresolved
}

// BlockedList returns the blocked tokens as a set.
func (c *Config) BlockedList() map[common.Address]struct{} {
	blocked := make(map[common.Address]struct{}, len(c.BlockedTokens))
	for _, t := range c.BlockedTokens {
		blocked[common.HexToAddress(t)] = struct{}{}
	}
	return blocked
}

// ResyncInterval returns the periodic refresh interval. Zero disables it.
func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.System.ResyncIntervalSeconds) * time.Second
}

// InitInterval returns how often discovered tokens are initialized.
func (c *Config) InitInterval() time.Duration {
	return time.Duration(c.System.InitIntervalSeconds) * time.Second
}

// PruneInterval returns how often blocked tokens are pruned.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.System.PruneIntervalSeconds) * time.Second
}

// LogRetryDelay returns the delay between log query retries.
func (c *Config) LogRetryDelay() time.Duration {
	return time.Duration(c.System.LogRetryDelayMillis) * time.Millisecond
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level: %q", s)
	}
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
