// Command bentobalances reads an account's wallet and BentoBox balances.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	bentobox "github.com/Iwinswap/iwinswap-bentobox-system"
	"github.com/Iwinswap/iwinswap-bentobox-system/amounts"
	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/config"
	"github.com/Iwinswap/iwinswap-bentobox-system/initializer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run routes to the subcommands.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	switch args[0] {
	case "balances":
		return runBalances(ctx, args[1:], out)
	case "balance":
		return runBalance(ctx, args[1:], out)
	case "approved":
		return runApproved(ctx, args[1:], out)
	case "watch":
		return runWatch(ctx, args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `Usage: bentobalances <command> [flags]

Commands:
  balances   print wallet and BentoBox balances of every configured token
  balance    print the BentoBox balance of one token (-token)
  approved   report whether a master contract is approved (-master, -user)
  watch      keep balances live, serve /metrics and log changes

Common flags:
  -config    YAML config file (mainnet defaults when empty)
  -account   account to read, overrides the config
  -rpc       JSON-RPC endpoint, overrides the config
`)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	account    string
	rpcURL     string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.account, "account", "", "account address")
	fs.StringVar(&f.rpcURL, "rpc", "", "JSON-RPC endpoint")
}

// app is the state every subcommand starts from.
type app struct {
	cfg     *config.Config
	client  *ethclient.Client
	fetcher *balances.Fetcher
	logger  *slog.Logger
}

func (a *app) Close() {
	a.client.Close()
}

// loadConfig reads the config file, or starts from mainnet defaults, and
// applies flag overrides.
func loadConfig(f *commonFlags) (*config.Config, error) {
	defaults := config.DefaultConfig()
	cfg := &defaults
	if f.configPath != "" {
		loaded, err := config.ReadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.account != "" {
		cfg.Account = f.account
	}
	if f.rpcURL != "" {
		cfg.RPCURL = f.rpcURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, f *commonFlags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	if cfg.ChainID != 0 {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		if chainID.Uint64() != cfg.ChainID {
			client.Close()
			return nil, fmt.Errorf("endpoint is on chain %d, config expects %d", chainID.Uint64(), cfg.ChainID)
		}
	}

	return &app{
		cfg:     cfg,
		client:  client,
		fetcher: balances.NewFetcher(cfg.BalancesConfig()),
		logger:  logger,
	}, nil
}

// resolveTokens returns the configured tokens with metadata, reading it on
// chain for tokens configured by address only. Tokens that cannot be
// resolved are logged and skipped.
func (a *app) resolveTokens(ctx context.Context) []balances.Token {
	tokens, unresolved := a.cfg.TokenList()
	if len(unresolved) == 0 {
		return tokens
	}

	infos, errs := initializer.NewTokenInitializer(a.fetcher, nil).Initialize(ctx, unresolved, a.client)
	for i, token := range unresolved {
		if errs[i] != nil {
			a.logger.Warn("Skipping token without metadata", "token", token.Hex(), "error", errs[i])
			continue
		}
		tokens = append(tokens, infos[i])
	}
	return tokens
}

func runBalances(ctx context.Context, args []string, out io.Writer) error {
	var f commonFlags
	fs := flag.NewFlagSet("balances", flag.ContinueOnError)
	f.register(fs)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &f)
	if err != nil {
		return err
	}
	defer a.Close()

	tokens := a.resolveTokens(ctx)
	addrs := make([]common.Address, len(tokens))
	for i, t := range tokens {
		addrs[i] = t.Address
	}

	account := a.cfg.AccountAddress()
	snapshot, err := a.fetcher.FetchBalances(ctx, a.client, account, addrs, nil)
	if err != nil {
		return err
	}
	wrappedNative := common.HexToAddress(a.cfg.Contracts.WrappedNative)
	usdToken := common.HexToAddress(a.cfg.Contracts.USDToken)
	view, err := bentobox.ViewFromSnapshot(snapshot, tokens, wrappedNative, usdToken)
	if err != nil {
		return fmt.Errorf("block %d: %w", snapshot.BlockNumber, err)
	}

	if *asJSON {
		return writeJSON(out, struct {
			Account     common.Address          `json:"account"`
			BlockNumber uint64                  `json:"blockNumber"`
			Balances    []bentobox.BentoBalance `json:"balances"`
		}{account, snapshot.BlockNumber, view})
	}
	fmt.Fprintf(out, "account %s at block %d\n", account.Hex(), snapshot.BlockNumber)
	return writeTable(out, view)
}

func runBalance(ctx context.Context, args []string, out io.Writer) error {
	var f commonFlags
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	f.register(fs)
	token := fs.String("token", "", "token address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*token) {
		return fmt.Errorf("invalid -token: %q", *token)
	}

	a, err := newApp(ctx, &f)
	if err != nil {
		return err
	}
	defer a.Close()

	balance, err := a.fetcher.FetchBentoBalance(ctx, a.client, common.HexToAddress(*token), a.cfg.AccountAddress())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (decimals %d, raw %s)\n", amounts.Format(balance.Value, balance.Decimals), balance.Decimals, balance.Value)
	return nil
}

func runApproved(ctx context.Context, args []string, out io.Writer) error {
	var f commonFlags
	fs := flag.NewFlagSet("approved", flag.ContinueOnError)
	f.register(fs)
	master := fs.String("master", "", "master contract address")
	user := fs.String("user", "", "user address, defaults to the account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*master) {
		return fmt.Errorf("invalid -master: %q", *master)
	}

	a, err := newApp(ctx, &f)
	if err != nil {
		return err
	}
	defer a.Close()

	userAddr := a.cfg.AccountAddress()
	if *user != "" {
		if !common.IsHexAddress(*user) {
			return fmt.Errorf("invalid -user: %q", *user)
		}
		userAddr = common.HexToAddress(*user)
	}

	approved, err := a.fetcher.MasterContractApproved(ctx, a.client, common.HexToAddress(*master), userAddr)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, approved)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(out io.Writer, view []bentobox.BentoBalance) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tWALLET\tWALLET USD\tBENTOBOX\tBENTOBOX USD")
	for _, b := range view {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.Token.Symbol, b.Wallet.String, b.Wallet.USD, b.Bento.String, b.Bento.USD)
	}
	return w.Flush()
}
