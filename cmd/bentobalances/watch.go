package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	bentobox "github.com/Iwinswap/iwinswap-bentobox-system"
	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/initializer"
	"github.com/Iwinswap/iwinswap-bentobox-system/logs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// viewPollInterval is how often watch checks the system for a new view.
const viewPollInterval = time.Second

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	var f commonFlags
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &f)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.cfg.Metrics.Enabled {
		srv := serveMetrics(a, reg)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	heads := make(chan *types.Header, 16)
	sub, err := a.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	system, err := newSystem(ctx, a, reg, heads)
	if err != nil {
		return err
	}
	a.logger.Info("Watching balances", "account", system.Account().Hex(), "tokens", len(system.Tokens()))

	ticker := time.NewTicker(viewPollInterval)
	defer ticker.Stop()
	var (
		last    []bentobox.BentoBalance
		printed bool
	)
	for {
		select {
		case <-ticker.C:
			block := system.LastUpdatedAtBlock()
			if block == 0 {
				continue
			}
			view := system.View()
			if printed && !viewChanged(last, view) {
				continue
			}
			last, printed = view, true
			fmt.Fprintf(out, "block %d\n", block)
			if err := writeTable(out, view); err != nil {
				return err
			}
		case err := <-sub.Err():
			return fmt.Errorf("new head subscription: %w", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// viewChanged reports whether next differs from prev in any balance or
// display value.
func viewChanged(prev, next []bentobox.BentoBalance) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range next {
		p, n := prev[i], next[i]
		if p.Token.Address != n.Token.Address ||
			!bigEqual(p.Balance, n.Balance) ||
			!bigEqual(p.BentoShares, n.BentoShares) ||
			!bigEqual(p.USD, n.USD) ||
			p.Wallet.String != n.Wallet.String ||
			p.Bento.String != n.Bento.String ||
			p.Wallet.USD != n.Wallet.USD ||
			p.Bento.USD != n.Bento.USD {
			return true
		}
	}
	return false
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// newSystem wires the balance system to the app's client, fetcher and config.
func newSystem(ctx context.Context, a *app, reg prometheus.Registerer, heads chan *types.Header) (*bentobox.BentoBoxSystem, error) {
	account := a.cfg.AccountAddress()
	bentoBox := common.HexToAddress(a.cfg.Contracts.BentoBox)
	blocked := a.cfg.BlockedList()
	tokens := a.resolveTokens(ctx)
	tokenInitializer := initializer.NewTokenInitializer(a.fetcher, tokens)

	return bentobox.NewBentoBoxSystem(ctx, &bentobox.Config{
		SystemName:      a.cfg.System.Name,
		PrometheusReg:   reg,
		NewBlockEventer: heads,
		Account:         account,
		Tokens:          tokens,
		WrappedNative:   common.HexToAddress(a.cfg.Contracts.WrappedNative),
		USDToken:        common.HexToAddress(a.cfg.Contracts.USDToken),
		GetClient: func() (bentobox.ETHClient, error) {
			return a.client, nil
		},
		InBlockedList: func(token common.Address) bool {
			_, ok := blocked[token]
			return ok
		},
		FetchBalances: func(ctx context.Context, client bentobox.ETHClient, account common.Address, tokens []common.Address, blockNumber *big.Int) (*balances.Snapshot, error) {
			return a.fetcher.FetchBalances(ctx, client, account, tokens, blockNumber)
		},
		FetchBentoBalance: func(ctx context.Context, client bentobox.ETHClient, token, account common.Address) (balances.BentoBalance, error) {
			return a.fetcher.FetchBentoBalance(ctx, client, token, account)
		},
		MasterContractApproved: func(ctx context.Context, client bentobox.ETHClient, masterContract, user common.Address) (bool, error) {
			return a.fetcher.MasterContractApproved(ctx, client, masterContract, user)
		},
		TokenInitializer: func(ctx context.Context, tokens []common.Address, client bentobox.ETHClient) ([]balances.Token, []error) {
			return tokenInitializer.Initialize(ctx, tokens, client)
		},
		DiscoverTokens: logs.NewDiscoverTokens(account, bentoBox),
		ApprovalChanged: func(masterContract common.Address, blockNumber uint64) {
			approved, err := a.fetcher.MasterContractApproved(ctx, a.client, masterContract, account)
			if err != nil {
				a.logger.Warn("Reading master contract approval failed", "masterContract", masterContract.Hex(), "error", err)
				return
			}
			a.logger.Info("Master contract approval set", "masterContract", masterContract.Hex(), "approved", approved, "block", blockNumber)
		},
		// Errors are logged and counted by the system.
		ErrorHandler:    func(error) {},
		TestBloom:       logs.NewAccountBloomTest(account),
		TestPoolBloom:   logs.NewPoolBloomTest(bentoBox),
		FilterTopics:    logs.FilterTopics(),
		PruneFrequency:  a.cfg.PruneInterval(),
		InitFrequency:   a.cfg.InitInterval(),
		ResyncFrequency: a.cfg.ResyncInterval(),
		LogMaxRetries:   a.cfg.System.LogMaxRetries,
		LogRetryDelay:   a.cfg.LogRetryDelay(),
		Logger:          a.logger,

		MaxTokenFailures: a.cfg.System.MaxTokenFailures,
	})
}

func serveMetrics(a *app, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
