package bentobox

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iwinswap/iwinswap-bentobox-system/balances"
	"github.com/Iwinswap/iwinswap-bentobox-system/multicall"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrTokenBlocked is returned when adding a token the blocked list rejects.
	ErrTokenBlocked = errors.New("token is blocked")
	// ErrTokenQuarantined marks a token dropped after repeated failed reads.
	ErrTokenQuarantined = errors.New("token quarantined")
)

// defaultMaxTokenFailures is used when Config.MaxTokenFailures is not set.
const defaultMaxTokenFailures = 3

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ETHClient is the slice of an Ethereum client the system uses.
// *ethclient.Client satisfies it.
type ETHClient interface {
	multicall.Caller
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// --- Function Type Definitions for Dependencies ---

type GetClientFunc func() (ETHClient, error)
type InBlockedListFunc func(token common.Address) bool
type FetchBalancesFunc func(ctx context.Context, client ETHClient, account common.Address, tokens []common.Address, blockNumber *big.Int) (*balances.Snapshot, error)
type FetchBentoBalanceFunc func(ctx context.Context, client ETHClient, token, account common.Address) (balances.BentoBalance, error)
type MasterContractApprovedFunc func(ctx context.Context, client ETHClient, masterContract, user common.Address) (bool, error)
type TokenInitializerFunc func(ctx context.Context, tokens []common.Address, client ETHClient) ([]balances.Token, []error)
type DiscoverTokensFunc func([]types.Log) (tokens, masterContracts []common.Address, err error)
type ApprovalChangedFunc func(masterContract common.Address, blockNumber uint64)

type ErrorHandlerFunc func(err error)
type TestBloomFunc func(types.Bloom) bool
type TestPoolBloomFunc func(bloom types.Bloom, tokens []common.Address) bool

// Config holds all the dependencies and settings for the BentoBoxSystem.
type Config struct {
	SystemName      string
	PrometheusReg   prometheus.Registerer
	NewBlockEventer chan *types.Header

	// Account is the address whose balances are tracked.
	Account common.Address
	// Tokens are tracked from the start. Tokens the account receives later
	// are discovered from block logs.
	Tokens []balances.Token
	// WrappedNative is credited with the account's native balance in the view.
	WrappedNative common.Address
	// USDToken is the token USD values are quoted in. It should be tracked
	// for USD values to be non-zero.
	USDToken common.Address

	GetClient              GetClientFunc
	InBlockedList          InBlockedListFunc
	FetchBalances          FetchBalancesFunc
	FetchBentoBalance      FetchBentoBalanceFunc
	MasterContractApproved MasterContractApprovedFunc
	TokenInitializer       TokenInitializerFunc
	DiscoverTokens         DiscoverTokensFunc
	ErrorHandler           ErrorHandlerFunc
	TestBloom              TestBloomFunc
	FilterTopics           [][]common.Hash
	PruneFrequency         time.Duration
	InitFrequency          time.Duration
	ResyncFrequency        time.Duration
	LogMaxRetries          int
	LogRetryDelay          time.Duration
	Logger                 Logger

	// TestPoolBloom passes blocks that may change the pool totals of tokens
	// the account holds shares in. TestBloom covers blocks naming the account.
	TestPoolBloom TestPoolBloomFunc
	// ApprovalChanged is optional. It is called for every master contract
	// whose approval by the account was set in a block.
	ApprovalChanged ApprovalChangedFunc
	// MaxTokenFailures is how many refreshes in a row a token may fail
	// before it is dropped. Defaults to 3.
	MaxTokenFailures int
}

// validate checks that all essential fields in the Config are provided.
func (c *Config) validate() error {
	if c.SystemName == "" {
		return errors.New("system name is required")
	}
	if c.NewBlockEventer == nil {
		return errors.New("new block eventer channel is required")
	}
	if c.Account == (common.Address{}) {
		return errors.New("account is required")
	}
	if c.GetClient == nil {
		return errors.New("get client function is required")
	}
	if c.InBlockedList == nil {
		return errors.New("in blocked list function is required")
	}
	if c.FetchBalances == nil {
		return errors.New("fetch balances function is required")
	}
	if c.FetchBentoBalance == nil {
		return errors.New("fetch bento balance function is required")
	}
	if c.MasterContractApproved == nil {
		return errors.New("master contract approved function is required")
	}
	if c.TokenInitializer == nil {
		return errors.New("token initializer function is required")
	}
	if c.DiscoverTokens == nil {
		return errors.New("discover tokens function is required")
	}
	if c.ErrorHandler == nil {
		return errors.New("error handler function is required")
	}
	if c.TestBloom == nil {
		return errors.New("test bloom function is required")
	}
	if c.TestPoolBloom == nil {
		return errors.New("test pool bloom function is required")
	}
	if len(c.FilterTopics) == 0 {
		return errors.New("filter topics are required for performance")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// BentoBoxSystem keeps a live view of one account's wallet and BentoBox
// balances. Every applied view comes from a single batched read, so a share
// balance is always converted against the pool totals of the same block.
type BentoBoxSystem struct {
	systemName             string
	account                common.Address
	wrappedNative          common.Address
	usdToken               common.Address
	newBlockEventer        chan *types.Header
	getClient              GetClientFunc
	inBlockedList          InBlockedListFunc
	fetchBalances          FetchBalancesFunc
	fetchBentoBalance      FetchBentoBalanceFunc
	masterContractApproved MasterContractApprovedFunc
	tokenInitializer       TokenInitializerFunc
	discoverTokens         DiscoverTokensFunc
	approvalChanged        ApprovalChangedFunc
	cachedView             atomic.Pointer[[]BentoBalance]
	lastUpdatedAtBlock     atomic.Uint64
	errorHandler           ErrorHandlerFunc
	testBloom              TestBloomFunc
	testPoolBloom          TestPoolBloomFunc
	filterTopics           [][]common.Hash
	maxTokenFailures       int
	pruneFrequency         time.Duration
	initFrequency          time.Duration
	resyncFrequency        time.Duration
	logMaxRetries          int
	logRetryDelay          time.Duration
	metrics                *Metrics
	logger                 Logger

	// viewBehind is set while the latest refresh failed, so skipped blocks
	// are not reported as current.
	viewBehind atomic.Bool

	mu sync.RWMutex
	// Guarded by mu.
	registry         *TokenRegistry
	pendingInit      map[common.Address]struct{}
	tokenFailures    map[common.Address]int
	quarantined      map[common.Address]struct{}
	lastAppliedBlock uint64
}

// NewBentoBoxSystem constructs and returns a new, fully initialized system.
// It starts all background goroutines, including an initial refresh.
func NewBentoBoxSystem(ctx context.Context, cfg *Config) (*BentoBoxSystem, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid bentobox system configuration: %w", err)
	}

	registry := NewTokenRegistry()
	for _, token := range cfg.Tokens {
		if cfg.InBlockedList(token.Address) {
			continue
		}
		if err := addToken(token, registry); err != nil {
			return nil, fmt.Errorf("invalid bentobox system configuration: token %s: %w", token.Address.Hex(), err)
		}
	}

	metrics := NewMetrics(cfg.PrometheusReg, cfg.SystemName)
	maxTokenFailures := cfg.MaxTokenFailures
	if maxTokenFailures <= 0 {
		maxTokenFailures = defaultMaxTokenFailures
	}

	system := &BentoBoxSystem{
		systemName:             cfg.SystemName,
		account:                cfg.Account,
		wrappedNative:          cfg.WrappedNative,
		usdToken:               cfg.USDToken,
		newBlockEventer:        cfg.NewBlockEventer,
		getClient:              cfg.GetClient,
		inBlockedList:          cfg.InBlockedList,
		fetchBalances:          cfg.FetchBalances,
		fetchBentoBalance:      cfg.FetchBentoBalance,
		masterContractApproved: cfg.MasterContractApproved,
		tokenInitializer:       cfg.TokenInitializer,
		discoverTokens:         cfg.DiscoverTokens,
		approvalChanged:        cfg.ApprovalChanged,
		errorHandler: func(err error) {
			errorType := determineErrorType(err)
			cfg.Logger.Error("BentoBoxSystem internal error", "system", cfg.SystemName, "type", errorType, "error", err)
			metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
			cfg.ErrorHandler(err)
		},
		testBloom:        cfg.TestBloom,
		testPoolBloom:    cfg.TestPoolBloom,
		filterTopics:     cfg.FilterTopics,
		maxTokenFailures: maxTokenFailures,
		pruneFrequency:   cfg.PruneFrequency,
		initFrequency:    cfg.InitFrequency,
		resyncFrequency:  cfg.ResyncFrequency,
		logMaxRetries:    cfg.LogMaxRetries,
		logRetryDelay:    cfg.LogRetryDelay,
		metrics:          metrics,
		logger:           cfg.Logger,
		registry:         registry,
		pendingInit:      make(map[common.Address]struct{}),
		tokenFailures:    make(map[common.Address]int),
		quarantined:      make(map[common.Address]struct{}),
	}

	system.cachedView.Store(&[]BentoBalance{})
	system.metrics.TokensInRegistry.WithLabelValues().Set(float64(len(registry.address)))
	system.logger.Info("BentoBoxSystem started", "system", system.systemName, "account", system.account.Hex(), "tokens", len(registry.address))

	go system.listenBlockEventer(ctx)
	go system.startPruner(ctx)
	go system.startInitializer(ctx)
	go system.startStateReconciler(ctx)

	return system, nil
}

// View returns a copy of the latest balance view. This operation is lock-free.
func (s *BentoBoxSystem) View() []BentoBalance {
	viewPtr := s.cachedView.Load()
	if viewPtr == nil {
		return nil
	}
	view := *viewPtr
	viewCopy := make([]BentoBalance, len(view))
	copy(viewCopy, view)
	return viewCopy
}

// LastUpdatedAtBlock returns the latest block the view is known to be current for.
func (s *BentoBoxSystem) LastUpdatedAtBlock() uint64 {
	return s.lastUpdatedAtBlock.Load()
}

// Account returns the tracked account.
func (s *BentoBoxSystem) Account() common.Address {
	return s.account
}

// Tokens returns the tokens currently tracked, whether or not they hold a balance.
func (s *BentoBoxSystem) Tokens() []balances.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]balances.Token, 0, len(s.registry.address))
	for _, addr := range s.registry.address {
		token, err := getToken(addr, s.registry)
		if err != nil {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// advanceBlock moves lastUpdatedAtBlock forward. It never moves it back.
func (s *BentoBoxSystem) advanceBlock(blockNum uint64) {
	for {
		current := s.lastUpdatedAtBlock.Load()
		if blockNum <= current {
			return
		}
		if s.lastUpdatedAtBlock.CompareAndSwap(current, blockNum) {
			s.metrics.LastProcessedBlock.WithLabelValues().Set(float64(blockNum))
			return
		}
	}
}

// updateCachedView generates a fresh view from the registry and atomically updates the pointer.
// This method MUST be called from within a write lock (s.mu.Lock).
func (s *BentoBoxSystem) updateCachedView() {
	newView := viewRegistry(s.registry, s.wrappedNative, s.usdToken)
	if newView == nil {
		newView = []BentoBalance{}
	}
	s.cachedView.Store(&newView)
	s.metrics.TokensInRegistry.WithLabelValues().Set(float64(len(s.registry.address)))
	s.metrics.TokensWithBalance.WithLabelValues().Set(float64(len(newView)))
}

// listenBlockEventer is the main event loop for the system.
func (s *BentoBoxSystem) listenBlockEventer(ctx context.Context) {
	for {
		select {
		case h := <-s.newBlockEventer:
			if h == nil || h.Number == nil {
				continue
			}
			timer := prometheus.NewTimer(s.metrics.BlockProcessingDur.WithLabelValues())

			accountHit := s.testBloom(h.Bloom)
			if !accountHit && !s.viewBehind.Load() && !s.poolsTouched(h.Bloom) {
				s.advanceBlock(h.Number.Uint64())
				timer.ObserveDuration()
				continue
			}
			if err := s.handleNewBlock(ctx, h, accountHit); err != nil {
				s.errorHandler(err)
			}
			timer.ObserveDuration()
		case <-ctx.Done():
			s.logger.Info("BentoBoxSystem stopping due to context cancellation.")
			return
		}
	}
}

// poolsTouched reports whether the block may have moved the totals of a pool
// the account holds shares in.
func (s *BentoBoxSystem) poolsTouched(bloom types.Bloom) bool {
	s.mu.RLock()
	held := tokensWithShares(s.registry)
	s.mu.RUnlock()
	return len(held) > 0 && s.testPoolBloom(bloom, held)
}

// getLogsWithRetry fetches the relevant logs of a block whose bloom passed.
// An empty result is retried up to s.logMaxRetries times since the node may
// still be indexing the block.
func (s *BentoBoxSystem) getLogsWithRetry(ctx context.Context, client ETHClient, header *types.Header) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: header.Number,
		ToBlock:   header.Number,
		Topics:    s.filterTopics,
	}

	maxAttempts := 1 + s.logMaxRetries
	for i := range maxAttempts {
		attempt := i + 1
		logs, err := client.FilterLogs(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(logs) > 0 {
			return logs, nil
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(s.logRetryDelay):
				s.logger.Debug("Retrying log fetch for block", "block", header.Number.Uint64(), "attempt", attempt)
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.logger.Warn("No relevant logs found for block after all retries", "block", header.Number.Uint64(), "hash", header.Hash().Hex())
	return []types.Log{}, nil
}

// handleNewBlock refreshes the view at the block. When the block may name
// the account, its logs are scanned first: touched tokens are queued for
// initialization and approval changes are reported.
func (s *BentoBoxSystem) handleNewBlock(ctx context.Context, h *types.Header, accountHit bool) error {
	blockNum := h.Number.Uint64()
	start := time.Now()
	defer func() {
		s.logger.Debug("Processed new block", "blockNumber", blockNum, "duration", time.Since(start))
	}()

	client, err := s.getClient()
	if err != nil {
		return &SystemError{BlockNumber: blockNum, Err: fmt.Errorf("failed to get eth client: %w", err)}
	}

	if accountHit {
		if err := s.scanLogs(ctx, client, h); err != nil {
			return err
		}
	}

	// Errors are already reported through the error handler.
	_ = s.refresh(ctx, client, "block", h.Number)
	return nil
}

// scanLogs reads the block's relevant logs, queues the tokens they touch and
// reports master contract approval changes.
func (s *BentoBoxSystem) scanLogs(ctx context.Context, client ETHClient, h *types.Header) error {
	blockNum := h.Number.Uint64()
	logs, err := s.getLogsWithRetry(ctx, client, h)
	if err != nil {
		return &SystemError{BlockNumber: blockNum, Err: fmt.Errorf("failed to filter logs: %w", err)}
	}

	discovered, masterContracts, err := s.discoverTokens(logs)
	if err != nil {
		s.errorHandler(&SystemError{BlockNumber: blockNum, Err: fmt.Errorf("failed to discover tokens: %w", err)})
	}
	for _, master := range masterContracts {
		s.logger.Info("Master contract approval changed", "blockNumber", blockNum, "masterContract", master.Hex())
		s.metrics.ApprovalChanges.WithLabelValues().Inc()
		if s.approvalChanged != nil {
			s.approvalChanged(master, blockNum)
		}
	}

	var newPendingCount int
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, token := range discovered {
			if s.inBlockedList(token) || hasToken(token, s.registry) {
				continue
			}
			if _, ok := s.quarantined[token]; ok {
				continue
			}
			if _, exists := s.pendingInit[token]; !exists {
				s.pendingInit[token] = struct{}{}
				newPendingCount++
			}
		}
	}()
	if newPendingCount > 0 {
		s.logger.Info("Discovered new tokens in block", "blockNumber", blockNum, "count", newPendingCount)
		s.metrics.PendingInitQueueSize.WithLabelValues().Add(float64(newPendingCount))
	}
	return nil
}

// Refresh reads every tracked balance at the latest block and applies the
// result. The previous view is kept when any token fails to resolve.
func (s *BentoBoxSystem) Refresh(ctx context.Context) error {
	client, err := s.getClient()
	if err != nil {
		err = &RefreshError{SystemError: SystemError{BlockNumber: s.LastUpdatedAtBlock(), Err: fmt.Errorf("failed to get eth client: %w", err)}, Account: s.account}
		s.errorHandler(err)
		return err
	}
	return s.refresh(ctx, client, "manual", nil)
}

// refresh performs one snapshot read and applies it atomically. Failures
// are reported through the error handler and returned.
func (s *BentoBoxSystem) refresh(ctx context.Context, client ETHClient, trigger string, blockNumber *big.Int) error {
	timer := prometheus.NewTimer(s.metrics.RefreshDur.WithLabelValues(trigger))
	defer timer.ObserveDuration()

	s.mu.RLock()
	tokens := tokenAddresses(s.registry)
	s.mu.RUnlock()

	snapshot, err := s.fetchBalances(ctx, client, s.account, tokens, blockNumber)
	if err != nil {
		var blockNum uint64
		if blockNumber != nil {
			blockNum = blockNumber.Uint64()
		}
		s.metrics.RefreshesTotal.WithLabelValues("failed").Inc()
		s.viewBehind.Store(true)
		refreshErr := &RefreshError{SystemError: SystemError{BlockNumber: blockNum, Err: err}, Account: s.account}
		s.errorHandler(refreshErr)
		return refreshErr
	}

	failed := make(map[common.Address]error)
	var tokenErrs []error
	for i, tokenErr := range snapshot.Errs {
		if tokenErr != nil && i < len(tokens) {
			failed[tokens[i]] = tokenErr
			tokenErrs = append(tokenErrs, &TokenError{SystemError: SystemError{BlockNumber: snapshot.BlockNumber, Err: tokenErr}, Token: tokens[i]})
		}
	}
	for _, tb := range snapshot.Tokens {
		if tb.Token == (common.Address{}) {
			continue
		}
		if _, err := tb.BentoAmount(); err != nil {
			failed[tb.Token] = err
			tokenErrs = append(tokenErrs, &TokenError{SystemError: SystemError{BlockNumber: snapshot.BlockNumber, Err: err}, Token: tb.Token})
		}
	}
	if len(tokenErrs) > 0 {
		s.metrics.RefreshesTotal.WithLabelValues("incomplete").Inc()
		s.viewBehind.Store(true)
		for _, e := range tokenErrs {
			s.errorHandler(e)
		}
		if s.quarantineFailing(tokens, failed) {
			// The failing tokens are gone; the rest can be applied now.
			return s.refresh(ctx, client, trigger, blockNumber)
		}
		return &RefreshError{
			SystemError: SystemError{BlockNumber: snapshot.BlockNumber, Err: fmt.Errorf("%d of %d tokens unresolved, keeping previous view: %w", len(tokenErrs), len(tokens), errors.Join(tokenErrs...))},
			Account:     s.account,
		}
	}

	applied := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if snapshot.BlockNumber < s.lastAppliedBlock {
			return false
		}
		for _, tb := range snapshot.Tokens {
			// Tokens removed while the snapshot was in flight are skipped.
			_ = updateToken(tb, s.registry)
		}
		setNativeBalance(snapshot.NativeBalance, s.registry)
		clear(s.tokenFailures)
		s.lastAppliedBlock = snapshot.BlockNumber
		s.updateCachedView()
		return true
	}()

	if !applied {
		s.metrics.RefreshesTotal.WithLabelValues("stale").Inc()
		s.logger.Debug("Discarded stale snapshot", "blockNumber", snapshot.BlockNumber, "trigger", trigger)
		return nil
	}

	s.viewBehind.Store(false)
	s.metrics.RefreshesTotal.WithLabelValues("applied").Inc()
	s.metrics.LastAppliedBlock.WithLabelValues().Set(float64(snapshot.BlockNumber))
	s.advanceBlock(snapshot.BlockNumber)
	s.logger.Debug("Applied balance snapshot", "blockNumber", snapshot.BlockNumber, "trigger", trigger, "tokens", len(snapshot.Tokens))
	return nil
}

// quarantineFailing counts a failed refresh against every token in failed and
// resets the count of the others. Tokens that reach maxTokenFailures are
// removed from the registry and ignored by discovery until added again
// explicitly. It reports whether any token was removed.
func (s *BentoBoxSystem) quarantineFailing(tokens []common.Address, failed map[common.Address]error) bool {
	var quarantineErrs []error
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, token := range tokens {
			lastErr, ok := failed[token]
			if !ok {
				delete(s.tokenFailures, token)
				continue
			}
			s.tokenFailures[token]++
			if s.tokenFailures[token] < s.maxTokenFailures {
				continue
			}
			delete(s.tokenFailures, token)
			if err := deleteToken(token, s.registry); err != nil {
				continue
			}
			s.quarantined[token] = struct{}{}
			quarantineErrs = append(quarantineErrs, &PrunerError{
				Token: token,
				Err:   fmt.Errorf("%w after %d failed refreshes: %w", ErrTokenQuarantined, s.maxTokenFailures, lastErr),
			})
		}
		if len(quarantineErrs) > 0 {
			s.updateCachedView()
		}
	}()

	for _, e := range quarantineErrs {
		s.errorHandler(e)
	}
	if len(quarantineErrs) > 0 {
		s.logger.Warn("Quarantined failing tokens", "count", len(quarantineErrs))
		s.metrics.TokensQuarantined.WithLabelValues().Add(float64(len(quarantineErrs)))
	}
	return len(quarantineErrs) > 0
}

// startInitializer is a background process that periodically initializes tokens from the pending queue.
func (s *BentoBoxSystem) startInitializer(ctx context.Context) {
	if s.initFrequency <= 0 {
		return
	}
	ticker := time.NewTicker(s.initFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runPendingInitializations(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runPendingInitializations drains the pending queue, loads the tokens'
// metadata, adds them to the registry and refreshes.
func (s *BentoBoxSystem) runPendingInitializations(ctx context.Context) {
	timer := prometheus.NewTimer(s.metrics.TokenInitDur.WithLabelValues())
	defer timer.ObserveDuration()

	var tokensToInit []common.Address
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.pendingInit) > 0 {
			tokensToInit = make([]common.Address, 0, len(s.pendingInit))
			for addr := range s.pendingInit {
				tokensToInit = append(tokensToInit, addr)
			}
			s.pendingInit = make(map[common.Address]struct{})
		}
	}()

	s.metrics.PendingInitQueueSize.WithLabelValues().Set(0)
	if len(tokensToInit) == 0 {
		return
	}

	s.logger.Info("Running token initializer", "count", len(tokensToInit))

	blockNum := s.LastUpdatedAtBlock()
	client, err := s.getClient()
	if err != nil {
		s.errorHandler(&SystemError{BlockNumber: blockNum, Err: fmt.Errorf("initializer: failed to get eth client: %w", err)})
		return
	}
	infos, errs := s.tokenInitializer(ctx, tokensToInit, client)

	var initErrors []error
	var successfulInits int
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, token := range tokensToInit {
			if i >= len(errs) || i >= len(infos) {
				initErrors = append(initErrors, &InitializationError{SystemError: SystemError{BlockNumber: blockNum, Err: errors.New("initializer returned no result")}, Token: token})
				continue
			}
			if errs[i] != nil {
				initErrors = append(initErrors, &InitializationError{SystemError: SystemError{BlockNumber: blockNum, Err: errs[i]}, Token: token})
				continue
			}
			info := infos[i]
			info.Address = token
			if err := addToken(info, s.registry); err != nil {
				if errors.Is(err, ErrTokenExists) {
					continue
				}
				initErrors = append(initErrors, &InitializationError{SystemError: SystemError{BlockNumber: blockNum, Err: err}, Token: token})
				continue
			}
			successfulInits++
		}
		if successfulInits > 0 {
			s.updateCachedView()
		}
	}()

	for _, e := range initErrors {
		s.errorHandler(e)
	}
	if successfulInits == 0 {
		return
	}

	s.logger.Info("Successfully initialized new tokens", "count", successfulInits, "failed", len(initErrors))
	s.metrics.TokensInitialized.WithLabelValues().Add(float64(successfulInits))
	_ = s.refresh(ctx, client, "init", nil)
}

// startStateReconciler refreshes once on start and then every
// resyncFrequency. Native transfers emit no logs, so this is the only way
// they reach the view between token events.
func (s *BentoBoxSystem) startStateReconciler(ctx context.Context) {
	s.runStateReconciliation(ctx)
	if s.resyncFrequency <= 0 {
		return
	}
	ticker := time.NewTicker(s.resyncFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runStateReconciliation(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *BentoBoxSystem) runStateReconciliation(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	client, err := s.getClient()
	if err != nil {
		s.errorHandler(&RefreshError{SystemError: SystemError{BlockNumber: s.LastUpdatedAtBlock(), Err: fmt.Errorf("reconciler: failed to get eth client: %w", err)}, Account: s.account})
		return
	}
	_ = s.refresh(ctx, client, "resync", nil)
}

// startPruner is a background process that periodically removes blocked tokens from the registry.
func (s *BentoBoxSystem) startPruner(ctx context.Context) {
	if s.pruneFrequency <= 0 {
		return
	}
	ticker := time.NewTicker(s.pruneFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneBlockedTokens()
		case <-ctx.Done():
			return
		}
	}
}

// pruneBlockedTokens removes tracked tokens that are now on the blocked list.
func (s *BentoBoxSystem) pruneBlockedTokens() {
	timer := prometheus.NewTimer(s.metrics.PruningDuration.WithLabelValues())
	defer timer.ObserveDuration()

	s.mu.RLock()
	tracked := tokenAddresses(s.registry)
	s.mu.RUnlock()

	var tokensToDelete []common.Address
	for _, token := range tracked {
		if s.inBlockedList(token) {
			tokensToDelete = append(tokensToDelete, token)
		}
	}
	if len(tokensToDelete) == 0 {
		return
	}

	s.logger.Info("Pruner removing blocked tokens", "count", len(tokensToDelete))
	errs := s.RemoveTokens(tokensToDelete)
	var pruned int
	for i, token := range tokensToDelete {
		if errs != nil && errs[i] != nil {
			s.errorHandler(&PrunerError{Token: token, Err: fmt.Errorf("failed to delete from registry: %w", errs[i])})
			continue
		}
		pruned++
	}
	s.metrics.TokensPruned.WithLabelValues().Add(float64(pruned))
}

// AddTokens starts tracking tokens. Their balances appear in the view after
// the next refresh. The returned slice is nil when every token was added.
func (s *BentoBoxSystem) AddTokens(tokens []balances.Token) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(tokens))
	hasChanged := false
	hasErrors := false
	for i, token := range tokens {
		if s.inBlockedList(token.Address) {
			errs[i] = ErrTokenBlocked
			hasErrors = true
			continue
		}
		if err := addToken(token, s.registry); err != nil {
			errs[i] = err
			hasErrors = true
			continue
		}
		delete(s.pendingInit, token.Address)
		delete(s.quarantined, token.Address)
		hasChanged = true
	}

	if hasChanged {
		s.updateCachedView()
	}
	if hasErrors {
		return errs
	}
	return nil
}

// RemoveTokens stops tracking tokens. The returned slice is nil when every
// token was removed.
func (s *BentoBoxSystem) RemoveTokens(tokens []common.Address) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(tokens))
	hasChanged := false
	hasErrors := false
	for i, token := range tokens {
		if err := deleteToken(token, s.registry); err != nil {
			errs[i] = err
			hasErrors = true
			continue
		}
		delete(s.tokenFailures, token)
		hasChanged = true
	}

	if hasChanged {
		s.updateCachedView()
	}
	if hasErrors {
		return errs
	}
	return nil
}

// BentoBalance reads the account's BentoBox balance of any token, tracked
// or not, at the latest block.
func (s *BentoBoxSystem) BentoBalance(ctx context.Context, token common.Address) (balances.BentoBalance, error) {
	client, err := s.getClient()
	if err != nil {
		return balances.BentoBalance{}, fmt.Errorf("failed to get eth client: %w", err)
	}
	return s.fetchBentoBalance(ctx, client, token, s.account)
}

// MasterContractApproved reports whether user has approved masterContract
// on the BentoBox.
func (s *BentoBoxSystem) MasterContractApproved(ctx context.Context, masterContract, user common.Address) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, fmt.Errorf("failed to get eth client: %w", err)
	}
	return s.masterContractApproved(ctx, client, masterContract, user)
}
