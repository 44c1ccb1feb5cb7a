// Package broadcaster wires the relayer components into a running node: the
// inbound poll loop, the signed fee broadcast, the POI assurance loop and the
// price and balance refreshers.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"shieldrelay/core/chain"
	"shieldrelay/crypto/envelope"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	"shieldrelay/p2p/transport"
	"shieldrelay/services/broadcaster/executor"
	"shieldrelay/services/broadcaster/fees"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/poi"
	"shieldrelay/services/broadcaster/reliability"
	"shieldrelay/services/broadcaster/replay"
	"shieldrelay/services/broadcaster/router"
	"shieldrelay/services/broadcaster/wallet"
	"shieldrelay/storage"
)

const cleanupInterval = time.Minute

// Deps are the external collaborators of a Service. Optional entries may be
// nil; the matching feature is then disabled.
type Deps struct {
	Transport transport.Transport
	Wallet    wallet.Wallet
	Clients   map[chain.ID]gas.ChainClient
	DB        storage.Database

	Balances     wallet.BalanceReader
	GasAPI       *gas.APIClient
	PriceFeed    *PriceFeed
	POIStore     *poi.Store
	POINode      poi.Submitter
	Ledger       poi.Ledger
	POIValidator executor.POIValidator
	Notes        fees.NoteSource
	Decryptor    fees.NoteDecryptor

	Logger *slog.Logger
	Clock  func() time.Time
}

// Service is one broadcaster node.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.BroadcasterMetrics
	now       func() time.Time
	key       *envelope.ViewingKey
	topics    chain.Topics
	chainIDs  []chain.ID
	chainCfg  map[chain.ID]ChainConfig
	transport transport.Transport
	wallet    wallet.Wallet

	prices    *PriceBook
	feed      *PriceFeed
	validator *fees.Validator
	estimator *gas.Estimator
	executor  *executor.Executor
	tracker   *reliability.Tracker
	guard     *replay.Guard
	router    *router.Router
	queue     *poi.Queue
	pollPOI   bool
	limiter   *rate.Limiter

	balances   wallet.BalanceReader
	balanceMu  sync.RWMutex
	balanceOf  map[chain.ID]*big.Int
	minBalance map[chain.ID]*big.Int
	refreshing refreshGuard

	stopped  atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	handlers sync.WaitGroup
}

// NewService assembles a node from cfg and deps.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("broadcaster: transport required")
	case deps.Wallet == nil:
		return nil, errors.New("broadcaster: wallet required")
	case deps.DB == nil:
		return nil, errors.New("broadcaster: database required")
	}
	logger := logging.Component(deps.Logger, "broadcaster")
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	key, err := envelope.ParseViewingKey(cfg.ViewingKey)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: viewing key: %w", err)
	}
	prices, err := NewPriceBook(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    observability.Broadcaster(),
		now:        now,
		key:        key,
		topics:     chain.NewTopics(cfg.Transport.Namespace),
		chainCfg:   make(map[chain.ID]ChainConfig, len(cfg.Chains)),
		transport:  deps.Transport,
		wallet:     deps.Wallet,
		prices:     prices,
		feed:       deps.PriceFeed,
		balances:   deps.Balances,
		balanceOf:  make(map[chain.ID]*big.Int),
		minBalance: make(map[chain.ID]*big.Int),
		refreshing: refreshGuard{busy: make(map[string]struct{})},
		limiter:    rate.NewLimiter(rate.Limit(cfg.Transport.RateLimit), cfg.Transport.Burst),
	}

	gasOpts := []gas.Option{
		gas.WithTimeout(cfg.Gas.Timeout.Duration),
		gas.WithLogger(deps.Logger),
		gas.WithMetrics(s.metrics),
	}
	if deps.GasAPI != nil {
		gasOpts = append(gasOpts, gas.WithAPI(deps.GasAPI))
	}
	s.estimator = gas.NewEstimator(gasOpts...)

	execChains := make(map[chain.ID]executor.ChainConfig, len(cfg.Chains))
	var targets []poi.Target
	for _, c := range cfg.Chains {
		id := c.Chain()
		client, ok := deps.Clients[id]
		if !ok {
			return nil, fmt.Errorf("broadcaster: no chain client for %s", id)
		}
		gasType, err := gas.ParseType(c.GasType)
		if err != nil {
			return nil, fmt.Errorf("broadcaster: chain %s: %w", id, err)
		}
		minPriority, err := parseWei(c.MinPriorityFee)
		if err != nil {
			return nil, fmt.Errorf("broadcaster: chain %s min_priority_fee: %w", id, err)
		}
		retryBuffer, err := parseWei(c.MaxRetryBuffer)
		if err != nil {
			return nil, fmt.Errorf("broadcaster: chain %s max_retry_buffer: %w", id, err)
		}
		minBalance, err := parseWei(c.MinBalance)
		if err != nil {
			return nil, fmt.Errorf("broadcaster: chain %s min_balance: %w", id, err)
		}
		s.estimator.Register(id, gas.ChainSettings{
			Client:         client,
			MinPriorityFee: minPriority,
			UseGasAPI:      c.UseGasAPI,
		})
		execChain := executor.ChainConfig{
			GasType:        gasType,
			RequirePOI:     c.RequirePOI,
			MaxRetryBuffer: retryBuffer,
		}
		if c.RequirePOI {
			execChain.RequiredListKeys = append([]string(nil), cfg.POI.ListKeys...)
		}
		execChains[id] = execChain
		if minBalance != nil {
			s.minBalance[id] = minBalance
		}
		if c.RequirePOI {
			for _, version := range cfg.POI.TxidVersions {
				targets = append(targets, poi.Target{TxidVersion: version, Chain: id})
			}
		}
		s.chainCfg[id] = c
		s.chainIDs = append(s.chainIDs, id)
	}
	sort.Slice(s.chainIDs, func(i, j int) bool { return s.chainIDs[i].Key() < s.chainIDs[j].Key() })

	s.validator, err = fees.NewValidator(fees.NewCache(cfg.Fees.QuoteTTL.Duration), prices,
		fees.WithProfitBps(cfg.Fees.ProfitBps),
		fees.WithVarianceLowerBps(cfg.Fees.VarianceLowerBps),
		fees.WithNotes(deps.Notes, deps.Decryptor))
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	s.tracker = reliability.NewTracker(deps.DB, deps.Logger)
	s.guard, err = replay.NewGuard(deps.DB, replay.WithLogger(deps.Logger))
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	execOpts := []executor.Option{
		executor.WithCounters(s.tracker),
		executor.WithLogger(deps.Logger),
		executor.WithClock(now),
	}
	if deps.POIStore != nil {
		s.queue = poi.NewQueue(deps.POIStore, deps.Ledger, deps.POINode, targets,
			poi.WithMaxAge(cfg.POI.MaxAge.Duration),
			poi.WithClock(now),
			poi.WithQueueLogger(deps.Logger))
		s.pollPOI = deps.Ledger != nil && deps.POINode != nil && len(targets) > 0
		execOpts = append(execOpts, executor.WithPOI(deps.POIValidator, s.queue))
	} else if deps.POIValidator != nil {
		execOpts = append(execOpts, executor.WithPOI(deps.POIValidator, nil))
	}
	s.executor, err = executor.New(deps.Wallet, s.estimator, s.validator, execChains, execOpts...)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	s.router, err = router.New(router.Config{
		Version:                   cfg.Version,
		Chains:                    s.chainIDs,
		Topics:                    s.topics,
		RequireMatchingFeeCacheID: cfg.RequireMatchingFeeCacheID,
		AllowDebug:                cfg.AllowDebug,
		ResponseTimeout:           cfg.Fees.BroadcastTimeout.Duration,
	}, router.Deps{
		ViewingKey: key,
		Transport:  deps.Transport,
		Guard:      s.guard,
		Executor:   s.executor,
		FeeIDs:     s.validator,
		Counters:   s.tracker,
		Logger:     deps.Logger,
	})
	if err != nil {
		_ = s.guard.Close()
		return nil, fmt.Errorf("broadcaster: %w", err)
	}
	return s, nil
}

// Chains returns the served chains in key order.
func (s *Service) Chains() []chain.ID {
	return append([]chain.ID(nil), s.chainIDs...)
}

// Tracker exposes the reliability counters.
func (s *Service) Tracker() *reliability.Tracker {
	return s.tracker
}

// Run subscribes to the request topics and drives every loop until ctx is
// cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	if err := s.guard.Inflate(); err != nil {
		s.logger.Warn("replay guard not restored", slog.Any("error", err))
	}
	if removed, err := s.tracker.Forget(s.chainIDs); err != nil {
		s.logger.Warn("stale reliability counters not removed", slog.Any("error", err))
	} else if removed > 0 {
		s.logger.Info("removed reliability counters of unconfigured chains", slog.Int("removed", removed))
	}
	if err := s.transport.Subscribe(s.router.RequestTopics()...); err != nil {
		return fmt.Errorf("broadcaster: subscribe: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer cancel()
	if s.stopped.Load() {
		return nil
	}

	s.loop(ctx, "poll", s.cfg.Transport.PollInterval.Duration, s.pollOnce)
	s.loop(ctx, "fee-broadcast", s.cfg.Fees.BroadcastInterval.Duration, func(ctx context.Context) {
		if err := s.BroadcastFees(ctx); err != nil {
			s.logger.Warn("fee broadcast incomplete", slog.Any("error", err))
		}
	})
	s.loop(ctx, "metrics", s.cfg.Fees.MetricsInterval.Duration, func(ctx context.Context) {
		if err := s.PublishMetrics(ctx); err != nil {
			s.logger.Warn("metrics publication failed", slog.Any("error", err))
		}
	})
	s.loop(ctx, "cleanup", cleanupInterval, s.cleanup)
	if s.pollPOI {
		s.loop(ctx, "poi", s.cfg.POI.Interval.Duration, func(ctx context.Context) {
			if err := s.queue.Poll(ctx); err != nil {
				s.logger.Warn("poi assurance pass incomplete", slog.Any("error", err))
			}
		})
	} else if s.queue != nil {
		s.logger.Warn("poi assurance loop disabled: ledger or poi node not configured")
	}
	if s.feed != nil {
		s.loop(ctx, "prices", s.cfg.Refresh.PriceInterval.Duration, s.refreshPrices)
	}
	if s.balances != nil {
		s.loop(ctx, "balances", s.cfg.Refresh.BalanceInterval.Duration, s.refreshBalances)
	}
	s.logger.Info("broadcaster running",
		slog.String("identifier", s.cfg.Identifier),
		slog.String("version", s.cfg.Version),
		slog.String("wallet", s.wallet.Address().Hex()),
		slog.Int("chains", len(s.chainIDs)))

	<-ctx.Done()
	s.loops.Wait()
	s.handlers.Wait()
	return nil
}

// Stop asks every loop to exit after its current iteration.
func (s *Service) Stop() {
	s.stopped.Store(true)
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Close persists the replay guard. The database and transport belong to the
// caller.
func (s *Service) Close() error {
	return s.guard.Close()
}

func (s *Service) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if s.stopped.Load() || ctx.Err() != nil {
				return
			}
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.logger.Debug("loop started", slog.String("loop", name), slog.Duration("interval", interval))
}

// pollOnce drains the transport and hands each message to the router on its
// own goroutine. The rate limiter bounds how fast handlers are started.
func (s *Service) pollOnce(ctx context.Context) {
	msgs, err := s.transport.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("transport poll failed", slog.Any("error", err))
		}
		return
	}
	for _, msg := range msgs {
		if s.stopped.Load() {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.handlers.Add(1)
		go func(msg transport.Message) {
			defer s.handlers.Done()
			s.router.Handle(ctx, msg)
		}(msg)
	}
}

func (s *Service) cleanup(context.Context) {
	now := s.now()
	if removed := s.executor.CleanupSubmittedTxs(now); removed > 0 {
		s.logger.Debug("submitted transactions expired", slog.Int("removed", removed))
	}
	s.validator.Cache().Prune()
}

// refreshGuard tracks refreshes in flight so a slow chain is skipped rather
// than stacked up.
type refreshGuard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func (g *refreshGuard) begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[key]; ok {
		return false
	}
	g.busy[key] = struct{}{}
	return true
}

func (g *refreshGuard) end(key string) {
	g.mu.Lock()
	delete(g.busy, key)
	g.mu.Unlock()
}

func (s *Service) refreshPrices(ctx context.Context) {
	for _, c := range s.chainIDs {
		s.refreshAsync(ctx, "prices|"+c.Key(), func(ctx context.Context) error {
			snapshot, err := s.feed.Fetch(ctx, c)
			if err != nil {
				return err
			}
			return s.prices.Apply(c, snapshot)
		})
	}
}

func (s *Service) refreshBalances(ctx context.Context) {
	for _, c := range s.chainIDs {
		s.refreshAsync(ctx, "balance|"+c.Key(), func(ctx context.Context) error {
			balance, err := s.balances.Balance(ctx, c)
			if err != nil {
				return err
			}
			s.balanceMu.Lock()
			s.balanceOf[c] = balance
			s.balanceMu.Unlock()
			return nil
		})
	}
}

// refreshAsync runs fn unless a refresh under the same key is still running.
func (s *Service) refreshAsync(ctx context.Context, key string, fn func(context.Context) error) {
	if !s.refreshing.begin(key) {
		s.logger.Debug("refresh still in progress, skipping", slog.String("refresh", key))
		return
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		defer s.refreshing.end(key)
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Fees.BroadcastTimeout.Duration)
		defer cancel()
		if err := fn(callCtx); err != nil && ctx.Err() == nil {
			s.logger.Warn("refresh failed", slog.String("refresh", key), slog.Any("error", err))
		}
	}()
}

// Balance returns the last refreshed wallet balance of a chain.
func (s *Service) Balance(c chain.ID) (*big.Int, bool) {
	s.balanceMu.RLock()
	defer s.balanceMu.RUnlock()
	balance, ok := s.balanceOf[c]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(balance), true
}

// availableWallets is the number of wallets able to pay gas on c. Without a
// balance reader the single wallet is assumed funded.
func (s *Service) availableWallets(c chain.ID) int {
	if s.balances == nil {
		return 1
	}
	balance, ok := s.Balance(c)
	if !ok {
		return 0
	}
	if minimum, ok := s.minBalance[c]; ok {
		if balance.Cmp(minimum) < 0 {
			return 0
		}
		return 1
	}
	if balance.Sign() > 0 {
		return 1
	}
	return 0
}
