package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/superfluid-finance/agora-reconciler/internal/allocation"
	"github.com/superfluid-finance/agora-reconciler/internal/api"
	"github.com/superfluid-finance/agora-reconciler/internal/cache"
	"github.com/superfluid-finance/agora-reconciler/internal/chain"
	"github.com/superfluid-finance/agora-reconciler/internal/config"
	"github.com/superfluid-finance/agora-reconciler/internal/guard"
	"github.com/superfluid-finance/agora-reconciler/internal/notify"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
	"github.com/superfluid-finance/agora-reconciler/internal/subgraph"
	"github.com/superfluid-finance/agora-reconciler/internal/txtrack"
	"github.com/superfluid-finance/agora-reconciler/internal/watch"
)

const notifyTimeout = 15 * time.Second

// Notifier defines alert methods used by the app.
type Notifier interface {
	watch.Notifier
	NotifyHalt(ctx context.Context, halted bool) error
	NotifyTransaction(ctx context.Context, hash, actionType, state string) error
}

type App struct {
	cfg    config.Config
	logger *zap.Logger

	reader   *chain.Reader
	cache    cache.Cache
	guard    *guard.Guard
	service  *reconcile.Service
	tracker  *txtrack.Tracker
	watcher  *watch.Watcher
	notifier Notifier

	mu      sync.RWMutex
	running bool
}

// Dial connects to the configured RPC endpoint and builds the app.
func Dial(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	reader, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, reader, logger)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return a, nil
}

// New builds the app on an existing chain backend.
func New(cfg config.Config, backend chain.Backend, logger *zap.Logger) (*App, error) {
	return build(cfg, chain.NewReader(backend, cfg.Retry, logger), logger)
}

func build(cfg config.Config, reader *chain.Reader, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	limits, err := cfg.Limits.GuardLimits()
	if err != nil {
		return nil, err
	}
	g := guard.New(limits)
	g.SetHalted(cfg.Limits.Halted)

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	var notifier Notifier = notify.NewNotifier("", "")
	if cfg.Telegram.Enabled {
		notifier = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	allocations := allocation.NewClient(cfg.Agora, cfg.Tranches.Count, cfg.Retry, logger.Named("allocation"),
		allocation.WithCache(store, cfg.Cache.AllocationsTTL))
	schedules := subgraph.NewClient(cfg.Subgraph, cfg.Retry, logger.Named("subgraph"))

	service := reconcile.NewService(reconcile.Config{
		ChainID: cfg.Chain.ChainID,
		Addresses: chain.Addresses{
			SuperToken: common.HexToAddress(cfg.Chain.SuperToken),
			Scheduler:  common.HexToAddress(cfg.Chain.VestingScheduler),
			Forwarder:  common.HexToAddress(cfg.Chain.CFAForwarder),
		},
		Plan:    cfg.Tranches,
		Options: cfg.Reconcile,
	}, allocations, schedules, reader, g, logger.Named("reconcile"))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		reader:   reader,
		cache:    store,
		guard:    g,
		service:  service,
		notifier: notifier,
	}

	a.tracker = txtrack.NewTracker(reader, cfg.Chain.TxPollInterval, logger.Named("txtrack"))
	a.tracker.OnFinal = a.notifyTransaction

	if cfg.Watch.Enabled {
		a.watcher = watch.New(cfg.Watch, service, notifier, logger.Named("watch"))
	}
	return a, nil
}

func (a *App) notifyTransaction(e txtrack.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := a.notifier.NotifyTransaction(ctx, e.Hash.Hex(), string(e.ActionType), string(e.State)); err != nil {
		a.logger.Warn("transaction notification failed", zap.String("hash", e.Hash.Hex()), zap.Error(err))
	}
}

// Service returns the reconciliation service.
func (a *App) Service() *reconcile.Service { return a.service }

// Tracker returns the transaction tracker.
func (a *App) Tracker() *txtrack.Tracker { return a.tracker }

// Watcher returns the watcher, or nil when watching is disabled.
func (a *App) Watcher() *watch.Watcher { return a.watcher }

// Guard returns the safety limits and halt switch.
func (a *App) Guard() *guard.Guard { return a.guard }

// IsRunning reports whether Run is active.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Ready checks that the RPC endpoint serves the configured chain and that
// the cache backend answers.
func (a *App) Ready(ctx context.Context) error {
	id, err := a.reader.ChainID(ctx)
	if err != nil {
		return err
	}
	if id.Int64() != a.cfg.Chain.ChainID {
		return fmt.Errorf("rpc serves chain %s, configured %d", id, a.cfg.Chain.ChainID)
	}
	if p, ok := a.cache.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

// NewServer builds the HTTP API over the app's components.
func (a *App) NewServer() *api.Server {
	deps := api.Deps{
		Reconciler:   a.service,
		Transactions: a.tracker,
		Halt:         a.guard,
		Notifier:     a.notifier,
		Ready:        a.Ready,
	}
	if a.watcher != nil {
		deps.Watch = a.watcher
	}
	return api.NewServer(api.Options{
		Addr:              a.cfg.API.Addr,
		RateLimitRPS:      a.cfg.API.RateLimitRPS,
		RateLimitBurst:    a.cfg.API.RateLimitBurst,
		RequestTimeout:    a.cfg.API.RequestTimeout,
		ReadHeaderTimeout: a.cfg.API.ReadHeaderTimeout,
	}, deps, a.logger.Named("api"))
}

// Run starts the transaction tracker and, when enabled, the watcher. It
// blocks until ctx is cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("reconciler running",
		zap.Int64("chain_id", a.cfg.Chain.ChainID),
		zap.String("super_token", a.cfg.Chain.SuperToken),
		zap.Bool("watch", a.watcher != nil),
		zap.Bool("halted", a.guard.Halted()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tracker.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown releases the RPC connection and cache client.
func (a *App) Shutdown(_ context.Context) {
	a.logger.Info("shutting down",
		zap.Int("pending_transactions", a.tracker.Pending()),
	)
	if c, ok := a.cache.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}
	a.reader.Close()
}
