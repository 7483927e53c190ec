package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"swap-router/internal/approval"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/execution"
	"swap-router/internal/flashloan"
	"swap-router/internal/guard"
	"swap-router/internal/history"
	"swap-router/internal/metrics"
	"swap-router/internal/monitor"
	"swap-router/internal/pricing"
	"swap-router/internal/quote"
	"swap-router/internal/reserve"
	"swap-router/internal/store"
	"swap-router/internal/swap"
	"swap-router/internal/tracker"
	"swap-router/internal/venue"
	"swap-router/internal/venue/aggregator"
	"swap-router/internal/venue/auction"
	"swap-router/internal/wallet"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装各组件并提供 HTTP 接口，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("兑换服务初始化",
		zap.String("environment", cfg.App.Environment),
		zap.Int("chains", len(cfg.Chains)),
		zap.Bool("pricing", cfg.Pricing.Enabled),
	)

	chains, err := chain.NewRegistry(cfg.Chains)
	if err != nil {
		return fmt.Errorf("初始化链注册表失败: %w", err)
	}
	rpc, err := wallet.DialRPC(ctx, chains, a.logger)
	if err != nil {
		return fmt.Errorf("连接 RPC 失败: %w", err)
	}
	defer rpc.Close()

	if strings.TrimSpace(cfg.Wallet.PrivateKey) == "" {
		return errors.New("wallet.private_key 未配置")
	}
	signer, err := wallet.NewKeySigner(cfg.Wallet.PrivateKey, rpc, a.logger)
	if err != nil {
		return fmt.Errorf("初始化签名器失败: %w", err)
	}

	helpers, err := flashloan.NewResolver(cfg.FlashLoan, a.logger)
	if err != nil {
		return fmt.Errorf("初始化闪电贷辅助合约失败: %w", err)
	}
	selector, err := venue.NewSelector(chains, helpers, cfg.Auction.Unsupported)
	if err != nil {
		return fmt.Errorf("初始化场所选择失败: %w", err)
	}
	aggClient := aggregator.NewClient(cfg.Aggregator, a.logger)
	auctionClient, err := auction.NewClient(cfg.Auction, chains, auction.Options{
		AppCode:       cfg.App.AppCode,
		Environment:   cfg.App.Environment,
		PartnerFeeBps: cfg.Swap.PartnerFeeBps,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("初始化拍卖场所失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(ctx, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控失败: %w", err)
	}
	historyStore, err := history.New(ctx, a.store, cfg.Swap.PairPreferenceTTL, a.logger)
	if err != nil {
		return fmt.Errorf("初始化历史记录失败: %w", err)
	}
	stats := metrics.New()
	book := reserve.NewBook(rpc, cfg.Swap.ReserveTTL, a.logger)

	sessions := swap.NewStore()

	trk, err := tracker.New(tracker.Config{
		Source:   auctionClient,
		Sessions: sessions,
		Recorder: historyStore,
		Sink:     orderSinks{monitorSvc, stats},
		Interval: cfg.Swap.OrderPollInterval,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("初始化订单追踪失败: %w", err)
	}
	defer trk.Close()

	exec, err := execution.NewExecutor(execution.Deps{
		Store:      sessions,
		Chains:     chains,
		Signer:     signer,
		Approvals:  approval.NewManager(cfg.Approval, chains, rpc, a.logger),
		Aggregator: aggClient,
		Auction:    auctionClient,
		Helpers:    helpers,
		Tracker:    trk,
		Observer:   executionObservers{monitorSvc, stats},
		Translate:  venue.Translate,
	}, execution.Options{
		PartnerFeeBps: cfg.Swap.PartnerFeeBps,
		DustMarginBps: cfg.Swap.DustMarginBps,
		MinSellAmount: cfg.Swap.MinSellAmount,
		MarketExpiry:  cfg.Swap.MarketExpiry,
		LimitExpiry:   cfg.Swap.LimitExpiry,
		PartnerWallet: auctionClient.PartnerFeeRecipient(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("初始化执行器失败: %w", err)
	}

	deps := ServiceDeps{
		Store:    sessions,
		Chains:   chains,
		Signer:   signer,
		Executor: exec,
		Guards:   guard.NewEvaluator(a.logger),
		Reserves: book,
		History:  historyStore,
		Monitor:  monitorSvc,
		Sessions: stats,
	}
	var pricer quote.Pricer
	if cfg.Pricing.Enabled {
		feed := pricing.NewFeed(pricing.NewClient(cfg.Pricing, a.logger), cfg.Pricing, a.logger)
		pricer = feed
		deps.Warmer = feed
	}
	svc, err := NewService(deps, ServiceOptions{
		PartnerFeeBps:      cfg.Swap.PartnerFeeBps,
		DustMarginBps:      cfg.Swap.DustMarginBps,
		DefaultSlippageBps: cfg.Swap.DefaultSlippageBps,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("初始化会话服务失败: %w", err)
	}
	defer svc.Shutdown()
	trk.SetInvalidate(svc.Invalidate)
	exec.SetSettled(svc.OrderSettled)
	defer exec.Close()

	quotes, err := quote.NewOrchestrator(quote.Config{
		Store:    sessions,
		Venues:   venue.NewSet(aggClient, auctionClient),
		Selector: selector,
		Pricer:   pricer,
		Observer: quoteObservers{monitorSvc, stats},
		OnQuote:  svc.OnQuote,
		Options: quote.Options{
			Debounce:           cfg.Swap.Debounce,
			RefreshInterval:    cfg.Swap.RefreshInterval,
			PartnerFeeBps:      cfg.Swap.PartnerFeeBps,
			DefaultSlippageBps: cfg.Swap.DefaultSlippageBps,
			MaxSlippageBps:     cfg.Swap.MaxSlippageBps,
			PriceImpactWarnBps: cfg.Swap.PriceImpactWarnBps,
		},
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("初始化报价调度失败: %w", err)
	}
	defer quotes.Close()
	svc.BindQuotes(quotes)

	resumed, err := trk.Resume(ctx)
	if err != nil {
		a.logger.Warn("恢复未完成订单失败", zap.Error(err))
	} else if resumed > 0 {
		a.logger.Info("已恢复未完成订单追踪", zap.Int("orders", resumed))
	}

	handler := newRouter(routerDeps{
		service:  svc,
		history:  historyStore,
		monitor:  monitorSvc,
		reserves: book,
		metrics:  stats.Handler(),
		timeout:  cfg.Server.ReadTimeout * 6,
		logger:   a.logger,
	})
	startServer(ctx, handler, cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout, a.logger)

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
