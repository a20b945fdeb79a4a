package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"horizon-trader/internal/advisor"
	"horizon-trader/internal/broker"
	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/ledger"
	"horizon-trader/internal/market"
	"horizon-trader/internal/news"
	"horizon-trader/internal/policy"
	"horizon-trader/internal/runlog"
	"horizon-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 初始化全部组件并启动各触发源，阻塞直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("watchlist", a.cfg.App.Watchlist),
	)

	engine, newsClient, positions, err := a.buildEngine()
	if err != nil {
		return err
	}

	if err := engine.Reconcile(ctx); err != nil {
		a.logger.Error("启动对账失败", zap.Error(err))
	}

	watchlist := make([]string, 0, len(a.cfg.App.Watchlist))
	for _, symbol := range a.cfg.App.Watchlist {
		watchlist = append(watchlist, strings.ToUpper(strings.TrimSpace(symbol)))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runBarCloseLoop(gctx, engine, watchlist)
	})

	if a.cfg.Scheduler.EnablePricePoller {
		g.Go(func() error {
			return a.runPricePoller(gctx, engine, positions)
		})
	}

	if a.cfg.Scheduler.EnableNewsPoller && newsClient.Enabled() {
		g.Go(func() error {
			return a.runNewsPoller(gctx, engine, newsClient, positions)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) buildEngine() (*Engine, *news.Client, *ledger.Ledger, error) {
	brokerClient, err := broker.NewAlpacaClient(a.cfg.Broker, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化券商客户端失败: %w", err)
	}

	marketSvc := market.NewService(brokerClient, a.logger)

	advisors := make([]advisor.Advisor, 0, len(decision.Horizons()))
	for _, horizon := range decision.Horizons() {
		adv, err := advisor.NewLLMAdvisor(horizon, a.cfg.OpenAI, a.logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化 %s 周期顾问失败: %w", horizon, err)
		}
		advisors = append(advisors, adv)
	}
	panel, err := advisor.NewPanel(advisors, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化顾问面板失败: %w", err)
	}

	weights := make(map[decision.Horizon]float64, len(a.cfg.Advisor.Weights))
	for key, w := range a.cfg.Advisor.Weights {
		horizon, err := decision.ParseHorizon(key)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化聚合器失败: %w", err)
		}
		weights[horizon] = w
	}
	aggregator, err := decision.NewAggregator(weights, a.cfg.Advisor.EnterThreshold, a.cfg.Advisor.ExitThreshold)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化聚合器失败: %w", err)
	}

	positions, err := ledger.New(a.store, a.cfg.Timebox, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化持仓账本失败: %w", err)
	}

	runs, err := runlog.NewStore(a.store, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化运行日志失败: %w", err)
	}

	newsClient := news.NewClient(a.cfg.News, a.logger)

	engine := NewEngine(EngineDeps{
		Aggregator:  aggregator,
		Policy:      policy.New(a.cfg.Policy),
		Ledger:      positions,
		Runs:        runs,
		Broker:      brokerClient,
		Feed:        brokerClient,
		Panel:       panel,
		Market:      marketSvc,
		News:        newsClient,
		FillTimeout: a.cfg.Broker.FillTimeout,
		Logger:      a.logger,
	})

	return engine, newsClient, positions, nil
}

// runBarCloseLoop 启动时先为全部标的各跑一轮，之后按固定间隔循环。
func (a *App) runBarCloseLoop(ctx context.Context, engine *Engine, watchlist []string) error {
	a.runAll(ctx, engine, watchlist, runlog.TriggerStartup)

	ticker := time.NewTicker(a.cfg.Scheduler.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runAll(ctx, engine, watchlist, runlog.TriggerBarClose)
		}
	}
}

func (a *App) runAll(ctx context.Context, engine *Engine, watchlist []string, trigger string) {
	for _, symbol := range watchlist {
		if ctx.Err() != nil {
			return
		}
		engine.RunCycle(ctx, symbol, trigger)
	}
}

// priceWatcher 维护价格触发的逐标的状态：基准价与去抖时间。
// 去抖期间不重置基准价，待冷却结束后待定的异动仍可触发。
type priceWatcher struct {
	threshold float64
	debounce  time.Duration
	reference map[string]float64
	lastFired map[string]time.Time
}

func newPriceWatcher(threshold float64, debounce time.Duration) *priceWatcher {
	return &priceWatcher{
		threshold: threshold,
		debounce:  debounce,
		reference: make(map[string]float64),
		lastFired: make(map[string]time.Time),
	}
}

// observe 登记一次价格观察，返回是否应触发决策周期。
func (w *priceWatcher) observe(symbol string, price float64, now time.Time) bool {
	if price <= 0 {
		return false
	}

	ref, ok := w.reference[symbol]
	if !ok || ref <= 0 {
		w.reference[symbol] = price
		return false
	}

	move := math.Abs(price-ref) / ref
	if move < w.threshold {
		return false
	}

	if fired, ok := w.lastFired[symbol]; ok && now.Sub(fired) < w.debounce {
		return false
	}

	w.reference[symbol] = price
	w.lastFired[symbol] = now
	return true
}

// runPricePoller 监控已持仓标的的价格异动，超过阈值且冷却完成时触发周期。
func (a *App) runPricePoller(ctx context.Context, engine *Engine, positions *ledger.Ledger) error {
	ticker := time.NewTicker(a.cfg.Scheduler.PricePollInterval)
	defer ticker.Stop()

	watcher := newPriceWatcher(a.cfg.Scheduler.PriceMoveThreshold, a.cfg.Scheduler.PriceDebounce)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		held, err := positions.All(ctx)
		if err != nil {
			a.logger.Warn("价格轮询读取账本失败", zap.Error(err))
			continue
		}

		for _, pos := range held {
			price, err := engine.feed.LastPrice(ctx, pos.Symbol)
			if err != nil {
				continue
			}
			if !watcher.observe(pos.Symbol, price, time.Now().UTC()) {
				continue
			}

			a.logger.Info("价格异动触发决策", zap.String("symbol", pos.Symbol))
			engine.RunCycle(ctx, pos.Symbol, runlog.TriggerPriceEvent)
		}
	}
}

// runNewsPoller 监控已持仓标的的新闻，出现新条目时触发周期。
func (a *App) runNewsPoller(ctx context.Context, engine *Engine, client *news.Client, positions *ledger.Ledger) error {
	ticker := time.NewTicker(a.cfg.Scheduler.NewsPollInterval)
	defer ticker.Stop()

	lastSeen := make(map[string]int64)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		held, err := positions.All(ctx)
		if err != nil {
			a.logger.Warn("新闻轮询读取账本失败", zap.Error(err))
			continue
		}

		for _, pos := range held {
			articles, err := client.CompanyNews(ctx, pos.Symbol, 1, 1)
			if err != nil {
				a.logger.Warn("新闻轮询失败", zap.String("symbol", pos.Symbol), zap.Error(err))
				continue
			}
			if len(articles) == 0 {
				continue
			}

			latest := articles[0]
			seen, known := lastSeen[pos.Symbol]
			lastSeen[pos.Symbol] = latest.DateTime

			// 首次观察只建立基线，存量新闻不触发决策。
			if !known || latest.DateTime <= seen {
				continue
			}

			a.logger.Info("新闻事件触发决策",
				zap.String("symbol", pos.Symbol),
				zap.String("headline", latest.Headline),
			)
			engine.RunCycle(ctx, pos.Symbol, runlog.TriggerNewsEvent)
		}
	}
}
