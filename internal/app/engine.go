package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"horizon-trader/internal/advisor"
	"horizon-trader/internal/broker"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/ledger"
	"horizon-trader/internal/market"
	"horizon-trader/internal/news"
	"horizon-trader/internal/policy"
	"horizon-trader/internal/runlog"
)

const (
	newsLookbackDays = 7
	newsMaxItems     = 10
	historyScanLimit = 500
)

type snapshotSource interface {
	Snapshot(ctx context.Context, symbol string) (market.Snapshot, error)
}

type opinionPanel interface {
	Gather(ctx context.Context, input advisor.Input) []decision.Opinion
}

type newsSource interface {
	Enabled() bool
	CompanyNews(ctx context.Context, symbol string, days, maxItems int) ([]news.Article, error)
}

// Engine 驱动单个标的的一次完整决策周期。
// 周期内任何失败都降级为一条运行记录，绝不让进程退出。
type Engine struct {
	aggregator  *decision.Aggregator
	policy      *policy.Policy
	ledger      *ledger.Ledger
	runs        *runlog.Store
	broker      broker.Broker
	feed        broker.PriceFeed
	panel       opinionPanel
	market      snapshotSource
	news        newsSource
	fillTimeout time.Duration
	logger      *zap.Logger
	clock       func() time.Time
}

// EngineDeps 聚合引擎依赖。News 可为 nil，表示新闻能力关闭。
type EngineDeps struct {
	Aggregator  *decision.Aggregator
	Policy      *policy.Policy
	Ledger      *ledger.Ledger
	Runs        *runlog.Store
	Broker      broker.Broker
	Feed        broker.PriceFeed
	Panel       opinionPanel
	Market      snapshotSource
	News        newsSource
	FillTimeout time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewEngine 创建决策引擎。
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	fillTimeout := deps.FillTimeout
	if fillTimeout <= 0 {
		fillTimeout = 30 * time.Second
	}

	return &Engine{
		aggregator:  deps.Aggregator,
		policy:      deps.Policy,
		ledger:      deps.Ledger,
		runs:        deps.Runs,
		broker:      deps.Broker,
		feed:        deps.Feed,
		panel:       deps.Panel,
		market:      deps.Market,
		news:        deps.News,
		fillTimeout: fillTimeout,
		logger:      logger,
		clock:       clock,
	}
}

// RunCycle 执行一次完整的决策周期并返回落账记录。
// 周期开始前先清理全账本中时间盒到期的持仓。
func (e *Engine) RunCycle(ctx context.Context, symbol, trigger string) runlog.Record {
	now := e.clock()

	e.SweepExpired(ctx)

	var articles []news.Article
	if e.news != nil && e.news.Enabled() {
		fetched, err := e.news.CompanyNews(ctx, symbol, newsLookbackDays, newsMaxItems)
		if err != nil {
			e.logger.Warn("拉取新闻失败，继续无新闻决策", zap.String("symbol", symbol), zap.Error(err))
		} else {
			articles = fetched
		}
	}

	var opinions []decision.Opinion
	snapshot, err := e.market.Snapshot(ctx, symbol)
	if err != nil {
		// 快照失败时无意见可征询，聚合自然落到 HOLD。
		e.logger.Warn("市场快照失败", zap.String("symbol", symbol), zap.Error(err))
	} else {
		opinions = e.panel.Gather(ctx, advisor.Input{Snapshot: snapshot, News: articles})
	}

	dec := e.aggregator.Decide(opinions)
	summary := decision.Summary(opinions, dec)

	account, err := e.broker.Account(ctx)
	if err != nil {
		e.logger.Warn("获取账户状态失败，本周期以零账户降级", zap.String("symbol", symbol), zap.Error(err))
		account = broker.AccountState{Timestamp: now}
	}

	lastPrice := e.lastPrice(ctx, symbol, snapshot)

	record := runlog.Record{
		When:          now,
		Symbol:        symbol,
		Trigger:       trigger,
		Decision:      dec,
		Reason:        summary,
		AccountCash:   account.Cash,
		AccountEquity: account.Equity,
	}

	switch dec.Action {
	case decision.ActionSell:
		e.runSell(ctx, symbol, &record)
	case decision.ActionBuy:
		e.runBuy(ctx, symbol, dec, account, lastPrice, now, &record)
	default:
		record.Action = runlog.ActionHold
	}

	e.append(ctx, record)

	e.logger.Info("决策周期完成",
		zap.String("symbol", symbol),
		zap.String("trigger", trigger),
		zap.String("action", string(record.Action)),
		zap.String("summary", summary),
	)

	return record
}

func (e *Engine) runSell(ctx context.Context, symbol string, record *runlog.Record) {
	ledgerQty := 0.0
	pos, err := e.ledger.Get(ctx, symbol)
	if err != nil {
		e.logger.Warn("读取账本失败", zap.String("symbol", symbol), zap.Error(err))
	} else if pos != nil {
		ledgerQty = pos.Qty
	}

	brokerQty, err := e.broker.PositionQty(ctx, symbol)
	if err != nil {
		e.logger.Warn("获取券商持仓失败，以账本数量为准", zap.String("symbol", symbol), zap.Error(err))
		brokerQty = 0
	}

	qty := e.policy.AuthorizeSell(ledgerQty, brokerQty)
	if qty <= 0 {
		record.Action = runlog.ActionSellNoPosition
		return
	}

	orderID, err := e.broker.SubmitMarketOrder(ctx, symbol, broker.OrderSideSell, qty)
	if err != nil {
		// 卖出失败账本保持不变，下个周期重试。
		e.logger.Error("卖出下单失败", zap.String("symbol", symbol), zap.Error(err))
		record.Action = runlog.ActionSellFailed
		record.Reason = fmt.Sprintf("%s (sell failed: %v)", record.Reason, err)
		return
	}

	if _, err := e.ledger.Close(ctx, symbol); err != nil {
		e.logger.Error("卖出后账本平仓失败", zap.String("symbol", symbol), zap.Error(err))
	}

	record.Action = runlog.ActionSell
	record.Qty = qty
	record.OrderID = orderID

	// 成交确认仅用于审计字段，失败或超时不影响卖出结果。
	fill, err := e.broker.AwaitFill(ctx, symbol, orderID, e.fillTimeout)
	if err != nil {
		e.logger.Warn("等待卖出成交确认中断", zap.String("symbol", symbol), zap.Error(err))
	}
	if fill.Confirmed {
		if fill.Qty > 0 {
			record.Qty = fill.Qty
		}
		record.EntryPrice = fill.AvgPrice
	}
}

func (e *Engine) runBuy(
	ctx context.Context,
	symbol string,
	dec decision.Decision,
	account broker.AccountState,
	lastPrice float64,
	now time.Time,
	record *runlog.Record,
) {
	heldQty := 0.0
	pos, err := e.ledger.Get(ctx, symbol)
	if err != nil {
		e.logger.Warn("读取账本失败", zap.String("symbol", symbol), zap.Error(err))
	} else if pos != nil {
		heldQty = pos.Qty
	}
	heldMarketValue := heldQty * lastPrice

	history, err := e.runs.RecentBySymbol(ctx, symbol, historyScanLimit)
	if err != nil {
		e.logger.Warn("读取运行历史失败，节流检查降级为空历史", zap.String("symbol", symbol), zap.Error(err))
		history = nil
	}

	auth := e.policy.AuthorizeBuy(dec.TargetHorizon, account, heldQty, heldMarketValue, lastPrice, history, now)
	if auth.Blocked {
		record.Action = runlog.ActionSuggestBuy
		record.Reason = fmt.Sprintf("%s (%s)", record.Reason, auth.Reason)
		return
	}

	orderID, err := e.broker.SubmitMarketOrder(ctx, symbol, broker.OrderSideBuy, auth.Qty)
	if err != nil {
		e.logger.Error("买入下单失败", zap.String("symbol", symbol), zap.Error(err))
		record.Action = runlog.ActionBuyFailed
		record.Reason = fmt.Sprintf("%s (buy failed: %v)", record.Reason, err)
		return
	}

	fill, err := e.broker.AwaitFill(ctx, symbol, orderID, e.fillTimeout)
	if err != nil {
		e.logger.Warn("等待成交确认中断", zap.String("symbol", symbol), zap.Error(err))
	}

	// 未确认成交按请求数量与最近价格乐观记账，后续由对账修正。
	fillQty := fill.Qty
	fillPrice := fill.AvgPrice
	if !fill.Confirmed || fillQty <= 0 {
		fillQty = auth.Qty
	}
	if fillPrice <= 0 {
		fillPrice = lastPrice
	}

	if pos == nil {
		if _, err := e.ledger.Open(ctx, symbol, dec.TargetHorizon, fillQty, fillPrice, now); err != nil {
			e.logger.Error("买入后账本建仓失败", zap.String("symbol", symbol), zap.Error(err))
		}
	} else {
		if _, err := e.ledger.Merge(ctx, symbol, fillQty, fillPrice); err != nil {
			e.logger.Error("买入后账本追加失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	record.Action = runlog.ActionBuy
	record.Qty = fillQty
	record.EntryPrice = fillPrice
	record.OrderID = orderID
}

// SweepExpired 平掉全账本中时间盒到期的持仓。
// 平仓失败也会弹出账本条目，本地敞口控制优先于券商侧一致性。
func (e *Engine) SweepExpired(ctx context.Context) []runlog.Record {
	now := e.clock()

	expired, err := e.ledger.Expired(ctx, now)
	if err != nil {
		e.logger.Error("扫描到期持仓失败", zap.Error(err))
		return nil
	}

	records := make([]runlog.Record, 0, len(expired))
	for _, pos := range expired {
		record := runlog.Record{
			When:    now,
			Symbol:  pos.Symbol,
			Trigger: runlog.TriggerTimeboxExpired,
			Qty:     pos.Qty,
			Reason: fmt.Sprintf("timebox expired (horizon=%s, until=%s)",
				pos.Horizon, pos.TimeboxUntil.Format(time.RFC3339)),
		}

		orderID, err := e.broker.ClosePosition(ctx, pos.Symbol)
		if err != nil {
			e.logger.Error("强制平仓失败，仍移除账本条目",
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			record.Action = runlog.ActionForcedExitFailed
			record.Reason = fmt.Sprintf("%s (close failed: %v)", record.Reason, err)
		} else {
			record.Action = runlog.ActionForcedExit
			record.OrderID = orderID
		}

		if _, err := e.ledger.Close(ctx, pos.Symbol); err != nil {
			e.logger.Error("移除到期持仓失败", zap.String("symbol", pos.Symbol), zap.Error(err))
		}

		e.append(ctx, record)
		records = append(records, record)
	}

	return records
}

// Reconcile 启动时校对账本与券商持仓，券商无法确认的条目被移除。
func (e *Engine) Reconcile(ctx context.Context) error {
	positions, err := e.ledger.All(ctx)
	if err != nil {
		return fmt.Errorf("对账读取账本失败: %w", err)
	}

	for _, pos := range positions {
		brokerQty, err := e.broker.PositionQty(ctx, pos.Symbol)
		if err != nil {
			// 查询失败不能当作无持仓处理。
			e.logger.Warn("对账查询券商持仓失败，保留账本条目",
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			continue
		}
		if brokerQty > 0 {
			continue
		}

		if _, err := e.ledger.Close(ctx, pos.Symbol); err != nil {
			e.logger.Error("对账移除账本条目失败", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}

		e.append(ctx, runlog.Record{
			When:    e.clock(),
			Symbol:  pos.Symbol,
			Trigger: runlog.TriggerStartup,
			Action:  runlog.ActionReconcileDrop,
			Qty:     pos.Qty,
			Reason:  "broker reports no position",
		})

		e.logger.Info("对账移除未确认持仓",
			zap.String("symbol", pos.Symbol),
			zap.Float64("qty", pos.Qty),
		)
	}

	return nil
}

func (e *Engine) lastPrice(ctx context.Context, symbol string, snapshot market.Snapshot) float64 {
	price, err := e.feed.LastPrice(ctx, symbol)
	if err != nil {
		e.logger.Warn("获取最新价失败，回退到快照收盘价", zap.String("symbol", symbol), zap.Error(err))
	}
	if price <= 0 {
		price = snapshot.LastClose()
	}
	return price
}

func (e *Engine) append(ctx context.Context, record runlog.Record) {
	if err := e.runs.Append(ctx, record); err != nil {
		e.logger.Error("写入运行记录失败",
			zap.String("symbol", record.Symbol),
			zap.String("action", string(record.Action)),
			zap.Error(err),
		)
	}
}
