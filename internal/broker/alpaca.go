package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"horizon-trader/internal/config"
)

const fillPollInterval = time.Second

// AlpacaClient 基于 ccxt 封装 Alpaca 券商接口，带统一重试。
// 同时实现 Broker 与 PriceFeed。
type AlpacaClient struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Alpaca

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var (
	_ Broker    = (*AlpacaClient)(nil)
	_ PriceFeed = (*AlpacaClient)(nil)
)

// NewAlpacaClient 构造 Alpaca 客户端。
func NewAlpacaClient(cfg config.BrokerConfig, logger *zap.Logger) (*AlpacaClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewAlpaca(userConfig)
	if cfg.UsePaper {
		ex.SetSandboxMode(true)
	}

	return &AlpacaClient{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// LastPrice 返回最新成交价，行情不可用时返回0。
func (c *AlpacaClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("broker: 获取 %s 最新价失败: %w", symbol, err)
	}

	price := derefFloat(ticker.Last)
	if price <= 0 {
		price = derefFloat(ticker.Close)
	}
	return price, nil
}

// Account 拉取账户资金快照。
func (c *AlpacaClient) Account(ctx context.Context) (AccountState, error) {
	var balances ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return AccountState{}, fmt.Errorf("broker: 获取账户余额失败: %w", err)
	}

	state := AccountState{Timestamp: time.Now().UTC()}

	if balances.Info != nil {
		state.Cash = parseNumeric(balances.Info["cash"])
		state.Equity = parseNumeric(balances.Info["equity"])
		state.BuyingPower = parseNumeric(balances.Info["buying_power"])
	}
	if state.Cash == 0 && balances.Free != nil {
		if free, ok := balances.Free["USD"]; ok && free != nil {
			state.Cash = *free
		}
	}
	if state.Equity == 0 && balances.Total != nil {
		if total, ok := balances.Total["USD"]; ok && total != nil {
			state.Equity = *total
		}
	}
	if state.BuyingPower == 0 {
		state.BuyingPower = state.Cash
	}

	return state, nil
}

// PositionQty 返回券商确认的持仓数量。
func (c *AlpacaClient) PositionQty(ctx context.Context, symbol string) (float64, error) {
	var positions []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		positions = result
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("broker: 获取持仓失败: %w", err)
	}

	qty := 0.0
	for _, pos := range positions {
		if !strings.EqualFold(derefString(pos.Symbol), symbol) {
			continue
		}
		qty += derefFloat(pos.Contracts)
	}
	return qty, nil
}

// SubmitMarketOrder 提交市价单。
func (c *AlpacaClient) SubmitMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("broker: 下单数量无效 qty=%.6f", qty)
	}

	var order ccxt.Order
	err := c.callWithRetry(ctx, "create_market_order", func() error {
		result, err := c.exchange.CreateMarketOrder(symbol, string(side), qty)
		if err != nil {
			return err
		}
		order = result
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("broker: 提交市价单失败: %w", err)
	}

	orderID := derefString(order.Id)
	if orderID == "" {
		return "", errors.New("broker: 券商未返回订单ID")
	}

	c.logger.Info("市价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.String("order_id", orderID),
	)

	return orderID, nil
}

// AwaitFill 在限定时间内轮询订单成交状态，超时返回未确认的 Fill。
// 不确认不视为错误：调用方以请求数量与最近价格做乐观记账，保证周期不被阻塞。
func (c *AlpacaClient) AwaitFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (Fill, error) {
	if timeout <= 0 {
		timeout = c.cfg.FillTimeout
	}

	deadline := time.Now().Add(timeout)
	fill := Fill{OrderID: orderID}

	for {
		order, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err == nil {
			status := strings.ToLower(derefString(order.Status))
			filled := derefFloat(order.Filled)
			if (status == "closed" || status == "filled") && filled > 0 {
				fill.Qty = filled
				fill.AvgPrice = derefFloat(order.Average)
				fill.Confirmed = true
				return fill, nil
			}
		} else if !IsRetryable(err) {
			c.logger.Warn("查询订单状态失败", zap.String("order_id", orderID), zap.Error(err))
		}

		if time.Now().After(deadline) {
			c.logger.Warn("等待成交确认超时，转为乐观记账",
				zap.String("symbol", symbol),
				zap.String("order_id", orderID),
				zap.Duration("timeout", timeout),
			)
			return fill, nil
		}

		select {
		case <-ctx.Done():
			return fill, ctx.Err()
		case <-time.After(fillPollInterval):
		}
	}
}

// ClosePosition 以市价卖出全部持仓，无持仓时返回空订单ID。
func (c *AlpacaClient) ClosePosition(ctx context.Context, symbol string) (string, error) {
	qty, err := c.PositionQty(ctx, symbol)
	if err != nil {
		return "", err
	}
	if qty <= 0 {
		return "", nil
	}
	return c.SubmitMarketOrder(ctx, symbol, OrderSideSell, qty)
}

// FetchCandles 获取指定周期的K线数据，供顾问面板的数据快照使用。
func (c *AlpacaClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: 获取 %s %s K线失败: %w", symbol, timeframe, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

func (c *AlpacaClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *AlpacaClient) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr := classifyMaintenance(err)
		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("券商维护中", zap.String("operation", operation), zap.Error(normalizedErr))
			return normalizedErr
		}

		if !IsRetryable(normalizedErr) || attempt >= maxAttempts {
			c.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyMaintenance(err error) error {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "broker under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message)
	}
	return err
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
