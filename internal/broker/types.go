package broker

import (
	"context"
	"time"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// AccountState 表示账户资金状况，每个周期重新拉取，绝不跨周期缓存。
type AccountState struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
	Timestamp   time.Time
}

// Fill 表示订单成交结果。Confirmed 为 false 时表示在限定时间内
// 未能确认成交状态，调用方需按请求数量做乐观记账。
type Fill struct {
	OrderID   string
	Qty       float64
	AvgPrice  float64
	Confirmed bool
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PriceFeed 提供标的最新成交价，价格不可用时返回0。
type PriceFeed interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Broker 抽象券商能力，便于在测试中替换真实实现。
type Broker interface {
	// Account 返回当前账户资金快照。
	Account(ctx context.Context) (AccountState, error)
	// PositionQty 返回券商侧确认的持仓数量，无持仓时为0。
	PositionQty(ctx context.Context, symbol string) (float64, error)
	// SubmitMarketOrder 提交市价单并返回订单ID。
	SubmitMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64) (string, error)
	// AwaitFill 在限定时间内轮询订单成交状态。
	AwaitFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (Fill, error)
	// ClosePosition 以市价全部平掉券商侧持仓，无持仓时返回空订单ID。
	ClosePosition(ctx context.Context, symbol string) (string, error)
}
