package runlog

import (
	"time"

	"horizon-trader/internal/decision"
)

// Action 表示一次周期最终落账的动作。
type Action string

const (
	ActionBuy              Action = "BUY"
	ActionSell             Action = "SELL"
	ActionHold             Action = "HOLD"
	ActionSuggestBuy       Action = "SUGGEST_BUY"
	ActionSellNoPosition   Action = "SELL_NO_POSITION"
	ActionSellFailed       Action = "SELL_FAILED"
	ActionBuyFailed        Action = "BUY_FAILED"
	ActionForcedExit       Action = "FORCED_EXIT"
	ActionForcedExitFailed Action = "FORCED_EXIT_FAILED"
	ActionReconcileDrop    Action = "RECONCILE_DROP"
)

// Trigger 常用触发源名称。
const (
	TriggerBarClose       = "bar_close"
	TriggerPriceEvent     = "price_event"
	TriggerNewsEvent      = "news_event"
	TriggerTimeboxExpired = "timebox_expired"
	TriggerStartup        = "startup"
)

// Record 为单次决策周期的审计记录，写入后不可变更。
// 冷却与日内限购等节流状态均由扫描近期记录推导，不另行存储。
type Record struct {
	When          time.Time         `json:"when"`
	Symbol        string            `json:"symbol"`
	Trigger       string            `json:"trigger"`
	Decision      decision.Decision `json:"decision"`
	Action        Action            `json:"action"`
	Qty           float64           `json:"qty,omitempty"`
	EntryPrice    float64           `json:"entry_price,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	AccountCash   float64           `json:"account_cash,omitempty"`
	AccountEquity float64           `json:"account_equity,omitempty"`
}
