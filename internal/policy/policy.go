package policy

import (
	"fmt"
	"math"
	"time"

	"horizon-trader/internal/broker"
	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/runlog"
)

// BuyAuthorization 是一次买入申请的裁决结果。
// Blocked 为 true 时 Qty 恒为0，Reason 说明拦截原因。
type BuyAuthorization struct {
	Qty      float64
	Notional float64
	Blocked  bool
	Reason   string
}

// Policy 实现买入侧的全部风控闸门。
// 所有节流状态由近期运行记录推导，Policy 自身无状态。
type Policy struct {
	cfg config.PolicyConfig
}

// New 构造风控策略。
func New(cfg config.PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// AuthorizeBuy 按顺序执行风控闸门：日内限购、再买冷却、资金敞口、股数上限。
// history 要求按时间倒序排列，即运行日志的默认查询顺序。
func (p *Policy) AuthorizeBuy(
	horizon decision.Horizon,
	account broker.AccountState,
	heldQty float64,
	heldMarketValue float64,
	lastPrice float64,
	history []runlog.Record,
	now time.Time,
) BuyAuthorization {
	if lastPrice <= 0 {
		return blocked("blocked: price unavailable")
	}

	if p.HitDailyBuyLimit(history, now) {
		return blocked(fmt.Sprintf("blocked: daily buy limit (%d)", p.cfg.DailyBuyLimit))
	}

	if p.TooSoonSinceLastBuy(history, now) {
		return blocked(fmt.Sprintf("blocked: cooldown %s", p.cfg.RebuyCooldown))
	}

	notional := p.allowedNotional(horizon, account, heldMarketValue)
	if notional <= 0 {
		return blocked("blocked: cash/exposure caps")
	}

	shareRoom := p.cfg.MaxSharesPerSymbol - heldQty
	if shareRoom <= 0 {
		return blocked("blocked: share cap reached")
	}

	qty := math.Min(notional/lastPrice, math.Min(p.cfg.MaxSharesPerBuy, shareRoom))
	if qty <= 0 {
		return blocked("blocked: cash/exposure caps")
	}

	return BuyAuthorization{
		Qty:      qty,
		Notional: qty * lastPrice,
	}
}

// AuthorizeSell 决定卖出数量。账本与券商口径不一致时取较大值，
// 保证乐观记账产生的本地多余数量也能一次清空。
func (p *Policy) AuthorizeSell(ledgerQty, brokerQty float64) float64 {
	qty := math.Max(ledgerQty, brokerQty)
	if qty < 0 {
		return 0
	}
	return qty
}

// HitDailyBuyLimit 统计当日(UTC)已成交买入次数是否达到上限。
func (p *Policy) HitDailyBuyLimit(history []runlog.Record, now time.Time) bool {
	if p.cfg.DailyBuyLimit <= 0 {
		return false
	}

	today := now.UTC().Truncate(24 * time.Hour)
	count := 0
	for _, rec := range history {
		if rec.Action != runlog.ActionBuy {
			continue
		}
		if rec.When.UTC().Truncate(24 * time.Hour).Equal(today) {
			count++
			if count >= p.cfg.DailyBuyLimit {
				return true
			}
		}
	}
	return false
}

// TooSoonSinceLastBuy 判断距最近一次成交买入是否仍在冷却期内。
// 只看最近一笔买入，更早的买入不影响冷却计算。
func (p *Policy) TooSoonSinceLastBuy(history []runlog.Record, now time.Time) bool {
	if p.cfg.RebuyCooldown <= 0 {
		return false
	}

	for _, rec := range history {
		if rec.Action != runlog.ActionBuy {
			continue
		}
		return now.UTC().Sub(rec.When.UTC()) < p.cfg.RebuyCooldown
	}
	return false
}

// allowedNotional 计算本次买入允许动用的名义金额，
// 取现金余量、周期敞口、单标的敞口三者的最小值，各项下限为0。
func (p *Policy) allowedNotional(horizon decision.Horizon, account broker.AccountState, heldMarketValue float64) float64 {
	cashRoom := account.Cash - p.cfg.CashFloorPct*account.Equity

	horizonCap := p.cfg.HorizonCapPct[string(horizon)] * account.Equity

	symbolRoom := p.cfg.PerSymbolCapPct*account.Equity - heldMarketValue

	return math.Min(floorZero(cashRoom), math.Min(floorZero(horizonCap), floorZero(symbolRoom)))
}

func floorZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func blocked(reason string) BuyAuthorization {
	return BuyAuthorization{Blocked: true, Reason: reason}
}
