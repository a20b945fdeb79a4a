package policy

import (
	"testing"
	"time"

	"horizon-trader/internal/broker"
	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/runlog"
)

func testConfig() config.PolicyConfig {
	return config.PolicyConfig{
		CashFloorPct:    0.40,
		PerSymbolCapPct: 0.05,
		HorizonCapPct: map[string]float64{
			"short": 0.02,
			"mid":   0.03,
			"long":  0.05,
		},
		MaxSharesPerBuy:    5,
		MaxSharesPerSymbol: 20,
		DailyBuyLimit:      2,
		RebuyCooldown:      time.Hour,
	}
}

func buyAt(when time.Time) runlog.Record {
	return runlog.Record{When: when, Symbol: "AAPL", Action: runlog.ActionBuy}
}

func TestAuthorizeBuy_HappyPath(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 10000, Equity: 20000}
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)

	auth := p.AuthorizeBuy(decision.HorizonShort, account, 0, 0, 100, nil, now)
	if auth.Blocked {
		t.Fatalf("unexpected block: %s", auth.Reason)
	}
	// 现金余量 2000, short 敞口 400, 单标的敞口 1000, 取最小 400 -> 4股。
	if auth.Qty != 4 {
		t.Errorf("expected qty 4, got %v", auth.Qty)
	}
	if auth.Notional != 400 {
		t.Errorf("expected notional 400, got %v", auth.Notional)
	}
}

func TestAuthorizeBuy_CashFloorLeavesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.HorizonCapPct["short"] = 0.03
	cfg.PerSymbolCapPct = 0.07
	p := New(cfg)

	// 现金1000低于权益的40%底线，现金项为负并被钳到0。
	account := broker.AccountState{Cash: 1000, Equity: 10000}
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)

	auth := p.AuthorizeBuy(decision.HorizonShort, account, 0, 0, 50, nil, now)
	if !auth.Blocked {
		t.Fatalf("expected block, got qty %v", auth.Qty)
	}
	if auth.Reason != "blocked: cash/exposure caps" {
		t.Errorf("unexpected reason: %s", auth.Reason)
	}
}

func TestAuthorizeBuy_PerSymbolCapSubtractsHeldValue(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 50000, Equity: 100000}
	now := time.Now().UTC()

	// 单标的上限 5000, 已持有市值 4800, 剩余敞口 200 -> 2股@100。
	auth := p.AuthorizeBuy(decision.HorizonLong, account, 3, 4800, 100, nil, now)
	if auth.Blocked {
		t.Fatalf("unexpected block: %s", auth.Reason)
	}
	if auth.Qty != 2 {
		t.Errorf("expected qty 2, got %v", auth.Qty)
	}
}

func TestAuthorizeBuy_ShareCapReached(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 50000, Equity: 100000}

	auth := p.AuthorizeBuy(decision.HorizonLong, account, 20, 100, 10, nil, time.Now().UTC())
	if !auth.Blocked {
		t.Fatalf("expected block, got qty %v", auth.Qty)
	}
	if auth.Reason != "blocked: share cap reached" {
		t.Errorf("unexpected reason: %s", auth.Reason)
	}
}

func TestAuthorizeBuy_MaxSharesPerBuyClamps(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 100000, Equity: 100000}

	// 资金充裕时仍受单次5股限制。
	auth := p.AuthorizeBuy(decision.HorizonLong, account, 0, 0, 10, nil, time.Now().UTC())
	if auth.Blocked {
		t.Fatalf("unexpected block: %s", auth.Reason)
	}
	if auth.Qty != 5 {
		t.Errorf("expected qty 5, got %v", auth.Qty)
	}
}

func TestAuthorizeBuy_DailyLimit(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 100000, Equity: 100000}
	now := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)

	history := []runlog.Record{
		buyAt(now.Add(-2 * time.Hour)),
		buyAt(now.Add(-5 * time.Hour)),
		buyAt(now.Add(-30 * time.Hour)), // 前一天，不计入
	}

	auth := p.AuthorizeBuy(decision.HorizonShort, account, 0, 0, 10, history, now)
	if !auth.Blocked {
		t.Fatalf("expected daily limit block, got qty %v", auth.Qty)
	}
	if auth.Reason != "blocked: daily buy limit (2)" {
		t.Errorf("unexpected reason: %s", auth.Reason)
	}
}

func TestAuthorizeBuy_Cooldown(t *testing.T) {
	p := New(testConfig())
	account := broker.AccountState{Cash: 100000, Equity: 100000}
	now := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)

	history := []runlog.Record{
		{When: now.Add(-10 * time.Minute), Symbol: "AAPL", Action: runlog.ActionHold},
		buyAt(now.Add(-30 * time.Minute)),
	}

	auth := p.AuthorizeBuy(decision.HorizonShort, account, 0, 0, 10, history, now)
	if !auth.Blocked {
		t.Fatalf("expected cooldown block, got qty %v", auth.Qty)
	}
	if auth.Reason != "blocked: cooldown 1h0m0s" {
		t.Errorf("unexpected reason: %s", auth.Reason)
	}
}

func TestTooSoonSinceLastBuy_OnlyLatestBuyCounts(t *testing.T) {
	p := New(testConfig())
	now := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)

	// 最近一笔买入已过冷却期，更早的密集买入不应触发冷却。
	history := []runlog.Record{
		buyAt(now.Add(-90 * time.Minute)),
		buyAt(now.Add(-95 * time.Minute)),
		buyAt(now.Add(-100 * time.Minute)),
	}

	if p.TooSoonSinceLastBuy(history, now) {
		t.Errorf("expected cooldown to be satisfied by latest buy only")
	}
}

func TestAuthorizeBuy_PriceUnavailable(t *testing.T) {
	p := New(testConfig())
	auth := p.AuthorizeBuy(decision.HorizonShort, broker.AccountState{Cash: 1000, Equity: 1000}, 0, 0, 0, nil, time.Now().UTC())
	if !auth.Blocked || auth.Reason != "blocked: price unavailable" {
		t.Errorf("expected price block, got %+v", auth)
	}
}

func TestAuthorizeSell_TakesLargerQty(t *testing.T) {
	p := New(testConfig())

	if got := p.AuthorizeSell(3, 5); got != 5 {
		t.Errorf("expected broker qty 5, got %v", got)
	}
	if got := p.AuthorizeSell(7, 2); got != 7 {
		t.Errorf("expected ledger qty 7, got %v", got)
	}
	if got := p.AuthorizeSell(-1, -2); got != 0 {
		t.Errorf("expected 0 for negative inputs, got %v", got)
	}
}
