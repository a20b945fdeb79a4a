package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"horizon-trader/internal/advisor"
	"horizon-trader/internal/broker"
	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/ledger"
	"horizon-trader/internal/market"
	"horizon-trader/internal/policy"
	"horizon-trader/internal/runlog"
	"horizon-trader/internal/store"
)

type mockBroker struct {
	calls []string

	account    broker.AccountState
	accountErr error

	positionQty float64
	positionErr error

	orderID   string
	submitErr error

	fill     broker.Fill
	fillErr  error
	closeErr error
}

func (m *mockBroker) Account(_ context.Context) (broker.AccountState, error) {
	m.calls = append(m.calls, "Account")
	return m.account, m.accountErr
}

func (m *mockBroker) PositionQty(_ context.Context, _ string) (float64, error) {
	m.calls = append(m.calls, "PositionQty")
	return m.positionQty, m.positionErr
}

func (m *mockBroker) SubmitMarketOrder(_ context.Context, _ string, side broker.OrderSide, _ float64) (string, error) {
	m.calls = append(m.calls, "SubmitMarketOrder:"+string(side))
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return m.orderID, nil
}

func (m *mockBroker) AwaitFill(_ context.Context, _ string, orderID string, _ time.Duration) (broker.Fill, error) {
	m.calls = append(m.calls, "AwaitFill")
	fill := m.fill
	if fill.OrderID == "" {
		fill.OrderID = orderID
	}
	return fill, m.fillErr
}

func (m *mockBroker) ClosePosition(_ context.Context, _ string) (string, error) {
	m.calls = append(m.calls, "ClosePosition")
	if m.closeErr != nil {
		return "", m.closeErr
	}
	return m.orderID, nil
}

type mockFeed struct {
	price float64
	err   error
}

func (m *mockFeed) LastPrice(_ context.Context, _ string) (float64, error) {
	return m.price, m.err
}

type mockPanel struct {
	opinions []decision.Opinion
}

func (m *mockPanel) Gather(_ context.Context, _ advisor.Input) []decision.Opinion {
	return m.opinions
}

type mockMarket struct {
	snapshot market.Snapshot
	err      error
}

func (m *mockMarket) Snapshot(_ context.Context, symbol string) (market.Snapshot, error) {
	if m.err != nil {
		return market.Snapshot{}, m.err
	}
	snap := m.snapshot
	snap.Symbol = symbol
	return snap, nil
}

type engineFixture struct {
	engine *Engine
	broker *mockBroker
	ledger *ledger.Ledger
	runs   *runlog.Store
	now    time.Time
}

func unanimous(side decision.Side, conf float64) []decision.Opinion {
	return []decision.Opinion{
		{Horizon: decision.HorizonShort, Side: side, Confidence: conf},
		{Horizon: decision.HorizonMid, Side: side, Confidence: conf},
		{Horizon: decision.HorizonLong, Side: side, Confidence: conf},
	}
}

func newEngineFixture(t *testing.T, mb *mockBroker, opinions []decision.Opinion) *engineFixture {
	t.Helper()

	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	timebox := config.TimeboxConfig{
		Short: 24 * time.Hour,
		Mid:   168 * time.Hour,
		Long:  1440 * time.Hour,
	}
	positions, err := ledger.New(st, timebox, nil)
	if err != nil {
		t.Fatalf("ledger.New returned error: %v", err)
	}

	runs, err := runlog.NewStore(st, nil)
	if err != nil {
		t.Fatalf("runlog.NewStore returned error: %v", err)
	}

	aggregator, err := decision.NewAggregator(map[decision.Horizon]float64{
		decision.HorizonShort: 0.40,
		decision.HorizonMid:   0.35,
		decision.HorizonLong:  0.25,
	}, 0.35, 0.30)
	if err != nil {
		t.Fatalf("NewAggregator returned error: %v", err)
	}

	pol := policy.New(config.PolicyConfig{
		CashFloorPct:    0.10,
		PerSymbolCapPct: 0.20,
		HorizonCapPct: map[string]float64{
			"short": 0.10,
			"mid":   0.10,
			"long":  0.10,
		},
		MaxSharesPerBuy:    10,
		MaxSharesPerSymbol: 50,
		DailyBuyLimit:      5,
		RebuyCooldown:      time.Hour,
	})

	now := time.Date(2026, 8, 28, 16, 0, 0, 0, time.UTC)

	engine := NewEngine(EngineDeps{
		Aggregator:  aggregator,
		Policy:      pol,
		Ledger:      positions,
		Runs:        runs,
		Broker:      mb,
		Feed:        &mockFeed{price: 100},
		Panel:       &mockPanel{opinions: opinions},
		Market:      &mockMarket{},
		FillTimeout: time.Second,
		Clock:       func() time.Time { return now },
	})

	return &engineFixture{
		engine: engine,
		broker: mb,
		ledger: positions,
		runs:   runs,
		now:    now,
	}
}

func TestRunCycle_HoldOnNoConsensus(t *testing.T) {
	mb := &mockBroker{account: broker.AccountState{Cash: 10000, Equity: 10000}}
	f := newEngineFixture(t, mb, unanimous(decision.SideHold, 0.8))

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionHold {
		t.Fatalf("expected HOLD, got %s", record.Action)
	}
	if record.AccountEquity != 10000 {
		t.Errorf("expected account snapshot in record, got %+v", record)
	}

	records, err := f.runs.RecentBySymbol(context.Background(), "AAPL", 10)
	if err != nil {
		t.Fatalf("RecentBySymbol returned error: %v", err)
	}
	if len(records) != 1 || records[0].Action != runlog.ActionHold {
		t.Errorf("expected persisted HOLD record, got %+v", records)
	}
}

func TestRunCycle_BuyOpensLedgerWithTimebox(t *testing.T) {
	mb := &mockBroker{
		account: broker.AccountState{Cash: 10000, Equity: 10000},
		orderID: "ord-buy-1",
		fill:    broker.Fill{OrderID: "ord-buy-1", Qty: 5, AvgPrice: 99.5, Confirmed: true},
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideBuy, 0.95))

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionBuy {
		t.Fatalf("expected BUY, got %s (%s)", record.Action, record.Reason)
	}
	if record.Qty != 5 || record.EntryPrice != 99.5 || record.OrderID != "ord-buy-1" {
		t.Errorf("unexpected fill fields: %+v", record)
	}

	pos, err := f.ledger.Get(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos == nil {
		t.Fatal("expected ledger position after buy")
	}
	if pos.Horizon != decision.HorizonShort {
		t.Errorf("expected short horizon (priority tie-break), got %s", pos.Horizon)
	}
	if !pos.TimeboxUntil.Equal(f.now.Add(24 * time.Hour)) {
		t.Errorf("expected 24h timebox, got %v", pos.TimeboxUntil)
	}
}

func TestRunCycle_UnconfirmedFillUsesRequestedQtyAndLastPrice(t *testing.T) {
	mb := &mockBroker{
		account: broker.AccountState{Cash: 10000, Equity: 10000},
		orderID: "ord-buy-2",
		fill:    broker.Fill{OrderID: "ord-buy-2", Confirmed: false},
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideBuy, 0.95))

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionBuy {
		t.Fatalf("expected BUY, got %s", record.Action)
	}
	// horizon cap 10% of 10000 = 1000 -> 10股@100。
	if record.Qty != 10 || record.EntryPrice != 100 {
		t.Errorf("expected optimistic fallback qty=10 price=100, got %+v", record)
	}
}

func TestRunCycle_BuyBlockedByCooldownYieldsSuggestBuy(t *testing.T) {
	mb := &mockBroker{
		account: broker.AccountState{Cash: 10000, Equity: 10000},
		orderID: "ord-x",
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideBuy, 0.95))

	prior := runlog.Record{
		When:   f.now.Add(-10 * time.Minute),
		Symbol: "AAPL",
		Action: runlog.ActionBuy,
	}
	if err := f.runs.Append(context.Background(), prior); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionSuggestBuy {
		t.Fatalf("expected SUGGEST_BUY, got %s", record.Action)
	}
	if record.Reason == "" {
		t.Errorf("expected block reason in record")
	}
	for _, call := range mb.calls {
		if call == "SubmitMarketOrder:buy" {
			t.Errorf("blocked buy must not reach the broker: %v", mb.calls)
		}
	}
}

func TestRunCycle_SellNoPosition(t *testing.T) {
	mb := &mockBroker{account: broker.AccountState{Cash: 10000, Equity: 10000}}
	f := newEngineFixture(t, mb, unanimous(decision.SideSell, 0.95))

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionSellNoPosition {
		t.Fatalf("expected SELL_NO_POSITION, got %s", record.Action)
	}
}

func TestRunCycle_SellUsesLargerOfLedgerAndBrokerQty(t *testing.T) {
	mb := &mockBroker{
		account:     broker.AccountState{Cash: 10000, Equity: 10000},
		positionQty: 7,
		orderID:     "ord-sell-1",
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideSell, 0.95))

	if _, err := f.ledger.Open(context.Background(), "AAPL", decision.HorizonShort, 3, 100, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionSell {
		t.Fatalf("expected SELL, got %s", record.Action)
	}
	if record.Qty != 7 {
		t.Errorf("expected broker-side qty 7, got %v", record.Qty)
	}

	pos, err := f.ledger.Get(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos != nil {
		t.Errorf("expected ledger cleared after sell, got %+v", pos)
	}
}

func TestRunCycle_SellRecordsConfirmedFillPrice(t *testing.T) {
	mb := &mockBroker{
		account:     broker.AccountState{Cash: 10000, Equity: 10000},
		positionQty: 5,
		orderID:     "ord-sell-2",
		fill:        broker.Fill{OrderID: "ord-sell-2", Qty: 5, AvgPrice: 101.25, Confirmed: true},
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideSell, 0.95))

	if _, err := f.ledger.Open(context.Background(), "AAPL", decision.HorizonShort, 5, 100, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionSell {
		t.Fatalf("expected SELL, got %s", record.Action)
	}
	if record.Qty != 5 || record.EntryPrice != 101.25 {
		t.Errorf("expected confirmed fill qty=5 price=101.25, got %+v", record)
	}
}

func TestRunCycle_SellFailureLeavesLedgerIntact(t *testing.T) {
	mb := &mockBroker{
		account:   broker.AccountState{Cash: 10000, Equity: 10000},
		submitErr: errors.New("exchange rejected"),
	}
	f := newEngineFixture(t, mb, unanimous(decision.SideSell, 0.95))

	if _, err := f.ledger.Open(context.Background(), "AAPL", decision.HorizonShort, 3, 100, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerBarClose)
	if record.Action != runlog.ActionSellFailed {
		t.Fatalf("expected SELL_FAILED, got %s", record.Action)
	}

	pos, err := f.ledger.Get(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos == nil || pos.Qty != 3 {
		t.Errorf("ledger must stay unchanged after failed sell, got %+v", pos)
	}
}

func TestSweepExpired_PopsLedgerEvenOnCloseFailure(t *testing.T) {
	mb := &mockBroker{
		account:  broker.AccountState{Cash: 10000, Equity: 10000},
		closeErr: errors.New("market closed"),
	}
	f := newEngineFixture(t, mb, nil)
	ctx := context.Background()

	if _, err := f.ledger.Open(ctx, "AAPL", decision.HorizonShort, 2, 100, f.now.Add(-25*time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := f.ledger.Open(ctx, "MSFT", decision.HorizonLong, 1, 300, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	records := f.engine.SweepExpired(ctx)
	if len(records) != 1 {
		t.Fatalf("expected 1 forced exit, got %d", len(records))
	}
	if records[0].Action != runlog.ActionForcedExitFailed {
		t.Errorf("expected FORCED_EXIT_FAILED, got %s", records[0].Action)
	}
	if records[0].Trigger != runlog.TriggerTimeboxExpired {
		t.Errorf("unexpected trigger: %s", records[0].Trigger)
	}

	// 平仓失败也要弹出账本条目。
	pos, err := f.ledger.Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos != nil {
		t.Errorf("expired position must be removed, got %+v", pos)
	}

	kept, err := f.ledger.Get(ctx, "MSFT")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if kept == nil {
		t.Errorf("unexpired position must stay")
	}
}

func TestReconcile_DropsUnconfirmedPositions(t *testing.T) {
	mb := &mockBroker{positionQty: 0}
	f := newEngineFixture(t, mb, nil)
	ctx := context.Background()

	if _, err := f.ledger.Open(ctx, "AAPL", decision.HorizonMid, 4, 100, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := f.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	pos, err := f.ledger.Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos != nil {
		t.Errorf("expected position dropped, got %+v", pos)
	}

	records, err := f.runs.RecentBySymbol(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("RecentBySymbol returned error: %v", err)
	}
	if len(records) != 1 || records[0].Action != runlog.ActionReconcileDrop {
		t.Errorf("expected RECONCILE_DROP record, got %+v", records)
	}
}

func TestReconcile_KeepsPositionOnBrokerError(t *testing.T) {
	mb := &mockBroker{positionErr: errors.New("timeout")}
	f := newEngineFixture(t, mb, nil)
	ctx := context.Background()

	if _, err := f.ledger.Open(ctx, "AAPL", decision.HorizonMid, 4, 100, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := f.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	pos, err := f.ledger.Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if pos == nil {
		t.Errorf("query failure must not drop the position")
	}
}

func TestRunCycle_AccountFailureStillProducesRecord(t *testing.T) {
	mb := &mockBroker{accountErr: errors.New("unavailable")}
	f := newEngineFixture(t, mb, unanimous(decision.SideHold, 0.5))

	record := f.engine.RunCycle(context.Background(), "AAPL", runlog.TriggerPriceEvent)
	if record.Action != runlog.ActionHold {
		t.Fatalf("expected HOLD despite account failure, got %s", record.Action)
	}
	if record.AccountCash != 0 || record.AccountEquity != 0 {
		t.Errorf("expected degraded zero account, got %+v", record)
	}
}
