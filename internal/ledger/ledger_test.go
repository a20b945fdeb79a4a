package ledger

import (
	"context"
	"math"
	"testing"
	"time"

	"horizon-trader/internal/config"
	"horizon-trader/internal/decision"
	"horizon-trader/internal/store"
)

func testTimebox() config.TimeboxConfig {
	return config.TimeboxConfig{
		Short: 24 * time.Hour,
		Mid:   168 * time.Hour,
		Long:  1440 * time.Hour,
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	l, err := New(st, testTimebox(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return l
}

func TestOpen_SetsTimeboxByHorizon(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

	pos, err := l.Open(ctx, "aapl", decision.HorizonMid, 4, 101.25, now)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if pos.Symbol != "AAPL" {
		t.Errorf("expected symbol upper-cased, got %s", pos.Symbol)
	}
	if !pos.TimeboxUntil.Equal(now.Add(168 * time.Hour)) {
		t.Errorf("expected mid timebox at %v, got %v", now.Add(168*time.Hour), pos.TimeboxUntil)
	}
	if pos.Notional != 405 {
		t.Errorf("expected notional 405, got %v", pos.Notional)
	}

	got, err := l.Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got == nil || got.Horizon != decision.HorizonMid || got.Qty != 4 {
		t.Errorf("position not persisted correctly: %+v", got)
	}
}

func TestOpen_RejectsDuplicateSymbol(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := l.Open(ctx, "NVDA", decision.HorizonShort, 1, 100, now); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := l.Open(ctx, "NVDA", decision.HorizonShort, 1, 100, now); err == nil {
		t.Errorf("expected error on duplicate open")
	}
}

func TestMerge_WeightedAverageKeepsTimebox(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	opened, err := l.Open(ctx, "MSFT", decision.HorizonShort, 2, 100, now)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	merged, err := l.Merge(ctx, "MSFT", 3, 110)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}

	// (2*100 + 3*110) / 5 = 106
	if math.Abs(merged.EntryPrice-106) > 1e-9 {
		t.Errorf("expected entry 106, got %v", merged.EntryPrice)
	}
	if merged.Qty != 5 || merged.Notional != 530 {
		t.Errorf("unexpected merged position: %+v", merged)
	}
	if !merged.TimeboxUntil.Equal(opened.TimeboxUntil) {
		t.Errorf("merge must not extend timebox: %v vs %v", merged.TimeboxUntil, opened.TimeboxUntil)
	}
}

func TestMerge_RequiresExistingPosition(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Merge(context.Background(), "TSLA", 1, 200); err == nil {
		t.Errorf("expected error merging into missing position")
	}
}

func TestClose_RemovesPosition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Open(ctx, "AMZN", decision.HorizonLong, 2, 180, time.Now().UTC()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	closed, err := l.Close(ctx, "AMZN")
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if closed == nil || closed.Qty != 2 {
		t.Fatalf("expected closed position, got %+v", closed)
	}

	got, err := l.Get(ctx, "AMZN")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != nil {
		t.Errorf("expected position removed, got %+v", got)
	}

	// 重复平仓不是错误。
	again, err := l.Close(ctx, "AMZN")
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if again != nil {
		t.Errorf("expected nil for missing position, got %+v", again)
	}
}

func TestExpired_BoundaryInclusive(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := l.Open(ctx, "AAPL", decision.HorizonShort, 1, 100, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := l.Open(ctx, "MSFT", decision.HorizonShort, 1, 100, now.Add(-23*time.Hour)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	expired, err := l.Expired(ctx, now)
	if err != nil {
		t.Fatalf("Expired returned error: %v", err)
	}
	if len(expired) != 1 || expired[0].Symbol != "AAPL" {
		t.Errorf("expected exactly AAPL expired at boundary, got %+v", expired)
	}
}
