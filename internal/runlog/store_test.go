package runlog

import (
	"context"
	"testing"
	"time"

	"horizon-trader/internal/decision"
	"horizon-trader/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := NewStore(st, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return s
}

func TestAppendAndRecentBySymbol_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i, action := range []Action{ActionHold, ActionBuy, ActionSuggestBuy} {
		rec := Record{
			When:    base.Add(time.Duration(i) * time.Minute),
			Symbol:  "aapl",
			Trigger: TriggerBarClose,
			Action:  action,
			Decision: decision.Decision{
				Action:        decision.ActionBuy,
				TargetHorizon: decision.HorizonShort,
				Confidence:    0.4,
				Scores:        map[decision.Horizon]float64{decision.HorizonShort: 0.4},
			},
			Qty:           2,
			EntryPrice:    100.5,
			OrderID:       "ord-1",
			Reason:        "test",
			AccountCash:   1000,
			AccountEquity: 10000,
		}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	// 其他标的的记录不应串入查询结果。
	if err := s.Append(ctx, Record{When: base, Symbol: "MSFT", Trigger: TriggerBarClose, Action: ActionHold}); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	records, err := s.RecentBySymbol(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("RecentBySymbol returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Action != ActionSuggestBuy || records[2].Action != ActionHold {
		t.Errorf("expected newest-first ordering, got %s ... %s", records[0].Action, records[2].Action)
	}

	latest := records[0]
	if latest.Symbol != "AAPL" {
		t.Errorf("expected symbol upper-cased, got %s", latest.Symbol)
	}
	if latest.Decision.TargetHorizon != decision.HorizonShort {
		t.Errorf("decision payload lost: %+v", latest.Decision)
	}
	if latest.AccountEquity != 10000 || latest.EntryPrice != 100.5 {
		t.Errorf("numeric fields lost: %+v", latest)
	}
}

func TestAppend_RejectsIncompleteRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, Record{Action: ActionHold}); err == nil {
		t.Errorf("expected error for missing symbol")
	}
	if err := s.Append(ctx, Record{Symbol: "AAPL"}); err == nil {
		t.Errorf("expected error for missing action")
	}
}

func TestRecent_LimitApplies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := Record{
			When:    time.Now().UTC().Add(time.Duration(i) * time.Second),
			Symbol:  "NVDA",
			Trigger: TriggerPriceEvent,
			Action:  ActionHold,
		}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	records, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected limit 3, got %d", len(records))
	}
}
