package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"trend_trading/internal/models"
	"trend_trading/internal/portfolio"
	"trend_trading/internal/storage"
)

// MockQuotes implements market.QuoteSource for testing
type MockQuotes struct {
	prices map[string]float64
	err    error
	calls  int
}

func (m *MockQuotes) GetQuotes(symbols []string) (map[string]models.Quote, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]models.Quote)
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = models.Quote{LastPrice: p}
		}
	}
	return out, nil
}

func (m *MockQuotes) GetLTP(symbol string) (float64, error) {
	return m.prices[symbol], nil
}

func setup(t *testing.T, trailing float64) (*Monitor, *portfolio.Book, *MockQuotes) {
	t.Helper()
	book := portfolio.NewBook(storage.Noop{}, 100000, nil)
	quotes := &MockQuotes{prices: map[string]float64{}}
	return New(book, storage.Noop{}, quotes, trailing, nil), book, quotes
}

func enter(t *testing.T, m *Monitor, book *portfolio.Book, sym string, qty int, price, stop, atr float64) {
	t.Helper()
	ctx := context.Background()
	f := models.Fill{OrderID: "PAPER-" + sym, Symbol: sym, Side: models.SideBuy, Qty: qty, Price: price}
	if _, err := book.ApplyFill(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackEntry(ctx, f, models.Signal{Symbol: sym, StopPrice: stop, ATR14: atr}); err != nil {
		t.Fatal(err)
	}
}

func TestTrackEntry_IgnoresSell(t *testing.T) {
	m, _, _ := setup(t, 2)
	m.TrackEntry(context.Background(), models.Fill{Symbol: "X", Side: models.SideSell, Qty: 1, Price: 10}, models.Signal{})
	if len(m.Managed()) != 0 {
		t.Error("SELL fills must not create managed records")
	}
}

func TestEvaluate_RatchetsStop(t *testing.T) {
	ctx := context.Background()
	m, book, quotes := setup(t, 2)
	enter(t, m, book, "AAPL", 10, 100, 104, 2)
	m.managed["AAPL"].HighestPrice = 110

	quotes.prices["AAPL"] = 108
	actions, err := m.EvaluateAndAct(ctx)
	if err != nil {
		t.Fatalf("EvaluateAndAct failed: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("Expected no exit, got %+v", actions)
	}
	rec := m.Managed()[0]
	if rec.HighestPrice != 110 {
		t.Errorf("HWM should stay 110, got %f", rec.HighestPrice)
	}
	if rec.StopPrice != 106 {
		t.Errorf("Expected stop ratcheted to 106, got %f", rec.StopPrice)
	}
}

func TestEvaluate_StopNeverLowers(t *testing.T) {
	ctx := context.Background()
	m, book, quotes := setup(t, 2)
	enter(t, m, book, "MSFT", 5, 100, 90, 3)

	prev := 90.0
	for _, px := range []float64{101, 110, 105, 120, 115, 114.5} {
		quotes.prices["MSFT"] = px
		if _, err := m.EvaluateAndAct(ctx); err != nil {
			t.Fatal(err)
		}
		recs := m.Managed()
		if len(recs) == 0 {
			break
		}
		if recs[0].StopPrice < prev {
			t.Fatalf("Stop lowered from %f to %f at price %f", prev, recs[0].StopPrice, px)
		}
		prev = recs[0].StopPrice
	}
	if prev != 114 {
		t.Errorf("Expected final stop 114 (120 - 3*2), got %f", prev)
	}
}

func TestEvaluate_TriggersExit(t *testing.T) {
	ctx := context.Background()
	m, book, quotes := setup(t, 2)
	enter(t, m, book, "NVDA", 4, 100, 96, 2)

	quotes.prices["NVDA"] = 95
	actions, err := m.EvaluateAndAct(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("Expected one stop-out, got %+v", actions)
	}
	a := actions[0]
	if a.Symbol != "NVDA" || a.Qty != 4 || a.Price != 95 || a.Stop != 96 || a.PnL != -20 {
		t.Errorf("Unexpected stop-out: %+v", a)
	}
	if _, ok := book.Get("NVDA"); ok {
		t.Error("Position should be closed")
	}
	if len(m.Managed()) != 0 {
		t.Error("Managed record should be dropped")
	}
}

func TestEvaluate_MissingQuoteUsesAvgPrice(t *testing.T) {
	ctx := context.Background()
	m, book, _ := setup(t, 2)
	// Stop above the entry: with no quote the average price triggers it.
	enter(t, m, book, "AMD", 2, 50, 51, 1)

	actions, err := m.EvaluateAndAct(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Price != 50 {
		t.Errorf("Expected exit at avg price 50, got %+v", actions)
	}
}

func TestEvaluate_QuoteFailureAborts(t *testing.T) {
	m, book, quotes := setup(t, 2)
	enter(t, m, book, "AAPL", 1, 10, 9, 1)
	quotes.err = errors.New("boom")

	if _, err := m.EvaluateAndAct(context.Background()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected quote error, got %v", err)
	}
	if len(m.Managed()) != 1 {
		t.Error("Managed record must survive a failed cycle")
	}
}

func TestReconcile_DropsOrphans(t *testing.T) {
	ctx := context.Background()
	m, book, _ := setup(t, 2)
	enter(t, m, book, "KEEP", 1, 10, 9, 1)
	m.TrackEntry(ctx, models.Fill{Symbol: "GONE", Side: models.SideBuy, Qty: 1, Price: 10}, models.Signal{StopPrice: 9})

	if err := m.ReconcileWithPositions(ctx); err != nil {
		t.Fatal(err)
	}
	recs := m.Managed()
	if len(recs) != 1 || recs[0].Symbol != "KEEP" {
		t.Errorf("Expected only KEEP, got %+v", recs)
	}
}

func TestEvaluate_NoManagedSkipsQuotes(t *testing.T) {
	m, _, quotes := setup(t, 2)
	if _, err := m.EvaluateAndAct(context.Background()); err != nil {
		t.Fatal(err)
	}
	if quotes.calls != 0 {
		t.Errorf("Expected no quote calls, got %d", quotes.calls)
	}
}
