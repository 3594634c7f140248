package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trend_trading/internal/config"
	"trend_trading/internal/jobs"
	"trend_trading/internal/models"
	"trend_trading/internal/risk"
	"trend_trading/internal/storage"
)

var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

// MockMarket implements BarSource and QuoteSource for testing
type MockMarket struct {
	bars     map[string][]models.MarketBar
	quotes   map[string]models.Quote
	quoteErr error
}

func (m *MockMarket) ListInstruments(exchange string) (map[string]models.Instrument, error) {
	out := make(map[string]models.Instrument)
	for sym := range m.bars {
		out[sym] = models.Instrument{Symbol: sym, Token: sym, Exchange: "US", Type: models.InstrumentEquity}
	}
	return out, nil
}

func (m *MockMarket) GetDayBars(token, from, to string) ([]models.MarketBar, error) {
	var out []models.MarketBar
	for _, b := range m.bars[token] {
		if d := b.Date(); d >= from && d <= to {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MockMarket) GetQuotes(symbols []string) (map[string]models.Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	out := make(map[string]models.Quote)
	for _, s := range symbols {
		if q, ok := m.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *MockMarket) GetLTP(symbol string) (float64, error) {
	return m.quotes[symbol].LastPrice, nil
}

// SpyNotifier records every message.
type SpyNotifier struct {
	messages []string
}

func (s *SpyNotifier) Notify(text string) error {
	s.messages = append(s.messages, text)
	return nil
}

// breakout ends on testNow with an uptrend and rising volume over the
// last 20 sessions.
func breakout(n int) []models.MarketBar {
	bars := make([]models.MarketBar, n)
	px := 100.0
	for i := 0; i < n; i++ {
		prev := px
		if i > 0 {
			if i%2 == 1 {
				px += 1.6
			} else {
				px -= 0.6
			}
		}
		vol := 1_000_000.0
		if i >= n-20 {
			vol = 2_000_000
		}
		bars[i] = models.MarketBar{
			Time:   testNow.AddDate(0, 0, i-(n-1)).Format(time.DateOnly),
			Open:   prev,
			High:   px + 0.5,
			Low:    px - 0.5,
			Close:  px,
			Volume: vol,
		}
	}
	return bars
}

type fixture struct {
	rt       *Runtime
	market   *MockMarket
	store    *storage.FileStore
	notifier *SpyNotifier
}

func newFixture(t *testing.T, mutate func(c *config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		TradingMode:  config.ModePaper,
		DataSource:   config.SourceCSV,
		CSVDataDir:   "data",
		StoreBackend: config.BackendFile,
		PaperEquity:  1_000_000,
		Strategy:     config.DefaultStrategy(),
	}
	cfg.Strategy.Universe = []string{"UP"}
	cfg.Strategy.Risk.MaxExposurePerSymbol = 10_000_000
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "state.json"), nil)
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	market := &MockMarket{bars: map[string][]models.MarketBar{"UP": breakout(120)}}
	notifier := &SpyNotifier{}
	rt, err := New(ctx, Options{
		Config:   cfg,
		Bars:     market,
		Quotes:   market,
		Store:    store,
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rt.now = func() time.Time { return testNow }
	return &fixture{rt: rt, market: market, store: store, notifier: notifier}
}

func TestPreviewMorning_AnnotatesRiskWithoutPlacing(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Strategy.Risk.MaxExposurePerSymbol = 250_000 })

	pv, err := f.rt.PreviewMorning(context.Background(), nil)
	if err != nil {
		t.Fatalf("PreviewMorning failed: %v", err)
	}
	if pv.Summary.TotalSignals != 1 || pv.Summary.Skipped != 1 {
		t.Fatalf("Expected one skipped signal, got %+v", pv.Summary)
	}
	row := pv.Rows[0]
	if row.Symbol != "UP" || row.Status != StatusSkip || row.Reason != risk.ReasonExposure {
		t.Errorf("Unexpected row: %+v", row)
	}
	if row.Notional != float64(row.Qty)*row.EntryPrice {
		t.Errorf("Notional mismatch: %+v", row)
	}
	if pv.Funds.UsableEquity != 1_000_000 {
		t.Errorf("Expected paper equity, got %f", pv.Funds.UsableEquity)
	}
	if f.rt.book.Count() != 0 {
		t.Error("Preview must not place orders")
	}
}

func TestRunMorning_PlacesAndTracks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.rt.RunMorning(ctx)
	if err != nil {
		t.Fatalf("RunMorning failed: %v", err)
	}
	if res.Placed != 1 || len(res.Skipped) != 0 || res.Positions != 1 {
		t.Fatalf("Unexpected result: %+v", res)
	}

	pos, ok := f.rt.book.Get("UP")
	if !ok || pos.Qty <= 0 {
		t.Fatalf("Expected long UP position, got %+v", pos)
	}
	managed := f.rt.monitor.Managed()
	if len(managed) != 1 || managed[0].StopPrice >= pos.AvgPrice || managed[0].HighestPrice != pos.AvgPrice {
		t.Errorf("Unexpected managed record: %+v", managed)
	}
	if c := f.rt.risk.Counters(); c.OrdersToday != 1 {
		t.Errorf("Expected 1 order counted, got %d", c.OrdersToday)
	}

	raw, ok, _ := f.store.LoadSystemState(ctx, KeyLastMorning)
	if !ok {
		t.Fatal("Expected last_morning_run state")
	}
	var st struct {
		Placed int `json:"placed"`
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Placed != 1 {
		t.Errorf("Unexpected state %s: %v", raw, err)
	}
	snap, ok := f.store.Snapshot("2024-06-03")
	if !ok || snap.Note != "morning" || snap.OpenPositions != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	if len(f.notifier.messages) != 1 || !strings.Contains(f.notifier.messages[0], "BUY UP") {
		t.Errorf("Unexpected notifications: %v", f.notifier.messages)
	}
}

func TestRunMorning_SkipsHeldSymbol(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := f.rt.RunMorning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 0 || len(res.Skipped) != 1 || res.Skipped[0].Reason != risk.ReasonHolding {
		t.Errorf("Expected holding skip, got %+v", res)
	}
}

func TestRunMonitor_StopOutRegistersLoss(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}
	f.market.quotes = map[string]models.Quote{"UP": {LastPrice: 150}}

	res, err := f.rt.RunMonitor(ctx)
	if err != nil {
		t.Fatalf("RunMonitor failed: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Symbol != "UP" || res.Actions[0].PnL >= 0 {
		t.Fatalf("Expected losing stop-out, got %+v", res.Actions)
	}
	if res.Positions != 0 || f.rt.book.Count() != 0 {
		t.Error("Expected position closed")
	}
	if len(f.rt.monitor.Managed()) != 0 {
		t.Error("Expected managed record dropped")
	}
	if c := f.rt.risk.Counters(); c.DailyLoss >= 0 {
		t.Errorf("Expected daily loss registered, got %f", c.DailyLoss)
	}
	if f.rt.book.RealizedPnL() != res.Actions[0].PnL {
		t.Errorf("Realized PnL mismatch: %f vs %f", f.rt.book.RealizedPnL(), res.Actions[0].PnL)
	}
	if _, ok, _ := f.store.LoadSystemState(ctx, KeyLastMonitor); !ok {
		t.Error("Expected last_monitor_run state")
	}
	last := f.notifier.messages[len(f.notifier.messages)-1]
	if !strings.Contains(last, "SELL UP") {
		t.Errorf("Expected stop-out notification, got %q", last)
	}
}

func TestRunMonitor_RatchetsWithoutExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.rt.monitor.Managed()[0]
	f.market.quotes = map[string]models.Quote{"UP": {LastPrice: before.HighestPrice + 10}}

	res, err := f.rt.RunMonitor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("Expected no exits, got %+v", res.Actions)
	}
	after := f.rt.monitor.Managed()[0]
	if after.StopPrice <= before.StopPrice || after.HighestPrice != before.HighestPrice+10 {
		t.Errorf("Expected ratchet, before %+v after %+v", before, after)
	}
	snap, _ := f.store.Snapshot("2024-06-03")
	if snap.Note != "monitor" || snap.UnrealizedPnL <= 0 {
		t.Errorf("Expected marked-to-market monitor snapshot, got %+v", snap)
	}
}

func TestRunMonitor_QuoteFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}
	f.market.quoteErr = errors.New("feed down")
	if _, err := f.rt.RunMonitor(ctx); err == nil {
		t.Fatal("Expected error when quotes fail")
	}
	if f.rt.book.Count() != 1 {
		t.Error("Position must survive a failed cycle")
	}
}

func TestRunEODClose_RemovesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := f.rt.RunEODClose(ctx)
	if err != nil {
		t.Fatalf("RunEODClose failed: %v", err)
	}
	if res.ClosedPositions != 1 || f.rt.book.Count() != 0 || len(f.rt.monitor.Managed()) != 0 {
		t.Errorf("Expected everything closed, got %+v", res)
	}
	stored, _ := f.store.LoadPositions(ctx)
	if len(stored) != 0 {
		t.Errorf("Expected no stored positions, got %+v", stored)
	}
	snap, _ := f.store.Snapshot("2024-06-03")
	if snap.Note != "eod_close" || snap.OpenPositions != 0 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestRunReconcile_RecordsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.rt.RunReconcile(ctx)
	if err != nil || !res.OK {
		t.Fatalf("RunReconcile failed: %+v %v", res, err)
	}
	v, ok, _ := f.store.LoadSystemState(ctx, KeyLastReconcile)
	if !ok || v != testNow.Format(time.RFC3339) {
		t.Errorf("Unexpected reconcile state %q", v)
	}
	if snap, _ := f.store.Snapshot("2024-06-03"); snap.Note != "reconcile" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestRuntime_RestoresFromStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}

	again, err := New(ctx, Options{Config: f.rt.cfg, Bars: f.market, Quotes: f.market, Store: f.store})
	if err != nil {
		t.Fatal(err)
	}
	if again.book.Count() != 1 || len(again.monitor.Managed()) != 1 {
		t.Error("Expected positions and stops restored")
	}
	if again.risk.Counters().OrdersToday != 1 {
		t.Errorf("Expected risk counters restored, got %+v", again.risk.Counters())
	}
}

func TestRunScheduledBacktest_StoresSummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sum, err := f.rt.RunScheduledBacktest(ctx)
	if err != nil {
		t.Fatalf("RunScheduledBacktest failed: %v", err)
	}
	if sum.ToDate != "2024-06-03" || sum.FromDate != "2023-06-04" {
		t.Errorf("Unexpected window: %s..%s", sum.FromDate, sum.ToDate)
	}
	if _, ok, _ := f.store.LoadSystemState(ctx, KeyLastBacktest); !ok {
		t.Error("Expected last_backtest_run state")
	}
}

func TestBacktestConfig_UsesRiskLimits(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Strategy.Risk.RiskPerTrade = 0.004 })
	if got := f.rt.DefaultBacktestConfig().RiskPerTrade; got != 0.004 {
		t.Errorf("Expected risk per trade 0.004, got %f", got)
	}
}

func TestRunStrategyLab_StoresBest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.rt.RunStrategyLab(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Runs) != 9 {
		t.Errorf("Expected 9 runs, got %d", len(res.Runs))
	}
	if _, ok, _ := f.store.LoadSystemState(ctx, KeyStrategyLabBest); !ok {
		t.Error("Expected strategy_lab_best state")
	}
}

func TestExclusive_RejectsWhileBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Gate().TryAcquire(JobMonitor)
	defer f.rt.Gate().Release()

	err := f.rt.Exclusive(JobMorning, func() error {
		t.Error("must not run")
		return nil
	})
	if !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if st := f.rt.Status(); st.RunningJob == nil || *st.RunningJob != JobMonitor {
		t.Errorf("Expected running job in status, got %+v", st.RunningJob)
	}
}

func TestPreflight(t *testing.T) {
	cfg := &config.Config{
		TradingMode:  config.ModePaper,
		DataSource:   config.SourceAlpaca,
		StoreBackend: config.BackendClickHouse,
		Strategy:     config.DefaultStrategy(),
	}
	res := Preflight(cfg, "clickhouse")
	if res.OK || !strings.Contains(res.Message, "Alpaca credentials") || !res.DBConfigured {
		t.Errorf("Unexpected preflight: %+v", res)
	}

	cfg.AlpacaKeyID, cfg.AlpacaSecretKey = "key", "secret"
	if res := Preflight(cfg, "clickhouse"); !res.OK || res.Message != "Preflight passed" {
		t.Errorf("Expected pass, got %+v", res)
	}
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.rt.RunMorning(ctx); err != nil {
		t.Fatal(err)
	}

	if got := f.rt.HandleCommand(ctx, "/ping"); !strings.Contains(got, "Pong") {
		t.Errorf("Unexpected /ping reply %q", got)
	}
	status := f.rt.HandleCommand(ctx, "/status")
	if !strings.Contains(status, "UP x") || !strings.Contains(status, "Equity: $1,000,000.00") {
		t.Errorf("Unexpected /status reply %q", status)
	}
	if got := f.rt.HandleCommand(ctx, "/preview up"); !strings.Contains(got, "Already holding symbol") {
		t.Errorf("Unexpected /preview reply %q", got)
	}
	if got := f.rt.HandleCommand(ctx, "/buy AAPL 1"); !strings.HasPrefix(got, "Unknown command") {
		t.Errorf("Unexpected reply %q", got)
	}
}
