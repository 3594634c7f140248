package signal

import (
	"testing"

	"trend_trading/internal/models"
)

func qualifyingRow(sym string, rs float64) models.ScreenerRow {
	return models.ScreenerRow{
		Symbol:      sym,
		Close:       100,
		EMA20:       98,
		EMA50:       95,
		RSI14:       62,
		ATR14:       2,
		High20:      101,
		VolumeRatio: 1.5,
		ADV20:       2e8,
		RSScore60d:  rs,
		Trend:       models.TrendUp,
	}
}

func TestBuild_Sizing(t *testing.T) {
	b := NewBuilder(DefaultConfig(), 0.015)
	sigs := b.Build([]models.ScreenerRow{qualifyingRow("AAPL", 0.2)}, 1_000_000)
	if len(sigs) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(sigs))
	}
	s := sigs[0]
	if s.StopPrice != 96 {
		t.Errorf("Expected stop 96, got %f", s.StopPrice)
	}
	if s.TargetPrice != 108 {
		t.Errorf("Expected target 108, got %f", s.TargetPrice)
	}
	if s.Qty != 3750 {
		t.Errorf("Expected qty 3750, got %d", s.Qty)
	}
	if s.Side != models.SideBuy || s.ATR14 != 2 || s.RankScore != 0.2 {
		t.Errorf("Unexpected carried fields: %+v", s)
	}
	if s.Reason != "Trend+momentum breakout (ATRx2.0 stop)" {
		t.Errorf("Unexpected reason: %q", s.Reason)
	}
}

func TestBuild_MinStopDistance(t *testing.T) {
	row := qualifyingRow("LOWVOL", 0.1)
	row.ATR14 = 0.1 // ATR stop 0.2 < 1% of entry
	sigs := NewBuilder(DefaultConfig(), 0.015).Build([]models.ScreenerRow{row}, 1_000_000)
	if len(sigs) != 1 || sigs[0].StopPrice != 99 {
		t.Fatalf("Expected stop at 1%% below entry, got %+v", sigs)
	}
}

func TestBuild_CapitalFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCapitalDeployPct = 0.5
	sigs := NewBuilder(cfg, 0.015).Build([]models.ScreenerRow{qualifyingRow("AAPL", 0.2)}, 1_000_000)
	if len(sigs) != 1 || sigs[0].Qty != 5000 {
		t.Fatalf("Expected floor qty 5000, got %+v", sigs)
	}
}

func TestBuild_DropsZeroQty(t *testing.T) {
	sigs := NewBuilder(DefaultConfig(), 0.015).Build([]models.ScreenerRow{qualifyingRow("AAPL", 0.2)}, 100)
	if len(sigs) != 0 {
		t.Errorf("Expected no signals for tiny equity, got %+v", sigs)
	}
}

func TestBuild_FiltersAndRanks(t *testing.T) {
	weak := qualifyingRow("WEAK", 0.5)
	weak.RSI14 = 40
	notBreakout := qualifyingRow("FAR", 0.6)
	notBreakout.High20 = 120
	thin := qualifyingRow("THIN", 0.7)
	thin.ADV20 = 1e6

	cfg := DefaultConfig()
	cfg.MaxSignals = 2
	rows := []models.ScreenerRow{
		qualifyingRow("LOW", 0.1),
		weak, notBreakout, thin,
		qualifyingRow("HIGH", 0.3),
		qualifyingRow("MID", 0.2),
	}
	sigs := NewBuilder(cfg, 0.015).Build(rows, 1_000_000)
	if len(sigs) != 2 {
		t.Fatalf("Expected 2 signals, got %d", len(sigs))
	}
	if sigs[0].Symbol != "HIGH" || sigs[1].Symbol != "MID" {
		t.Errorf("Unexpected ranking: %s, %s", sigs[0].Symbol, sigs[1].Symbol)
	}
}

func TestBuild_RiskPerTradeScalesQty(t *testing.T) {
	sigs := NewBuilder(DefaultConfig(), 0.005).Build([]models.ScreenerRow{qualifyingRow("AAPL", 0.2)}, 1_000_000)
	if len(sigs) != 1 || sigs[0].Qty != 1250 {
		t.Fatalf("Expected qty 1250 at 0.5%% risk, got %+v", sigs)
	}
}
