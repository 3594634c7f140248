package backtest

import (
	"trend_trading/internal/market"
)

// Default sweep grids.
var (
	DefaultATRMultiples = []float64{1.5, 2, 2.5}
	DefaultMinRSIs      = []float64{50, 55, 60}
)

// LabRun is one point of a parameter sweep.
type LabRun struct {
	ATRStopMultiple float64 `json:"atrStopMultiple"`
	MinRSI          float64 `json:"minRsi"`
	Trades          int     `json:"trades"`
	TotalPnL        float64 `json:"totalPnl"`
	MaxDrawdownPct  float64 `json:"maxDrawdownPct"`
	SharpeProxy     float64 `json:"sharpeProxy"`
}

// LabResult holds every run and the best one by Sharpe proxy (ties keep the
// earlier grid point).
type LabResult struct {
	FromDate string   `json:"fromDate"`
	ToDate   string   `json:"toDate"`
	Runs     []LabRun `json:"runs"`
	Best     LabRun   `json:"best"`
}

// Sweep simulates base over every atrMultiples x minRSIs combination,
// loading history once.
func Sweep(src market.BarSource, base Config, atrMultiples, minRSIs []float64) (LabResult, error) {
	if len(atrMultiples) == 0 {
		atrMultiples = DefaultATRMultiples
	}
	if len(minRSIs) == 0 {
		minRSIs = DefaultMinRSIs
	}
	h, err := Load(src, base)
	if err != nil {
		return LabResult{}, err
	}

	res := LabResult{FromDate: base.FromDate, ToDate: base.ToDate}
	for _, mult := range atrMultiples {
		for _, minRSI := range minRSIs {
			cfg := base
			cfg.ATRStopMultiple = mult
			cfg.MinRSI = minRSI
			r := Simulate(h, cfg)
			run := LabRun{
				ATRStopMultiple: mult,
				MinRSI:          minRSI,
				Trades:          r.Trades,
				TotalPnL:        r.TotalPnL,
				MaxDrawdownPct:  r.MaxDrawdownPct,
				SharpeProxy:     r.SharpeProxy,
			}
			if len(res.Runs) == 0 || run.SharpeProxy > res.Best.SharpeProxy {
				res.Best = run
			}
			res.Runs = append(res.Runs, run)
		}
	}
	return res, nil
}
