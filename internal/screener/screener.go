// Package screener ranks a symbol universe by trend, momentum, liquidity and
// relative strength as of a date range.
package screener

import (
	"fmt"
	"sort"
	"time"

	"trend_trading/internal/indicators"
	"trend_trading/internal/market"
	"trend_trading/internal/models"

	"go.uber.org/zap"
)

const (
	// LookbackDays of history fetched ahead of the requested window.
	LookbackDays = 180
	// MinBars a symbol needs after cleaning.
	MinBars = 80
	// MinIndex is the lowest as-of bar index that still has 60 prior closes.
	MinIndex = 61
	// MaxResultsCap bounds any request.
	MaxResultsCap = 200
)

// Sort keys.
const (
	SortRS     = "rs"
	SortRSI    = "rsi"
	SortVolume = "volume"
	SortPrice  = "price"
)

// Criteria selects and orders screener rows.
type Criteria struct {
	FromDate       string       `json:"fromDate" yaml:"from_date"`
	ToDate         string       `json:"toDate" yaml:"to_date"`
	Symbols        []string     `json:"symbols" yaml:"symbols"`
	Trend          models.Trend `json:"trend" yaml:"trend"`
	RSIMin         float64      `json:"rsiMin" yaml:"rsi_min"`
	RSIMax         float64      `json:"rsiMax" yaml:"rsi_max"`
	MinVolumeRatio float64      `json:"minVolumeRatio" yaml:"min_volume_ratio"`
	MinADV20       float64      `json:"minAdv20" yaml:"min_adv20"`
	MinPrice       float64      `json:"minPrice" yaml:"min_price"`
	MaxPrice       float64      `json:"maxPrice" yaml:"max_price"`
	MinRSScore     float64      `json:"minRsScore" yaml:"min_rs_score"`
	BreakoutOnly   bool         `json:"breakoutOnly" yaml:"breakout_only"`
	SortBy         string       `json:"sortBy" yaml:"sort_by"`
	MaxResults     int          `json:"maxResults" yaml:"max_results"`
}

// DefaultCriteria returns the stock filter set for the given window.
func DefaultCriteria(from, to string, symbols []string) Criteria {
	return Criteria{
		FromDate:       from,
		ToDate:         to,
		Symbols:        symbols,
		Trend:          models.TrendUp,
		RSIMin:         50,
		RSIMax:         80,
		MinVolumeRatio: 1.1,
		MinADV20:       50_000_000,
		MinPrice:       50,
		MaxPrice:       10_000,
		MinRSScore:     -0.5,
		SortBy:         SortRS,
		MaxResults:     50,
	}
}

// Options names the listing venue and the benchmark index symbol.
type Options struct {
	Exchange  string
	Benchmark string
	Logger    *zap.Logger
}

// Run screens c.Symbols against src. Symbols that are unknown, not equities,
// short on history, or whose indicators cannot be computed are skipped.
func Run(src market.BarSource, c Criteria, opts Options) ([]models.ScreenerRow, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	from, err := offsetFrom(c.FromDate, LookbackDays)
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(time.DateOnly, c.ToDate); err != nil {
		return nil, fmt.Errorf("invalid to date %q: %w", c.ToDate, err)
	}

	instruments, err := src.ListInstruments(opts.Exchange)
	if err != nil {
		return nil, err
	}
	benchmark := Benchmark(src, instruments, opts.Benchmark, from, c.ToDate)

	var rows []models.ScreenerRow
	for _, sym := range c.Symbols {
		inst, ok := instruments[sym]
		if !ok || inst.Type != models.InstrumentEquity {
			logger.Debug("Skipping symbol: not a listed equity", zap.String("symbol", sym))
			continue
		}
		bars, err := src.GetDayBars(inst.Token, from, c.ToDate)
		if err != nil {
			return nil, err
		}
		row, ok := Evaluate(sym, CleanBars(bars), c.FromDate, c.ToDate, benchmark)
		if !ok {
			logger.Debug("Skipping symbol: insufficient history", zap.String("symbol", sym))
			continue
		}
		if Passes(row, c) {
			rows = append(rows, row)
		}
	}

	SortRows(rows, c.SortBy)
	limit := max(1, min(c.MaxResults, MaxResultsCap))
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// CleanBars drops bars with zero close or volume and sorts by time.
func CleanBars(bars []models.MarketBar) []models.MarketBar {
	out := make([]models.MarketBar, 0, len(bars))
	for _, b := range bars {
		if b.Close != 0 && b.Volume != 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// Evaluate builds the row for the last bar dated within [from, to]. bars must
// be clean and sorted. ok is false when history is insufficient.
func Evaluate(symbol string, bars []models.MarketBar, from, to string, benchmark float64) (models.ScreenerRow, bool) {
	if len(bars) < MinBars {
		return models.ScreenerRow{}, false
	}
	latestIdx := -1
	for i, b := range bars {
		if d := b.Date(); d >= from && d <= to {
			latestIdx = i
		}
	}
	if latestIdx < MinIndex {
		return models.ScreenerRow{}, false
	}
	row, err := RowAt(symbol, bars[:latestIdx+1], benchmark)
	if err != nil {
		return models.ScreenerRow{}, false
	}
	return row, true
}

// RowAt computes indicators over slice, whose last bar is the as-of bar.
func RowAt(symbol string, slice []models.MarketBar, benchmark float64) (models.ScreenerRow, error) {
	n := len(slice)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	dollar := make([]float64, n)
	for i, b := range slice {
		closes[i], highs[i], lows[i], volumes[i] = b.Close, b.High, b.Low, b.Volume
		dollar[i] = b.Close * b.Volume
	}
	if n < MinIndex {
		return models.ScreenerRow{}, fmt.Errorf("%w: %d bars", indicators.ErrInvalidParameter, n)
	}
	last := closes[n-1]

	ema20, err := indicators.EMA(closes, 20)
	if err != nil {
		return models.ScreenerRow{}, err
	}
	ema50, err := indicators.EMA(closes, 50)
	if err != nil {
		return models.ScreenerRow{}, err
	}
	rsi14, err := indicators.RSI(closes, 14)
	if err != nil {
		return models.ScreenerRow{}, err
	}
	atr14, err := indicators.ATR(highs, lows, closes, 14)
	if err != nil {
		return models.ScreenerRow{}, err
	}
	vol20, _ := indicators.SMA(indicators.Tail(volumes, 20))
	vol50, _ := indicators.SMA(indicators.Tail(volumes, 50))
	adv20, _ := indicators.SMA(indicators.Tail(dollar, 20))
	ret60, err := indicators.PctChange(closes[n-61], last)
	if err != nil {
		return models.ScreenerRow{}, err
	}

	return models.ScreenerRow{
		Symbol:      symbol,
		AsOf:        slice[n-1].Date(),
		Close:       last,
		EMA20:       ema20,
		EMA50:       ema50,
		RSI14:       rsi14,
		ATR14:       atr14,
		High20:      indicators.Max(indicators.Tail(highs, 20)),
		VolumeRatio: vol20 / max(1, vol50),
		ADV20:       adv20,
		RSScore60d:  ret60 - benchmark,
		Trend:       classify(last, ema20, ema50),
	}, nil
}

func classify(px, ema20, ema50 float64) models.Trend {
	switch {
	case px > ema20 && ema20 > ema50:
		return models.TrendUp
	case px < ema20 && ema20 < ema50:
		return models.TrendDown
	}
	return models.TrendFlat
}

// Passes reports whether row satisfies every criterion.
func Passes(row models.ScreenerRow, c Criteria) bool {
	switch {
	case row.Close < c.MinPrice || row.Close > c.MaxPrice:
		return false
	case row.RSI14 < c.RSIMin || row.RSI14 > c.RSIMax:
		return false
	case row.VolumeRatio < c.MinVolumeRatio:
		return false
	case row.ADV20 < c.MinADV20:
		return false
	case row.RSScore60d < c.MinRSScore:
		return false
	case c.Trend != models.TrendAny && c.Trend != "" && row.Trend != c.Trend:
		return false
	case c.BreakoutOnly && row.Close < row.High20*0.995:
		return false
	}
	return true
}

// SortRows orders rows descending by the named key (default rs).
func SortRows(rows []models.ScreenerRow, key string) {
	val := func(r models.ScreenerRow) float64 {
		switch key {
		case SortRSI:
			return r.RSI14
		case SortVolume:
			return r.VolumeRatio
		case SortPrice:
			return r.Close
		}
		return r.RSScore60d
	}
	sort.SliceStable(rows, func(i, j int) bool { return val(rows[i]) > val(rows[j]) })
}

// Benchmark is the 60-day return of the index symbol, or 0 when the index is
// unknown, unavailable or short on history.
func Benchmark(src market.BarSource, instruments map[string]models.Instrument, symbol, from, to string) float64 {
	inst, ok := instruments[symbol]
	if !ok || inst.Token == "" {
		return 0
	}
	bars, err := src.GetDayBars(inst.Token, from, to)
	if err != nil || len(bars) < MinIndex {
		return 0
	}
	r, err := indicators.PctChange(bars[len(bars)-61].Close, bars[len(bars)-1].Close)
	if err != nil {
		return 0
	}
	return r
}

func offsetFrom(date string, daysBack int) (string, error) {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return "", fmt.Errorf("invalid from date %q: %w", date, err)
	}
	return d.AddDate(0, 0, -daysBack).Format(time.DateOnly), nil
}
