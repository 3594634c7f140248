// Package backtest replays the entry and exit rules day by day over bar
// history. It never touches live positions or risk counters.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"trend_trading/internal/indicators"
	"trend_trading/internal/market"
	"trend_trading/internal/models"
	"trend_trading/internal/screener"
)

// ErrInsufficientData is returned when no symbol has a bar inside the window.
var ErrInsufficientData = errors.New("no symbols have enough historical bars for selected range")

// Config describes one simulation.
type Config struct {
	FromDate          string   `json:"fromDate" yaml:"from_date"`
	ToDate            string   `json:"toDate" yaml:"to_date"`
	Symbols           []string `json:"symbols" yaml:"symbols"`
	Exchange          string   `json:"exchange,omitempty" yaml:"exchange"`
	InitialCapital    float64  `json:"initialCapital" yaml:"initial_capital"`
	MaxHoldDays       int      `json:"maxHoldDays" yaml:"max_hold_days"`
	SlippageBps       float64  `json:"slippageBps" yaml:"slippage_bps"`
	FeeBps            float64  `json:"feeBps" yaml:"fee_bps"`
	MaxOpenPositions  int      `json:"maxOpenPositions" yaml:"max_open_positions"`
	MinRSI            float64  `json:"minRsi" yaml:"min_rsi"`
	BreakoutBufferPct float64  `json:"breakoutBufferPct" yaml:"breakout_buffer_pct"`
	ATRStopMultiple   float64  `json:"atrStopMultiple" yaml:"atr_stop_multiple"`
	RiskPerTrade      float64  `json:"riskPerTrade" yaml:"risk_per_trade"`
	MaxResults        int      `json:"maxResults" yaml:"max_results"`
}

// DefaultConfig returns the stock simulation parameters for a window.
func DefaultConfig(from, to string, symbols []string) Config {
	return Config{
		FromDate:          from,
		ToDate:            to,
		Symbols:           symbols,
		InitialCapital:    1_000_000,
		MaxHoldDays:       15,
		SlippageBps:       5,
		FeeBps:            12,
		MaxOpenPositions:  5,
		MinRSI:            55,
		BreakoutBufferPct: 0.02,
		ATRStopMultiple:   2,
		RiskPerTrade:      0.015,
		MaxResults:        5,
	}
}

// Exit reasons.
const (
	ExitStop   = "stop"
	ExitTarget = "target"
	ExitTime   = "time"
)

// Trade is a closed round trip.
type Trade struct {
	Symbol     string  `json:"symbol"`
	EntryDate  string  `json:"entryDate"`
	ExitDate   string  `json:"exitDate"`
	EntryPrice float64 `json:"entryPrice"`
	ExitPrice  float64 `json:"exitPrice"`
	Qty        int     `json:"qty"`
	PnL        float64 `json:"pnl"`
	Reason     string  `json:"reason"`
}

// EquityPoint is the marked-to-market equity at a day's close.
type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// Result summarizes a simulation. MaxDrawdownPct and CAGRPct are percents.
type Result struct {
	FromDate       string        `json:"fromDate"`
	ToDate         string        `json:"toDate"`
	Symbols        []string      `json:"symbols"`
	Trades         int           `json:"trades"`
	WinRate        float64       `json:"winRate"`
	TotalPnL       float64       `json:"totalPnl"`
	MaxDrawdownAbs float64       `json:"maxDrawdownAbs"`
	MaxDrawdownPct float64       `json:"maxDrawdownPct"`
	CAGRPct        float64       `json:"cagrPct"`
	SharpeProxy    float64       `json:"sharpeProxy"`
	ClosedTrades   []Trade       `json:"closedTrades"`
	EquityCurve    []EquityPoint `json:"equityCurve"`
}

// History is cleaned, sorted bar history per symbol with a date index.
type History struct {
	FromDate string
	ToDate   string
	Symbols  []string
	bars     map[string][]models.MarketBar
	index    map[string]map[string]int
	days     []string
}

// Load fetches history for cfg.Symbols from LookbackDays before the window.
// Symbols without a bar inside the window are dropped.
func Load(src market.BarSource, cfg Config) (*History, error) {
	start, err := time.Parse(time.DateOnly, cfg.FromDate)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q: %w", cfg.FromDate, err)
	}
	if _, err := time.Parse(time.DateOnly, cfg.ToDate); err != nil {
		return nil, fmt.Errorf("invalid to date %q: %w", cfg.ToDate, err)
	}
	historyFrom := start.AddDate(0, 0, -screener.LookbackDays).Format(time.DateOnly)

	instruments, err := src.ListInstruments(cfg.Exchange)
	if err != nil {
		return nil, err
	}

	h := &History{
		FromDate: cfg.FromDate,
		ToDate:   cfg.ToDate,
		bars:     make(map[string][]models.MarketBar),
		index:    make(map[string]map[string]int),
	}
	daySet := make(map[string]struct{})
	for _, sym := range cfg.Symbols {
		inst, ok := instruments[sym]
		if !ok {
			continue
		}
		raw, err := src.GetDayBars(inst.Token, historyFrom, cfg.ToDate)
		if err != nil {
			return nil, err
		}
		bars := screener.CleanBars(raw)
		idx := make(map[string]int, len(bars))
		inWindow := false
		for i, b := range bars {
			d := b.Date()
			idx[d] = i
			if d >= cfg.FromDate && d <= cfg.ToDate {
				inWindow = true
				daySet[d] = struct{}{}
			}
		}
		if !inWindow {
			continue
		}
		h.Symbols = append(h.Symbols, sym)
		h.bars[sym] = bars
		h.index[sym] = idx
	}
	if len(h.Symbols) == 0 {
		return nil, ErrInsufficientData
	}
	for d := range daySet {
		h.days = append(h.days, d)
	}
	sort.Strings(h.days)
	return h, nil
}

// Run loads history and simulates cfg over it.
func Run(src market.BarSource, cfg Config) (Result, error) {
	h, err := Load(src, cfg)
	if err != nil {
		return Result{}, err
	}
	return Simulate(h, cfg), nil
}

type openPosition struct {
	entryDate string
	entry     float64
	stop      float64
	target    float64
	qty       int
	daysHeld  int
}

type candidate struct {
	symbol string
	close  float64
	stop   float64
	rank   float64
}

// Simulate walks every trading day in h: exits first, then entries, then a
// mark-to-market equity point.
func Simulate(h *History, cfg Config) Result {
	open := make(map[string]*openPosition)
	var (
		trades   []Trade
		curve    []EquityPoint
		realized float64
	)

	for _, day := range h.days {
		// exits
		for _, sym := range sortedKeys(open) {
			pos := open[sym]
			pos.daysHeld++
			bar, ok := h.barOn(sym, day)
			if !ok {
				continue
			}
			var px float64
			var reason string
			switch {
			case bar.Low <= pos.stop:
				px, reason = pos.stop, ExitStop
			case bar.High >= pos.target:
				px, reason = pos.target, ExitTarget
			case pos.daysHeld >= cfg.MaxHoldDays:
				px, reason = bar.Close, ExitTime
			default:
				continue
			}
			filled := slip(px, models.SideSell, cfg.SlippageBps)
			qty := float64(pos.qty)
			fees := (pos.entry*qty + filled*qty) * cfg.FeeBps / 10_000
			pnl := (filled-pos.entry)*qty - fees
			realized += pnl
			trades = append(trades, Trade{
				Symbol:     sym,
				EntryDate:  pos.entryDate,
				ExitDate:   day,
				EntryPrice: pos.entry,
				ExitPrice:  filled,
				Qty:        pos.qty,
				PnL:        pnl,
				Reason:     reason,
			})
			delete(open, sym)
		}

		// entries
		if len(open) < cfg.MaxOpenPositions {
			cands := h.candidates(day, cfg)
			if len(cands) > cfg.MaxResults {
				cands = cands[:max(0, cfg.MaxResults)]
			}
			for _, c := range cands {
				if _, held := open[c.symbol]; held || len(open) >= cfg.MaxOpenPositions {
					continue
				}
				entry := slip(c.close, models.SideBuy, cfg.SlippageBps)
				risk := math.Max(entry-c.stop, 0.01)
				qty := max(1, int(math.Floor(cfg.InitialCapital*cfg.RiskPerTrade/risk)))
				open[c.symbol] = &openPosition{
					entryDate: day,
					entry:     entry,
					stop:      c.stop,
					target:    entry + (entry-c.stop)*2,
					qty:       qty,
				}
			}
		}

		unrealized := 0.0
		for sym, pos := range open {
			if bar, ok := h.barOn(sym, day); ok {
				unrealized += (bar.Close - pos.entry) * float64(pos.qty)
			}
		}
		curve = append(curve, EquityPoint{Date: day, Equity: cfg.InitialCapital + realized + unrealized})
	}

	return summarize(h, cfg, trades, curve, realized)
}

func (h *History) barOn(sym, day string) (models.MarketBar, bool) {
	i, ok := h.index[sym][day]
	if !ok {
		return models.MarketBar{}, false
	}
	return h.bars[sym][i], true
}

// candidates applies the trend, momentum and breakout rules to each symbol's
// history up to and including day, ranked by 60-day return times volume ratio.
func (h *History) candidates(day string, cfg Config) []candidate {
	var out []candidate
	for _, sym := range h.Symbols {
		idx, ok := h.index[sym][day]
		if !ok || idx < screener.MinIndex || idx+1 < screener.MinBars {
			continue
		}
		row, err := screener.RowAt(sym, h.bars[sym][:idx+1], 0)
		if err != nil {
			continue
		}
		if !(row.Close > row.EMA20 && row.EMA20 > row.EMA50 && row.RSI14 >= cfg.MinRSI) {
			continue
		}
		if row.Close < row.High20*(1-cfg.BreakoutBufferPct) {
			continue
		}
		out = append(out, candidate{
			symbol: sym,
			close:  row.Close,
			stop:   row.Close - row.ATR14*cfg.ATRStopMultiple,
			rank:   row.RSScore60d * row.VolumeRatio,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank > out[j].rank })
	return out
}

func summarize(h *History, cfg Config, trades []Trade, curve []EquityPoint, realized float64) Result {
	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}

	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}
	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades))
	}

	var returns []float64
	for i := 1; i < len(equity); i++ {
		if prev := equity[i-1]; prev > 0 {
			returns = append(returns, (equity[i]-prev)/prev)
		}
	}
	sharpe := 0.0
	if sd := indicators.Std(returns); len(returns) > 0 && sd > 0 {
		mean, _ := indicators.SMA(returns)
		sharpe = mean / sd * math.Sqrt(252)
	}

	ddAbs, ddPct := maxDrawdown(equity)
	if trades == nil {
		trades = []Trade{}
	}
	return Result{
		FromDate:       cfg.FromDate,
		ToDate:         cfg.ToDate,
		Symbols:        h.Symbols,
		Trades:         len(trades),
		WinRate:        winRate,
		TotalPnL:       realized,
		MaxDrawdownAbs: ddAbs,
		MaxDrawdownPct: ddPct * 100,
		CAGRPct:        cagr(len(equity), cfg.InitialCapital, cfg.InitialCapital+realized),
		SharpeProxy:    sharpe,
		ClosedTrades:   trades,
		EquityCurve:    curve,
	}
}

// maxDrawdown returns the largest peak-to-trough drop, absolute and as a
// fraction of the peak.
func maxDrawdown(series []float64) (abs, frac float64) {
	peak := math.Inf(-1)
	for _, v := range series {
		peak = math.Max(peak, v)
		abs = math.Max(abs, peak-v)
		if peak > 0 {
			frac = math.Max(frac, (peak-v)/peak)
		}
	}
	return abs, frac
}

func cagr(points int, initial, final float64) float64 {
	if points < 2 || initial <= 0 || final <= 0 {
		return 0
	}
	years := math.Max(float64(points)/252, 1.0/252)
	return (math.Pow(final/initial, 1/years) - 1) * 100
}

func slip(price float64, side models.Side, bps float64) float64 {
	f := bps / 10_000
	if side == models.SideBuy {
		return price * (1 + f)
	}
	return price * (1 - f)
}

func sortedKeys(m map[string]*openPosition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
