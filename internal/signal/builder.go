// Package signal turns screener rows into sized, priced entry signals.
package signal

import (
	"fmt"
	"math"
	"sort"

	"trend_trading/internal/models"
)

// Config holds the entry filter and sizing parameters. The fraction of equity
// risked per trade comes from the risk limits.
type Config struct {
	MinRSI              float64 `json:"minRsi" yaml:"min_rsi"`
	BreakoutBufferPct   float64 `json:"breakoutBufferPct" yaml:"breakout_buffer_pct"`
	ATRStopMultiple     float64 `json:"atrStopMultiple" yaml:"atr_stop_multiple"`
	MinCapitalDeployPct float64 `json:"minCapitalDeployPct" yaml:"min_capital_deploy_pct"`
	MinADV20            float64 `json:"minAdv20" yaml:"min_adv20"`
	MinVolumeRatio      float64 `json:"minVolumeRatio" yaml:"min_volume_ratio"`
	MaxSignals          int     `json:"maxSignals" yaml:"max_signals"`
}

func DefaultConfig() Config {
	return Config{
		MinRSI:            55,
		BreakoutBufferPct: 0.02,
		ATRStopMultiple:   2,
		MinADV20:          100_000_000,
		MinVolumeRatio:    1.2,
		MaxSignals:        5,
	}
}

type Builder struct {
	cfg          Config
	riskPerTrade float64
}

func NewBuilder(cfg Config, riskPerTrade float64) *Builder {
	return &Builder{cfg: cfg, riskPerTrade: riskPerTrade}
}

func (b *Builder) Config() Config { return b.cfg }

// Eligible reports whether row meets the trend, breakout, momentum and
// liquidity filters.
func (b *Builder) Eligible(r models.ScreenerRow) bool {
	return r.EMA20 > r.EMA50 &&
		r.Close > r.EMA20 &&
		r.Close >= r.High20*(1-b.cfg.BreakoutBufferPct) &&
		r.RSI14 >= b.cfg.MinRSI &&
		r.ADV20 >= b.cfg.MinADV20 &&
		r.VolumeRatio >= b.cfg.MinVolumeRatio
}

// Build filters rows, ranks survivors by relative strength and sizes the top
// MaxSignals against equity. Rows sizing to zero shares are dropped.
func (b *Builder) Build(rows []models.ScreenerRow, equity float64) []models.Signal {
	var candidates []models.ScreenerRow
	for _, r := range rows {
		if b.Eligible(r) {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RSScore60d > candidates[j].RSScore60d
	})
	if len(candidates) > b.cfg.MaxSignals {
		candidates = candidates[:max(0, b.cfg.MaxSignals)]
	}

	out := make([]models.Signal, 0, len(candidates))
	for _, r := range candidates {
		sig, ok := b.size(r, equity)
		if !ok {
			continue
		}
		out = append(out, sig)
	}
	return out
}

func (b *Builder) size(r models.ScreenerRow, equity float64) (models.Signal, bool) {
	entry := r.Close
	stopDistance := math.Max(r.ATR14*b.cfg.ATRStopMultiple, entry*0.01)
	stop := math.Max(0.01, entry-stopDistance)

	riskQty := int(math.Floor(equity * b.riskPerTrade / math.Max(entry-stop, 1)))
	floorQty := 0
	if b.cfg.MinCapitalDeployPct > 0 {
		floorQty = int(math.Ceil(equity * b.cfg.MinCapitalDeployPct / math.Max(entry, 0.01)))
	}
	qty := max(riskQty, floorQty)
	if qty <= 0 {
		return models.Signal{}, false
	}

	return models.Signal{
		Symbol:      r.Symbol,
		Side:        models.SideBuy,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: entry + stopDistance*2,
		Qty:         qty,
		Reason:      fmt.Sprintf("Trend+momentum breakout (ATRx%.1f stop)", b.cfg.ATRStopMultiple),
		RankScore:   r.RSScore60d,
		ATR14:       r.ATR14,
	}, true
}
