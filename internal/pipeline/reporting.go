package pipeline

import (
	"context"
	"strings"

	"trend_trading/internal/config"
	"trend_trading/internal/models"
)

// Preflight validates cfg without building a runtime, so it also works when
// credentials are missing.
func Preflight(cfg *config.Config, backend string) PreflightResult {
	res := PreflightResult{
		Mode:         cfg.TradingMode,
		DataSource:   cfg.DataSource,
		StoreBackend: backend,
		DBConfigured: cfg.DBConfigured(),
	}
	if err := cfg.Validate(); err != nil {
		res.Message = err.Error()
		return res
	}
	res.OK = true
	res.Message = "Preflight passed"
	return res
}

func (r *Runtime) formatMorning(res MorningResult, signals []models.Signal) string {
	p := r.printer
	var sb strings.Builder
	sb.WriteString(p.Sprintf("🌅 MORNING RUN %s\nPlaced: %d | Skipped: %d | Open: %d\n",
		r.today(), res.Placed, len(res.Skipped), res.Positions))

	skipped := make(map[string]string, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped[s.Symbol] = s.Reason
	}
	for _, s := range signals {
		if reason, ok := skipped[s.Symbol]; ok {
			sb.WriteString(p.Sprintf("• %s skipped: %s\n", s.Symbol, reason))
			continue
		}
		sb.WriteString(p.Sprintf("• BUY %s x%d @ $%.2f | SL $%.2f | TP $%.2f\n",
			s.Symbol, s.Qty, s.EntryPrice, s.StopPrice, s.TargetPrice))
	}
	return sb.String()
}

func (r *Runtime) formatStopOuts(actions []models.StopOut) string {
	p := r.printer
	var sb strings.Builder
	sb.WriteString(p.Sprintf("🛑 TRAILING STOPS HIT (%d)\n", len(actions)))
	for _, a := range actions {
		sb.WriteString(p.Sprintf("• SELL %s x%d @ $%.2f (stop $%.2f) PnL $%.2f\n",
			a.Symbol, a.Qty, a.Price, a.Stop, a.PnL))
	}
	return sb.String()
}

func (r *Runtime) formatBacktest(s BacktestSummary) string {
	return r.printer.Sprintf("📊 WEEKLY BACKTEST %s..%s\nTrades: %d | Win rate: %.1f%%\nPnL: $%.2f | Max DD: %.2f%% | CAGR: %.2f%% | Sharpe: %.2f",
		s.FromDate, s.ToDate, s.Trades, s.WinRate*100, s.TotalPnL, s.MaxDrawdownPct, s.CAGRPct, s.SharpeProxy)
}

func (r *Runtime) formatStatus() string {
	p := r.printer
	st := r.Status()
	var sb strings.Builder
	mode := "PAPER"
	if st.LiveMode {
		mode = "LIVE"
	}
	sb.WriteString(p.Sprintf("📈 STATUS [%s]\nEquity: $%.2f | Realized: $%.2f\n", mode, st.Equity, st.RealizedPnL))
	sb.WriteString(p.Sprintf("Orders today: %d/%d | Daily loss: $%.2f\n",
		st.RiskCounters.OrdersToday, r.strategy.Risk.MaxOrdersPerDay, st.RiskCounters.DailyLoss))
	if st.RunningJob != nil {
		sb.WriteString("Running: " + *st.RunningJob + "\n")
	}

	stops := make(map[string]models.ManagedPosition, len(st.Managed))
	for _, m := range st.Managed {
		stops[m.Symbol] = m
	}
	if len(st.Positions) == 0 {
		sb.WriteString("No open positions.")
		return sb.String()
	}
	for _, pos := range st.Positions {
		line := p.Sprintf("• %s x%d @ $%.2f", pos.Symbol, pos.Qty, pos.AvgPrice)
		if m, ok := stops[pos.Symbol]; ok {
			line += p.Sprintf(" | SL $%.2f | HWM $%.2f", m.StopPrice, m.HighestPrice)
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Runtime) formatPreview(pv MorningPreview) string {
	p := r.printer
	var sb strings.Builder
	sb.WriteString(p.Sprintf("🔍 PREVIEW: %d signals, %d eligible, equity $%.2f\n",
		pv.Summary.TotalSignals, pv.Summary.Eligible, pv.Funds.UsableEquity))
	for _, row := range pv.Rows {
		sb.WriteString(p.Sprintf("• %s x%d @ $%.2f [%s] %s\n", row.Symbol, row.Qty, row.EntryPrice, row.Status, row.Reason))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HandleCommand answers a chat command. Commands that would mutate state
// are not accepted here.
func (r *Runtime) HandleCommand(ctx context.Context, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}

	switch strings.ToLower(parts[0]) {
	case "/ping":
		return "Pong 🏓"
	case "/status":
		return r.formatStatus()
	case "/preflight":
		pf := r.Preflight()
		if pf.OK {
			return "✅ " + pf.Message
		}
		return "⚠️ " + pf.Message
	case "/preview":
		var symbols []string
		for _, s := range parts[1:] {
			symbols = append(symbols, strings.ToUpper(s))
		}
		var pv MorningPreview
		err := r.Exclusive(JobMorning, func() error {
			var err error
			pv, err = r.PreviewMorning(ctx, symbols)
			return err
		})
		if err != nil {
			return "⚠️ Preview failed: " + err.Error()
		}
		return r.formatPreview(pv)
	case "/help":
		return "Commands: /ping, /status, /preflight, /preview [symbols...]"
	default:
		return "Unknown command. Try /status, /preview or /help."
	}
}
