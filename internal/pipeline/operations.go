package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trend_trading/internal/backtest"
	"trend_trading/internal/config"
	"trend_trading/internal/models"
	"trend_trading/internal/risk"
	"trend_trading/internal/screener"
)

// Preview statuses.
const (
	StatusEligible = "eligible"
	StatusSkip     = "skip"
)

type PreviewRow struct {
	Symbol      string      `json:"symbol"`
	Side        models.Side `json:"side"`
	Qty         int         `json:"qty"`
	EntryPrice  float64     `json:"entryPrice"`
	StopPrice   float64     `json:"stopPrice"`
	TargetPrice float64     `json:"targetPrice"`
	Notional    float64     `json:"notional"`
	RankScore   float64     `json:"rankScore"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason"`
}

type PreviewSummary struct {
	TotalSignals int `json:"totalSignals"`
	Eligible     int `json:"eligible"`
	Skipped      int `json:"skipped"`
}

type Funds struct {
	UsableEquity float64 `json:"usableEquity"`
}

// MorningPreview is the dry run of RunMorning.
type MorningPreview struct {
	GeneratedAt   string         `json:"generatedAt"`
	SymbolsFilter []string       `json:"symbolsFilter"`
	Funds         Funds          `json:"funds"`
	Summary       PreviewSummary `json:"summary"`
	Rows          []PreviewRow   `json:"rows"`
}

type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

type MorningResult struct {
	OK        bool   `json:"ok"`
	Placed    int    `json:"placed"`
	Skipped   []Skip `json:"skipped"`
	Positions int    `json:"positions"`
}

type MonitorResult struct {
	OK        bool             `json:"ok"`
	Actions   []models.StopOut `json:"actions"`
	Positions int              `json:"positions"`
}

type ReconcileResult struct {
	OK        bool `json:"ok"`
	Positions int  `json:"positions"`
}

type EODResult struct {
	OK              bool `json:"ok"`
	ClosedPositions int  `json:"closedPositions"`
}

// PreflightResult never carries an error; failures are reported in Message.
type PreflightResult struct {
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	Mode         string `json:"mode"`
	DataSource   string `json:"dataSource"`
	StoreBackend string `json:"storeBackend"`
	DBConfigured bool   `json:"dbConfigured"`
}

// Criteria returns the configured screener filters for a window.
func (r *Runtime) Criteria(from, to string, symbols []string) screener.Criteria {
	s := r.strategy.Screener
	c := screener.DefaultCriteria(from, to, r.universe(symbols))
	c.RSIMin = s.RSIMin
	c.RSIMax = s.RSIMax
	c.MinVolumeRatio = s.MinVolumeRatio
	c.MinADV20 = s.MinADV20
	c.MinPrice = s.MinPrice
	c.MaxPrice = s.MaxPrice
	c.MinRSScore = s.MinRSScore
	c.MaxResults = s.MaxResults
	return c
}

// RunScreener screens c; an empty symbol list screens the universe.
func (r *Runtime) RunScreener(c screener.Criteria) ([]models.ScreenerRow, error) {
	c.Symbols = r.universe(c.Symbols)
	return screener.Run(r.bars, c, screener.Options{
		Exchange:  r.strategy.Exchange,
		Benchmark: r.strategy.Benchmark,
		Logger:    r.logger.Named("screener"),
	})
}

// morningSignals screens the last 30 days for uptrends and sizes signals.
func (r *Runtime) morningSignals(symbols []string) ([]models.Signal, float64, error) {
	equity, err := r.refreshEquity()
	if err != nil {
		return nil, 0, err
	}
	c := r.Criteria(r.daysAgo(morningWindowDays), r.today(), symbols)
	c.Trend = models.TrendUp
	rows, err := r.RunScreener(c)
	if err != nil {
		return nil, 0, err
	}
	return r.builder.Build(rows, equity), equity, nil
}

// PreviewMorning annotates the morning signals with risk decisions without
// placing anything.
func (r *Runtime) PreviewMorning(ctx context.Context, symbols []string) (MorningPreview, error) {
	signals, equity, err := r.morningSignals(symbols)
	if err != nil {
		return MorningPreview{}, err
	}
	if symbols == nil {
		symbols = []string{}
	}
	out := MorningPreview{
		GeneratedAt:   r.stamp(),
		SymbolsFilter: symbols,
		Funds:         Funds{UsableEquity: equity},
		Rows:          make([]PreviewRow, 0, len(signals)),
	}
	for _, s := range signals {
		check := r.risk.PreTradeCheck(s)
		row := PreviewRow{
			Symbol:      s.Symbol,
			Side:        s.Side,
			Qty:         s.Qty,
			EntryPrice:  s.EntryPrice,
			StopPrice:   s.StopPrice,
			TargetPrice: s.TargetPrice,
			Notional:    float64(s.Qty) * s.EntryPrice,
			RankScore:   s.RankScore,
			Status:      StatusEligible,
			Reason:      "ok",
		}
		if !check.OK {
			row.Status, row.Reason = StatusSkip, check.Reason
			out.Summary.Skipped++
		} else {
			out.Summary.Eligible++
		}
		out.Rows = append(out.Rows, row)
	}
	out.Summary.TotalSignals = len(out.Rows)
	return out, nil
}

// RunMorning places every signal that passes the risk gate.
func (r *Runtime) RunMorning(ctx context.Context) (MorningResult, error) {
	defer r.track(JobMorning)()

	signals, _, err := r.morningSignals(nil)
	if err != nil {
		return MorningResult{}, err
	}

	res := MorningResult{OK: true, Skipped: []Skip{}}
	for _, s := range signals {
		if check := r.risk.PreTradeCheck(s); !check.OK {
			r.logger.Info("Signal skipped", zap.String("symbol", s.Symbol), zap.String("reason", check.Reason))
			res.Skipped = append(res.Skipped, Skip{Symbol: s.Symbol, Reason: check.Reason})
			continue
		}
		if err := r.place(ctx, s); err != nil {
			return res, err
		}
		res.Placed++
	}
	res.Positions = r.book.Count()

	if err := r.snapshot(ctx, "morning", res.Positions); err != nil {
		return res, err
	}
	if err := r.saveState(ctx, KeyLastMorning, map[string]any{
		"at":      r.stamp(),
		"placed":  res.Placed,
		"skipped": res.Skipped,
	}); err != nil {
		return res, err
	}
	if res.Placed > 0 || len(res.Skipped) > 0 {
		r.notify(r.formatMorning(res, signals))
	}
	return res, nil
}

// place executes one signal: order, risk count, fill, position, stop tracking.
func (r *Runtime) place(ctx context.Context, s models.Signal) error {
	order, fill, err := r.executor.PlaceSignal(s)
	if err != nil {
		return fmt.Errorf("place %s: %w", s.Symbol, err)
	}
	if err := r.risk.RegisterOrder(ctx); err != nil {
		return err
	}
	if err := r.store.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("upsert order %s: %w", order.OrderID, err)
	}
	if _, err := r.book.ApplyFill(ctx, fill); err != nil {
		return err
	}
	if err := r.monitor.TrackEntry(ctx, fill, s); err != nil {
		return err
	}
	r.logger.Info("Signal placed",
		zap.String("symbol", s.Symbol),
		zap.String("order_id", order.OrderID),
		zap.Int("qty", fill.Qty),
		zap.Float64("price", fill.Price),
		zap.Float64("stop", s.StopPrice))
	return nil
}

// RunMonitor reloads managed stops, drops orphans, then evaluates them.
// Realized losses count against the daily loss limit.
func (r *Runtime) RunMonitor(ctx context.Context) (MonitorResult, error) {
	defer r.track(JobMonitor)()

	if err := r.monitor.Hydrate(ctx); err != nil {
		return MonitorResult{}, err
	}
	if err := r.monitor.ReconcileWithPositions(ctx); err != nil {
		return MonitorResult{}, err
	}
	actions, err := r.monitor.EvaluateAndAct(ctx)
	if err != nil {
		return MonitorResult{}, err
	}
	for _, a := range actions {
		if a.PnL < 0 {
			if err := r.risk.RegisterLoss(ctx, a.PnL); err != nil {
				return MonitorResult{}, err
			}
		}
	}
	if actions == nil {
		actions = []models.StopOut{}
	}
	res := MonitorResult{OK: true, Actions: actions, Positions: r.book.Count()}

	if err := r.snapshot(ctx, "monitor", res.Positions); err != nil {
		return res, err
	}
	if err := r.saveState(ctx, KeyLastMonitor, map[string]any{
		"at":      r.stamp(),
		"actions": actions,
	}); err != nil {
		return res, err
	}
	if len(actions) > 0 {
		r.notify(r.formatStopOuts(actions))
	}
	return res, nil
}

// RunReconcile records a snapshot of the current book.
func (r *Runtime) RunReconcile(ctx context.Context) (ReconcileResult, error) {
	defer r.track(JobReconcile)()

	if err := r.saveState(ctx, KeyLastReconcile, r.stamp()); err != nil {
		return ReconcileResult{}, err
	}
	n := r.book.Count()
	if err := r.snapshot(ctx, "reconcile", n); err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{OK: true, Positions: n}, nil
}

// RunEODClose drops every tracked position and its managed stop.
func (r *Runtime) RunEODClose(ctx context.Context) (EODResult, error) {
	defer r.track(JobEODClose)()

	closed := 0
	for _, p := range r.book.Positions() {
		if err := r.book.Remove(ctx, p.Symbol); err != nil {
			return EODResult{}, fmt.Errorf("close %s: %w", p.Symbol, err)
		}
		if err := r.monitor.Forget(ctx, p.Symbol); err != nil {
			return EODResult{}, err
		}
		closed++
	}
	if err := r.snapshot(ctx, "eod_close", 0); err != nil {
		return EODResult{}, err
	}
	if err := r.saveState(ctx, KeyLastEODClose, map[string]any{
		"at":              r.stamp(),
		"closedPositions": closed,
	}); err != nil {
		return EODResult{}, err
	}
	if closed > 0 {
		r.notify(r.printer.Sprintf("EOD close: %d positions closed", closed))
	}
	return EODResult{OK: true, ClosedPositions: closed}, nil
}

// BacktestConfig returns the configured simulation parameters for a window.
func (r *Runtime) BacktestConfig(from, to string, symbols []string) backtest.Config {
	b := r.strategy.Backtest
	sig := r.strategy.Signal
	c := backtest.DefaultConfig(from, to, r.universe(symbols))
	c.Exchange = r.strategy.Exchange
	c.InitialCapital = b.InitialCapital
	c.MaxHoldDays = b.MaxHoldDays
	c.SlippageBps = b.SlippageBps
	c.FeeBps = b.FeeBps
	c.MaxOpenPositions = b.MaxOpenPositions
	c.MaxResults = b.MaxResults
	c.MinRSI = sig.MinRSI
	c.BreakoutBufferPct = sig.BreakoutBufferPct
	c.ATRStopMultiple = sig.ATRStopMultiple
	c.RiskPerTrade = r.strategy.Risk.RiskPerTrade
	return c
}

// RunBacktest simulates cfg. It never touches live state.
func (r *Runtime) RunBacktest(ctx context.Context, cfg backtest.Config) (backtest.Result, error) {
	defer r.track(JobBacktest)()
	cfg.Symbols = r.universe(cfg.Symbols)
	return backtest.Run(r.bars, cfg)
}

// BacktestSummary is the stored outcome of the weekly backtest.
type BacktestSummary struct {
	At             string  `json:"at"`
	FromDate       string  `json:"fromDate"`
	ToDate         string  `json:"toDate"`
	Trades         int     `json:"trades"`
	WinRate        float64 `json:"winRate"`
	TotalPnL       float64 `json:"totalPnl"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	CAGRPct        float64 `json:"cagrPct"`
	SharpeProxy    float64 `json:"sharpeProxy"`
}

// DefaultBacktestConfig covers the configured lookback ending today.
func (r *Runtime) DefaultBacktestConfig() backtest.Config {
	return r.BacktestConfig(r.daysAgo(r.strategy.Backtest.LookbackDays), r.today(), nil)
}

// RunScheduledBacktest backtests the universe over the configured lookback
// and stores the summary.
func (r *Runtime) RunScheduledBacktest(ctx context.Context) (BacktestSummary, error) {
	res, err := r.RunBacktest(ctx, r.DefaultBacktestConfig())
	if err != nil {
		return BacktestSummary{}, err
	}
	sum := BacktestSummary{
		At:             r.stamp(),
		FromDate:       res.FromDate,
		ToDate:         res.ToDate,
		Trades:         res.Trades,
		WinRate:        res.WinRate,
		TotalPnL:       res.TotalPnL,
		MaxDrawdownPct: res.MaxDrawdownPct,
		CAGRPct:        res.CAGRPct,
		SharpeProxy:    res.SharpeProxy,
	}
	if err := r.saveState(ctx, KeyLastBacktest, sum); err != nil {
		return sum, err
	}
	r.notify(r.formatBacktest(sum))
	return sum, nil
}

// RunStrategyLab sweeps the ATR stop multiple and minimum RSI grids and
// stores the best run.
func (r *Runtime) RunStrategyLab(ctx context.Context) (backtest.LabResult, error) {
	defer r.track(JobStrategyLab)()

	b := r.strategy.Backtest
	res, err := backtest.Sweep(r.bars, r.DefaultBacktestConfig(), b.LabATRMultiples, b.LabMinRSIs)
	if err != nil {
		return res, err
	}
	if err := r.saveState(ctx, KeyStrategyLabBest, map[string]any{
		"at":       r.stamp(),
		"fromDate": res.FromDate,
		"toDate":   res.ToDate,
		"best":     res.Best,
	}); err != nil {
		return res, err
	}
	r.logger.Info("Strategy lab best",
		zap.Float64("atr_stop_multiple", res.Best.ATRStopMultiple),
		zap.Float64("min_rsi", res.Best.MinRSI),
		zap.Float64("sharpe", res.Best.SharpeProxy))
	return res, nil
}

// Preflight reports whether the configuration can run jobs.
func (r *Runtime) Preflight() PreflightResult {
	return Preflight(r.cfg, r.store.Backend())
}

// Status is the dashboard view of the runtime.
type Status struct {
	RunningJob    *string                  `json:"runningJob"`
	LiveMode      bool                     `json:"liveMode"`
	Equity        float64                  `json:"equity"`
	RealizedPnL   float64                  `json:"realizedPnl"`
	Positions     []models.Position        `json:"positions"`
	Managed       []models.ManagedPosition `json:"managed"`
	RiskCounters  risk.Counters            `json:"riskCounters"`
	LastPreflight PreflightResult          `json:"lastPreflight"`
}

func (r *Runtime) Status() Status {
	st := Status{
		LiveMode:      r.cfg.TradingMode == config.ModeLive,
		Equity:        r.book.Equity(),
		RealizedPnL:   r.book.RealizedPnL(),
		Positions:     r.book.Positions(),
		Managed:       r.monitor.Managed(),
		RiskCounters:  r.risk.Counters(),
		LastPreflight: r.Preflight(),
	}
	if job, _ := r.gate.Running(); job != "" {
		st.RunningJob = &job
	}
	return st
}
