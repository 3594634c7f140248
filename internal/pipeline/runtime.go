// Package pipeline wires the screener, signal builder, risk engine, position
// book and trailing-stop monitor into the jobs the scheduler, API and CLI run.
//
// Every job assumes it holds the single-flight gate; callers outside the
// scheduler go through Exclusive.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"trend_trading/internal/config"
	"trend_trading/internal/jobs"
	"trend_trading/internal/market"
	"trend_trading/internal/models"
	"trend_trading/internal/monitor"
	"trend_trading/internal/portfolio"
	"trend_trading/internal/risk"
	"trend_trading/internal/scheduler"
	"trend_trading/internal/signal"
	"trend_trading/internal/storage"
)

// System-state keys written by the jobs.
const (
	KeyLastMorning     = "last_morning_run"
	KeyLastMonitor     = "last_monitor_run"
	KeyLastReconcile   = "last_reconcile_run"
	KeyLastEODClose    = "last_eod_close_run"
	KeyLastBacktest    = "last_backtest_run"
	KeyStrategyLabBest = "strategy_lab_best"
)

// Job names accepted by Exclusive for manual runs.
const (
	JobMorning     = scheduler.JobMorning
	JobMonitor     = scheduler.JobMonitor
	JobReconcile   = "reconcile"
	JobEODClose    = scheduler.JobEODClose
	JobBacktest    = scheduler.JobBacktest
	JobStrategyLab = scheduler.JobStrategyLab
)

// morningWindowDays is how far back the morning screener looks for the
// latest bar.
const morningWindowDays = 30

// Notifier delivers a human-readable job summary.
type Notifier interface {
	Notify(text string) error
}

type Options struct {
	Config   *config.Config
	Bars     market.BarSource
	Quotes   market.QuoteSource
	Account  market.AccountSource // nil keeps the configured paper equity
	Executor market.Executor
	Store    storage.Store
	Notifier Notifier
	Gate     *jobs.Gate
	Logger   *zap.Logger
}

type Runtime struct {
	cfg      *config.Config
	strategy config.Strategy
	loc      *time.Location

	bars     market.BarSource
	quotes   market.QuoteSource
	account  market.AccountSource
	executor market.Executor
	store    storage.Store
	notifier Notifier
	gate     *jobs.Gate
	logger   *zap.Logger
	printer  *message.Printer
	now      func() time.Time

	book    *portfolio.Book
	risk    *risk.Engine
	builder *signal.Builder
	monitor *monitor.Monitor
}

// New builds the runtime and restores positions, managed stops and today's
// risk counters from the store. The store must already be initialised.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrConfiguration)
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = storage.Noop{}
	}
	gate := opts.Gate
	if gate == nil {
		gate = jobs.NewGate()
	}
	executor := opts.Executor
	if executor == nil {
		executor = market.NewPaperExecutor()
	}

	s := opts.Config.Strategy
	book := portfolio.NewBook(store, opts.Config.PaperEquity, logger.Named("portfolio"))
	r := &Runtime{
		cfg:      opts.Config,
		strategy: s,
		loc:      loc,
		bars:     opts.Bars,
		quotes:   opts.Quotes,
		account:  opts.Account,
		executor: executor,
		store:    store,
		notifier: opts.Notifier,
		gate:     gate,
		logger:   logger,
		printer:  message.NewPrinter(language.AmericanEnglish),
		now:      time.Now,
		book:     book,
		risk:     risk.NewEngine(s.Risk, book, store, loc, logger.Named("risk")),
		builder:  signal.NewBuilder(s.Signal, s.Risk.RiskPerTrade),
		monitor:  monitor.New(book, store, opts.Quotes, s.Monitor.TrailingATRMultiple, logger.Named("monitor")),
	}

	if err := book.Hydrate(ctx); err != nil {
		return nil, err
	}
	if err := r.risk.Hydrate(ctx); err != nil {
		return nil, err
	}
	if err := r.monitor.Hydrate(ctx); err != nil {
		return nil, err
	}
	logger.Info("Runtime ready",
		zap.String("mode", opts.Config.TradingMode),
		zap.String("store", store.Backend()),
		zap.Int("positions", book.Count()))
	return r, nil
}

// Exclusive runs fn under the single-flight gate. It returns an error
// wrapping jobs.ErrAlreadyRunning when another job is in flight.
func (r *Runtime) Exclusive(job string, fn func() error) error {
	return r.gate.Run(job, fn)
}

func (r *Runtime) Gate() *jobs.Gate { return r.gate }

func (r *Runtime) Location() *time.Location { return r.loc }

// SchedulerJobs adapts the jobs to scheduler callbacks.
func (r *Runtime) SchedulerJobs() scheduler.Jobs {
	return scheduler.Jobs{
		Morning: func(ctx context.Context) error {
			_, err := r.RunMorning(ctx)
			return err
		},
		Monitor: func(ctx context.Context) error {
			_, err := r.RunMonitor(ctx)
			return err
		},
		EODClose: func(ctx context.Context) error {
			_, err := r.RunEODClose(ctx)
			return err
		},
		Backtest: func(ctx context.Context) error {
			_, err := r.RunScheduledBacktest(ctx)
			return err
		},
		StrategyLab: func(ctx context.Context) error {
			_, err := r.RunStrategyLab(ctx)
			return err
		},
	}
}

func (r *Runtime) today() string {
	return r.now().In(r.loc).Format(time.DateOnly)
}

func (r *Runtime) daysAgo(n int) string {
	return r.now().In(r.loc).AddDate(0, 0, -n).Format(time.DateOnly)
}

// Window returns the exchange-local date range ending today and spanning
// the previous days calendar days.
func (r *Runtime) Window(days int) (from, to string) {
	return r.daysAgo(days), r.today()
}

func (r *Runtime) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// track logs the start of job and returns the func logging its finish.
func (r *Runtime) track(job string) func() {
	start := time.Now()
	r.logger.Info("Job started", zap.String("job", job))
	return func() {
		r.logger.Info("Job finished", zap.String("job", job), zap.Duration("duration", time.Since(start)))
	}
}

func (r *Runtime) universe(symbols []string) []string {
	if len(symbols) > 0 {
		return symbols
	}
	return r.strategy.Universe
}

// refreshEquity pulls account equity from the broker when one is wired.
func (r *Runtime) refreshEquity() (float64, error) {
	if r.account == nil {
		return r.book.Equity(), nil
	}
	eq, err := r.account.GetEquity()
	if err != nil {
		return 0, err
	}
	r.book.SetEquity(eq)
	return eq, nil
}

// markToMarket prices open positions for snapshots. A quote failure marks
// at cost and is only logged.
func (r *Runtime) markToMarket() float64 {
	positions := r.book.Positions()
	if len(positions) == 0 || r.quotes == nil {
		return 0
	}
	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}
	quotes, err := r.quotes.GetQuotes(symbols)
	if err != nil {
		r.logger.Warn("Snapshot marks at cost, quotes unavailable", zap.Error(err))
		return 0
	}
	prices := make(map[string]float64, len(quotes))
	for sym, q := range quotes {
		if q.LastPrice > 0 {
			prices[sym] = q.LastPrice
		}
	}
	return r.book.UnrealizedPnL(prices)
}

func (r *Runtime) snapshot(ctx context.Context, note string, openPositions int) error {
	snap := models.DailySnapshot{
		TradeDate:     r.today(),
		Equity:        r.book.Equity(),
		RealizedPnL:   r.book.RealizedPnL(),
		UnrealizedPnL: r.markToMarket(),
		OpenPositions: openPositions,
		Note:          note,
	}
	if err := r.store.UpsertDailySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("daily snapshot (%s): %w", note, err)
	}
	return nil
}

func (r *Runtime) saveState(ctx context.Context, key string, v any) error {
	var value string
	if s, ok := v.(string); ok {
		value = s
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		value = string(b)
	}
	if err := r.store.UpsertSystemState(ctx, key, value); err != nil {
		return fmt.Errorf("system state %s: %w", key, err)
	}
	return nil
}

func (r *Runtime) notify(text string) {
	if r.notifier == nil || text == "" {
		return
	}
	if err := r.notifier.Notify(text); err != nil {
		r.logger.Warn("Notification failed", zap.Error(err))
	}
}
