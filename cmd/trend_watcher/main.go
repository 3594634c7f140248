package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"trend_trading/internal/api"
	"trend_trading/internal/config"
	"trend_trading/internal/logger"
	"trend_trading/internal/market"
	"trend_trading/internal/market/alpaca"
	"trend_trading/internal/market/csvfeed"
	"trend_trading/internal/models"
	"trend_trading/internal/pipeline"
	"trend_trading/internal/scheduler"
	"trend_trading/internal/storage"
	"trend_trading/internal/telegram"
)

const VersionFile = "version.latest"

const usage = `Usage: trend_watcher [command] [flags]

Commands:
  serve            run the scheduler, HTTP API and Telegram listener (default)
  screener         screen the universe (-from, -to, -symbols, -trend)
  backtest         backtest the universe (-from, -to, -symbols)
  morning          place today's gated signals
  morning-preview  preview today's signals without placing (-symbols)
  monitor          evaluate trailing stops
  reconcile        record a snapshot of the book
  eod-close        close every tracked position
  preflight        validate configuration
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	if cmd == "help" || cmd == "-h" {
		fmt.Print(usage)
		return nil
	}

	boot, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	cfg, err := config.Load(boot)
	if err != nil {
		return err
	}
	cfg.Version = readVersion()

	if cmd == "preflight" {
		return printJSON(pipeline.Preflight(cfg, cfg.StoreBackend))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	bot, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID, log.Named("telegram"))
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, store, bot, log)
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return serve(ctx, cfg, rt, store, bot, log)
	case "screener":
		return runScreener(rt, args)
	case "backtest":
		return runBacktest(ctx, rt, args)
	case "morning":
		return exclusive(rt, pipeline.JobMorning, func() (any, error) { return rt.RunMorning(ctx) })
	case "morning-preview":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		symbols := fs.String("symbols", "", "comma-separated symbols")
		_ = fs.Parse(args)
		return exclusive(rt, pipeline.JobMorning, func() (any, error) {
			return rt.PreviewMorning(ctx, splitSymbols(*symbols))
		})
	case "monitor":
		return exclusive(rt, pipeline.JobMonitor, func() (any, error) { return rt.RunMonitor(ctx) })
	case "reconcile":
		return exclusive(rt, pipeline.JobReconcile, func() (any, error) { return rt.RunReconcile(ctx) })
	case "eod-close":
		return exclusive(rt, pipeline.JobEODClose, func() (any, error) { return rt.RunEODClose(ctx) })
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.StoreBackend {
	case config.BackendFile:
		store = storage.NewFileStore(cfg.StateFile, log.Named("store"))
	case config.BackendClickHouse:
		store = storage.NewClickHouseStore(storage.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, log.Named("store"))
	default:
		store = storage.Noop{}
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s store: %w", store.Backend(), err)
	}
	log.Info("Store ready", zap.String("backend", store.Backend()))
	return store, nil
}

// newRuntime picks the data source and executor. Live mode places orders
// through Alpaca and reads equity from the account.
func newRuntime(ctx context.Context, cfg *config.Config, store storage.Store, bot *telegram.Bot, log *zap.Logger) (*pipeline.Runtime, error) {
	opts := pipeline.Options{
		Config:   cfg,
		Store:    store,
		Notifier: bot,
		Logger:   log,
	}

	var broker *alpaca.Provider
	if cfg.NeedsAlpaca() {
		broker = alpaca.NewProvider(cfg.AlpacaDataFeed)
	}
	if cfg.DataSource == config.SourceCSV {
		feed := csvfeed.New(cfg.CSVDataDir)
		opts.Bars, opts.Quotes = feed, feed
	} else {
		opts.Bars, opts.Quotes = broker, broker
	}
	if cfg.TradingMode == config.ModeLive {
		opts.Executor = broker
		opts.Account = broker
	} else {
		opts.Executor = market.NewPaperExecutor()
	}
	return pipeline.New(ctx, opts)
}

func serve(ctx context.Context, cfg *config.Config, rt *pipeline.Runtime, store storage.Store, bot *telegram.Bot, log *zap.Logger) error {
	sched, err := scheduler.New(cfg.Strategy.Scheduler, rt.SchedulerJobs(), rt.Gate(), store, rt.Location(), log.Named("scheduler"))
	if err != nil {
		return err
	}
	if cfg.SchedulerEnabled {
		sched.Start(ctx)
	}
	defer sched.Stop()

	go func() {
		if err := bot.Listen(ctx, rt.HandleCommand); err != nil {
			log.Error("Telegram listener stopped", zap.Error(err))
		}
	}()

	log.Info("Trend Watcher started",
		zap.String("version", cfg.Version),
		zap.String("mode", cfg.TradingMode),
		zap.String("data_source", cfg.DataSource),
		zap.Bool("scheduler", cfg.SchedulerEnabled))
	if err := bot.Notify(fmt.Sprintf("Trend Watcher %s online (%s)", cfg.Version, cfg.TradingMode)); err != nil {
		log.Warn("Startup notification failed", zap.Error(err))
	}

	srv := api.New(ctx, rt, sched, cfg.Version, log.Named("api"))
	err = srv.ListenAndServe(ctx, cfg.HTTPAddr)
	log.Info("Trend Watcher shutting down")
	return err
}

func runScreener(rt *pipeline.Runtime, args []string) error {
	from, to := rt.Window(30)
	fs := flag.NewFlagSet("screener", flag.ExitOnError)
	fs.StringVar(&from, "from", from, "window start YYYY-MM-DD")
	fs.StringVar(&to, "to", to, "window end YYYY-MM-DD")
	symbols := fs.String("symbols", "", "comma-separated symbols")
	trend := fs.String("trend", string(models.TrendUp), "up, down, flat or any")
	_ = fs.Parse(args)

	c := rt.Criteria(from, to, splitSymbols(*symbols))
	c.Trend = models.Trend(*trend)
	rows, err := rt.RunScreener(c)
	if err != nil {
		return err
	}
	return printJSON(rows)
}

func runBacktest(ctx context.Context, rt *pipeline.Runtime, args []string) error {
	def := rt.DefaultBacktestConfig()
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	from := fs.String("from", def.FromDate, "window start YYYY-MM-DD")
	to := fs.String("to", def.ToDate, "window end YYYY-MM-DD")
	symbols := fs.String("symbols", "", "comma-separated symbols")
	_ = fs.Parse(args)

	cfg := rt.BacktestConfig(*from, *to, splitSymbols(*symbols))
	return exclusive(rt, pipeline.JobBacktest, func() (any, error) { return rt.RunBacktest(ctx, cfg) })
}

// exclusive runs fn under the single-flight gate and prints its result.
func exclusive(rt *pipeline.Runtime, job string, fn func() (any, error)) error {
	var out any
	err := rt.Exclusive(job, func() error {
		var err error
		out, err = fn()
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
