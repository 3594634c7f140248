package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"trend_trading/internal/models"
	"trend_trading/internal/scheduler"
	"trend_trading/internal/signal"
)

// ErrConfiguration marks missing credentials or unknown mode values.
var ErrConfiguration = errors.New("configuration error")

const (
	ModePaper = "paper"
	ModeLive  = "live"

	SourceAlpaca = "alpaca"
	SourceCSV    = "csv"

	BackendNoop       = "noop"
	BackendFile       = "file"
	BackendClickHouse = "clickhouse"
)

// DefaultUniverse is screened when neither the request nor the strategy
// file names symbols.
var DefaultUniverse = []string{
	"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "AVGO", "TSLA", "JPM", "V",
	"LLY", "UNH", "XOM", "MA", "COST", "HD", "PG", "JNJ", "NFLX", "CRM",
}

// BacktestSettings are the scheduled backtest and strategy lab parameters.
type BacktestSettings struct {
	LookbackDays     int       `yaml:"lookback_days"`
	InitialCapital   float64   `yaml:"initial_capital"`
	MaxHoldDays      int       `yaml:"max_hold_days"`
	SlippageBps      float64   `yaml:"slippage_bps"`
	FeeBps           float64   `yaml:"fee_bps"`
	MaxOpenPositions int       `yaml:"max_open_positions"`
	MaxResults       int       `yaml:"max_results"`
	LabATRMultiples  []float64 `yaml:"lab_atr_multiples"`
	LabMinRSIs       []float64 `yaml:"lab_min_rsis"`
}

type MonitorSettings struct {
	TrailingATRMultiple float64 `yaml:"trailing_atr_multiple"`
}

// ScreenerSettings are the filter defaults for API and CLI screener runs.
type ScreenerSettings struct {
	RSIMin         float64 `yaml:"rsi_min"`
	RSIMax         float64 `yaml:"rsi_max"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
	MinADV20       float64 `yaml:"min_adv20"`
	MinPrice       float64 `yaml:"min_price"`
	MaxPrice       float64 `yaml:"max_price"`
	MinRSScore     float64 `yaml:"min_rs_score"`
	MaxResults     int     `yaml:"max_results"`
}

// Strategy is the content of the strategy file.
type Strategy struct {
	Universe  []string          `yaml:"universe"`
	Benchmark string            `yaml:"benchmark"`
	Exchange  string            `yaml:"exchange"`
	Timezone  string            `yaml:"timezone"`
	Risk      models.RiskLimits `yaml:"risk"`
	Signal    signal.Config     `yaml:"signal"`
	Screener  ScreenerSettings  `yaml:"screener"`
	Backtest  BacktestSettings  `yaml:"backtest"`
	Monitor   MonitorSettings   `yaml:"monitor"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
}

func DefaultStrategy() Strategy {
	return Strategy{
		Universe:  append([]string(nil), DefaultUniverse...),
		Benchmark: "SPY",
		Exchange:  "US",
		Timezone:  "America/New_York",
		Risk: models.RiskLimits{
			MaxDailyLoss:         25_000,
			MaxOpenPositions:     5,
			MaxOrdersPerDay:      10,
			MaxExposurePerSymbol: 250_000,
			RiskPerTrade:         0.015,
		},
		Signal: signal.DefaultConfig(),
		Screener: ScreenerSettings{
			RSIMin:         50,
			RSIMax:         80,
			MinVolumeRatio: 1.1,
			MinADV20:       50_000_000,
			MinPrice:       50,
			MaxPrice:       10_000,
			MinRSScore:     -0.5,
			MaxResults:     50,
		},
		Backtest: BacktestSettings{
			LookbackDays:     365,
			InitialCapital:   1_000_000,
			MaxHoldDays:      15,
			SlippageBps:      5,
			FeeBps:           12,
			MaxOpenPositions: 5,
			MaxResults:       5,
			LabATRMultiples:  []float64{1.5, 2, 2.5},
			LabMinRSIs:       []float64{50, 55, 60},
		},
		Monitor:   MonitorSettings{TrailingATRMultiple: 2},
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Config holds the runtime settings.
type Config struct {
	Version string

	TradingMode string
	DataSource  string
	CSVDataDir  string

	AlpacaKeyID     string
	AlpacaSecretKey string
	AlpacaBaseURL   string
	AlpacaDataFeed  string

	StoreBackend       string
	StateFile          string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	TelegramBotToken string
	TelegramChatID   string

	HTTPAddr         string
	PaperEquity      float64
	SchedulerEnabled bool

	LogLevel      string
	LogFile       string
	MaxLogSizeMB  int64
	MaxLogBackups int

	StrategyFile string
	Strategy     Strategy
}

// secretVars are masked when the .env file is echoed.
var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"CLICKHOUSE_PASSWORD": true,
}

// Load reads .env into the process environment, then the strategy file,
// then applies environment overrides. It does not validate.
func Load(log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found, using system environment variables")
	} else {
		logEnvFile(log)
	}

	cfg := &Config{
		TradingMode:        strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
		DataSource:         strings.ToLower(getEnv("DATA_SOURCE", SourceAlpaca)),
		CSVDataDir:         getEnv("CSV_DATA_DIR", "data"),
		AlpacaKeyID:        os.Getenv("APCA_API_KEY_ID"),
		AlpacaSecretKey:    os.Getenv("APCA_API_SECRET_KEY"),
		AlpacaBaseURL:      getEnv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaDataFeed:     getEnv("APCA_DATA_FEED", "iex"),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendFile)),
		StateFile:          getEnv("STATE_FILE", "trend_state.json"),
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "trend_trading"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:     os.Getenv("TELEGRAM_CHAT_ID"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		PaperEquity:        getEnvAsFloat64(log, "PAPER_EQUITY", 1_000_000),
		SchedulerEnabled:   getEnvAsBool(log, "SCHEDULER_ENABLED", true),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", "trend_watcher.log"),
		MaxLogSizeMB:       int64(getEnvAsInt(log, "MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups:      getEnvAsInt(log, "MAX_LOG_BACKUPS", 3),
		StrategyFile:       getEnv("STRATEGY_FILE", "strategy.yaml"),
		Strategy:           DefaultStrategy(),
	}

	if err := loadStrategy(cfg.StrategyFile, &cfg.Strategy); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Info("Strategy file not found, using defaults", zap.String("file", cfg.StrategyFile))
	}
	applyOverrides(log, &cfg.Strategy)
	return cfg, nil
}

func loadStrategy(path string, s *Strategy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse strategy file %s: %w", path, err)
	}
	return nil
}

func applyOverrides(log *zap.Logger, s *Strategy) {
	s.Risk.MaxDailyLoss = getEnvAsFloat64(log, "MAX_DAILY_LOSS", s.Risk.MaxDailyLoss)
	s.Risk.MaxOpenPositions = getEnvAsInt(log, "MAX_OPEN_POSITIONS", s.Risk.MaxOpenPositions)
	s.Risk.MaxOrdersPerDay = getEnvAsInt(log, "MAX_ORDERS_PER_DAY", s.Risk.MaxOrdersPerDay)
	s.Risk.MaxExposurePerSymbol = getEnvAsFloat64(log, "MAX_EXPOSURE_PER_SYMBOL", s.Risk.MaxExposurePerSymbol)
	s.Risk.RiskPerTrade = getEnvAsFloat64(log, "RISK_PER_TRADE", s.Risk.RiskPerTrade)

	s.Signal.MinRSI = getEnvAsFloat64(log, "STRATEGY_MIN_RSI", s.Signal.MinRSI)
	s.Signal.BreakoutBufferPct = getEnvAsFloat64(log, "STRATEGY_BREAKOUT_BUFFER_PCT", s.Signal.BreakoutBufferPct)
	s.Signal.ATRStopMultiple = getEnvAsFloat64(log, "ATR_STOP_MULTIPLE", s.Signal.ATRStopMultiple)
	s.Signal.MinCapitalDeployPct = getEnvAsFloat64(log, "MIN_CAPITAL_DEPLOY_PCT", s.Signal.MinCapitalDeployPct)
	s.Signal.MinADV20 = getEnvAsFloat64(log, "STRATEGY_MIN_ADV20", s.Signal.MinADV20)
	s.Signal.MinVolumeRatio = getEnvAsFloat64(log, "STRATEGY_MIN_VOLUME_RATIO", s.Signal.MinVolumeRatio)
	s.Signal.MaxSignals = getEnvAsInt(log, "STRATEGY_MAX_SIGNALS", s.Signal.MaxSignals)

	s.Monitor.TrailingATRMultiple = getEnvAsFloat64(log, "TRAILING_ATR_MULTIPLE", s.Monitor.TrailingATRMultiple)
}

// Validate reports unknown mode values and missing broker credentials.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("%w: unknown TRADING_MODE %q", ErrConfiguration, c.TradingMode)
	}
	switch c.DataSource {
	case SourceAlpaca, SourceCSV:
	default:
		return fmt.Errorf("%w: unknown DATA_SOURCE %q", ErrConfiguration, c.DataSource)
	}
	switch c.StoreBackend {
	case BackendNoop, BackendFile, BackendClickHouse:
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrConfiguration, c.StoreBackend)
	}
	if c.NeedsAlpaca() && (c.AlpacaKeyID == "" || c.AlpacaSecretKey == "") {
		return fmt.Errorf("%w: missing Alpaca credentials (APCA_API_KEY_ID, APCA_API_SECRET_KEY)", ErrConfiguration)
	}
	if c.DataSource == SourceCSV && c.CSVDataDir == "" {
		return fmt.Errorf("%w: CSV_DATA_DIR is empty", ErrConfiguration)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// NeedsAlpaca reports whether market data or execution goes to the broker.
func (c *Config) NeedsAlpaca() bool {
	return c.DataSource == SourceAlpaca || c.TradingMode == ModeLive
}

// DBConfigured reports whether a durable store backend is selected.
func (c *Config) DBConfigured() bool {
	return c.StoreBackend == BackendClickHouse
}

// Location is the exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Strategy.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrConfiguration, c.Strategy.Timezone, err)
	}
	return loc, nil
}

// logEnvFile echoes the .env file with secrets masked to the last 4 chars.
func logEnvFile(log *zap.Logger) {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	for key, val := range envMap {
		if secretVars[key] {
			masked := "***"
			if len(val) > 4 {
				masked = "***" + val[len(val)-4:]
			}
			val = masked
		}
		log.Debug("env", zap.String("key", key), zap.String("value", val))
	}
}
