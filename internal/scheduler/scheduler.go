// Package scheduler fires the pipeline jobs from exchange-local wall-clock
// times on a background ticker.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateKey is the system-state key holding the dedupe keys fired today.
const StateKey = "scheduler_fired"

const (
	minTick            = 5 * time.Second
	minMonitorInterval = 60 * time.Second
	clockLayout        = "15:04"
)

// Job names, also used as lastRuns/lastErrors keys.
const (
	JobMorning     = "morning"
	JobMonitor     = "monitor"
	JobEODClose    = "eod_close"
	JobBacktest    = "backtest"
	JobStrategyLab = "strategy_lab"
	tickErrorKey   = "tick"
)

// Config holds fire times as HH:MM in the exchange timezone.
type Config struct {
	TickSeconds            int    `yaml:"tick_seconds" json:"tickSeconds"`
	MonitorIntervalSeconds int    `yaml:"monitor_interval_seconds" json:"monitorIntervalSeconds"`
	MorningAt              string `yaml:"morning_at" json:"morningAt"`
	MonitorStart           string `yaml:"monitor_start" json:"monitorStart"`
	MonitorEnd             string `yaml:"monitor_end" json:"monitorEnd"`
	EODAt                  string `yaml:"eod_at" json:"eodAt"`
	BacktestWeekday        string `yaml:"backtest_weekday" json:"backtestWeekday"`
	BacktestAt             string `yaml:"backtest_at" json:"backtestAt"`
	StrategyLabWeekday     string `yaml:"strategy_lab_weekday" json:"strategyLabWeekday"`
	StrategyLabAt          string `yaml:"strategy_lab_at" json:"strategyLabAt"`
}

// DefaultConfig returns US regular-session timings.
func DefaultConfig() Config {
	return Config{
		TickSeconds:            20,
		MonitorIntervalSeconds: 300,
		MorningAt:              "09:25",
		MonitorStart:           "09:35",
		MonitorEnd:             "15:55",
		EODAt:                  "16:01",
		BacktestWeekday:        "Sat",
		BacktestAt:             "10:30",
		StrategyLabWeekday:     "Sat",
		StrategyLabAt:          "11:00",
	}
}

func (c Config) validate() error {
	for name, v := range map[string]string{
		"morning_at":      c.MorningAt,
		"monitor_start":   c.MonitorStart,
		"monitor_end":     c.MonitorEnd,
		"eod_at":          c.EODAt,
		"backtest_at":     c.BacktestAt,
		"strategy_lab_at": c.StrategyLabAt,
	} {
		if _, err := time.Parse(clockLayout, v); err != nil {
			return fmt.Errorf("scheduler %s %q: %w", name, v, err)
		}
	}
	return nil
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Jobs are the functions fired by the scheduler. Nil entries never fire.
type Jobs struct {
	Morning     Job
	Monitor     Job
	EODClose    Job
	Backtest    Job
	StrategyLab Job
}

// Gate is the single-flight coordinator consulted before every fire.
type Gate interface {
	TryAcquire(job string) bool
	Release()
}

// StateStore persists the fired dedupe keys.
type StateStore interface {
	UpsertSystemState(ctx context.Context, key, value string) error
	LoadSystemState(ctx context.Context, key string) (string, bool, error)
}

type firedState struct {
	Date string   `json:"date"`
	Keys []string `json:"keys"`
}

// State is a status snapshot.
type State struct {
	Enabled                bool              `json:"enabled"`
	Timezone               string            `json:"timezone"`
	TickSeconds            int               `json:"tickSeconds"`
	MonitorIntervalSeconds int               `json:"monitorIntervalSeconds"`
	MorningAt              string            `json:"morningAt"`
	MonitorWindow          string            `json:"monitorWindow"`
	EODAt                  string            `json:"eodAt"`
	BacktestAt             string            `json:"backtestAt"`
	BacktestWeekday        string            `json:"backtestWeekday"`
	StrategyLabAt          string            `json:"strategyLabAt"`
	StrategyLabWeekday     string            `json:"strategyLabWeekday"`
	LastRuns               map[string]string `json:"lastRuns"`
	LastErrors             map[string]string `json:"lastErrors"`
}

type Scheduler struct {
	cfg    Config
	jobs   Jobs
	gate   Gate
	store  StateStore
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	stop       chan struct{}
	running    bool
	date       string
	fired      map[string]struct{}
	lastRuns   map[string]string
	lastErrors map[string]string
}

// New clamps the tick to 5s and the monitor interval to 60s.
func New(cfg Config, jobs Jobs, gate Gate, store StateStore, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, fmt.Errorf("scheduler: nil location")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.TickSeconds = max(cfg.TickSeconds, int(minTick/time.Second))
	cfg.MonitorIntervalSeconds = max(cfg.MonitorIntervalSeconds, int(minMonitorInterval/time.Second))
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		gate:       gate,
		store:      store,
		loc:        loc,
		logger:     logger,
		now:        time.Now,
		fired:      make(map[string]struct{}),
		lastRuns:   make(map[string]string),
		lastErrors: make(map[string]string),
	}, nil
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.hydrate(ctx)
	s.logger.Info("Scheduler started",
		zap.Int("tick_seconds", s.cfg.TickSeconds),
		zap.String("timezone", s.loc.String()))
	go s.loop(ctx, stop)
}

// Stop asks the loop to exit at its next tick boundary. It does not wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	s.running = false
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Enabled:                s.running,
		Timezone:               s.loc.String(),
		TickSeconds:            s.cfg.TickSeconds,
		MonitorIntervalSeconds: s.cfg.MonitorIntervalSeconds,
		MorningAt:              s.cfg.MorningAt,
		MonitorWindow:          s.cfg.MonitorStart + "-" + s.cfg.MonitorEnd,
		EODAt:                  s.cfg.EODAt,
		BacktestAt:             s.cfg.BacktestAt,
		BacktestWeekday:        s.cfg.BacktestWeekday,
		StrategyLabAt:          s.cfg.StrategyLabAt,
		StrategyLabWeekday:     s.cfg.StrategyLabWeekday,
		LastRuns:               make(map[string]string, len(s.lastRuns)),
		LastErrors:             make(map[string]string, len(s.lastErrors)),
	}
	for k, v := range s.lastRuns {
		st.LastRuns[k] = v
	}
	for k, v := range s.lastErrors {
		st.LastErrors[k] = v
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.cfg.TickSeconds) * time.Second)
	defer ticker.Stop()

	s.safeTick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.recordError(tickErrorKey, fmt.Sprint(r))
			s.logger.Error("Scheduler tick panicked", zap.Any("panic", r))
		}
	}()
	s.tick(ctx, s.now())
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	local := now.In(s.loc)
	date := local.Format(time.DateOnly)
	weekday := local.Format("Mon")
	hhmm := local.Format(clockLayout)
	trading := weekday != "Sat" && weekday != "Sun"

	s.rollover(date)

	if trading && hhmm == s.cfg.MorningAt {
		s.try(ctx, JobMorning, "morning:"+date, s.jobs.Morning)
	}
	if trading && hhmm >= s.cfg.MonitorStart && hhmm <= s.cfg.MonitorEnd {
		bucket := now.Unix() / int64(s.cfg.MonitorIntervalSeconds)
		s.try(ctx, JobMonitor, fmt.Sprintf("monitor:%d", bucket), s.jobs.Monitor)
	}
	if trading && hhmm == s.cfg.EODAt {
		s.try(ctx, JobEODClose, "eod:"+date, s.jobs.EODClose)
	}
	if weekday == s.cfg.BacktestWeekday && hhmm == s.cfg.BacktestAt {
		s.try(ctx, JobBacktest, "backtest:"+date, s.jobs.Backtest)
	}
	if weekday == s.cfg.StrategyLabWeekday && hhmm == s.cfg.StrategyLabAt {
		s.try(ctx, JobStrategyLab, "strategy_lab:"+date, s.jobs.StrategyLab)
	}
}

// try fires fn when key has not fired and the gate is free. The key is
// recorded before fn runs.
func (s *Scheduler) try(ctx context.Context, job, key string, fn Job) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	_, seen := s.fired[key]
	s.mu.Unlock()
	if seen {
		return
	}
	if !s.gate.TryAcquire(job) {
		s.logger.Debug("Scheduler gate busy", zap.String("job", job), zap.String("key", key))
		return
	}
	defer s.gate.Release()

	s.mu.Lock()
	s.fired[key] = struct{}{}
	s.mu.Unlock()
	s.persist(ctx)

	start := time.Now()
	s.logger.Info("Scheduled job firing", zap.String("job", job), zap.String("key", key))
	if err := fn(ctx); err != nil {
		s.recordError(job, err.Error())
		s.logger.Error("Scheduled job failed", zap.String("job", job), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastRuns[job] = time.Now().UTC().Format(time.RFC3339)
	delete(s.lastErrors, job)
	s.mu.Unlock()
	s.logger.Info("Scheduled job finished", zap.String("job", job), zap.Duration("duration", time.Since(start)))
}

func (s *Scheduler) recordError(key, msg string) {
	s.mu.Lock()
	s.lastErrors[key] = msg
	s.mu.Unlock()
}

// rollover drops every fired key from a previous exchange-local date.
func (s *Scheduler) rollover(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date == date {
		return
	}
	if s.date != "" {
		s.logger.Info("Scheduler date rollover", zap.String("from", s.date), zap.String("to", date))
	}
	s.date = date
	s.fired = make(map[string]struct{})
}

func (s *Scheduler) hydrate(ctx context.Context) {
	if s.store == nil {
		return
	}
	raw, ok, err := s.store.LoadSystemState(ctx, StateKey)
	if err != nil {
		s.recordError(tickErrorKey, err.Error())
		s.logger.Warn("Could not load scheduler state", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var st firedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		s.logger.Warn("Ignoring corrupt scheduler state", zap.Error(err))
		return
	}
	today := s.now().In(s.loc).Format(time.DateOnly)
	if st.Date != today {
		return
	}
	s.mu.Lock()
	s.date = st.Date
	s.fired = make(map[string]struct{}, len(st.Keys))
	for _, k := range st.Keys {
		s.fired[k] = struct{}{}
	}
	s.mu.Unlock()
	s.logger.Info("Scheduler state restored", zap.Int("fired", len(st.Keys)))
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	st := firedState{Date: s.date, Keys: make([]string, 0, len(s.fired))}
	for k := range s.fired {
		st.Keys = append(st.Keys, k)
	}
	s.mu.Unlock()
	sort.Strings(st.Keys)

	data, err := json.Marshal(st)
	if err != nil {
		s.recordError(tickErrorKey, err.Error())
		return
	}
	if err := s.store.UpsertSystemState(ctx, StateKey, string(data)); err != nil {
		s.recordError(tickErrorKey, err.Error())
		s.logger.Warn("Could not persist scheduler state", zap.Error(err))
	}
}
