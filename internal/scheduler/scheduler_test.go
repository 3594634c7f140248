package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trend_trading/internal/jobs"
)

type memoryStore struct {
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

func (m *memoryStore) UpsertSystemState(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memoryStore) LoadSystemState(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

type counter struct {
	calls int
	err   error
}

func (c *counter) job(ctx context.Context) error {
	c.calls++
	return c.err
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

// Monday 2024-03-04, before the DST switch.
func at(loc *time.Location, day, hour, min int) time.Time {
	return time.Date(2024, 3, day, hour, min, 0, 0, loc)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorStart = "09:20"
	return cfg
}

func TestTick_MonitorOncePerBucket(t *testing.T) {
	loc := newYork(t)
	monitor := &counter{}
	s, err := New(testConfig(), Jobs{Monitor: monitor.job}, jobs.NewGate(), nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.tick(ctx, at(loc, 4, 9, 20))
	s.tick(ctx, at(loc, 4, 9, 21))
	if monitor.calls != 1 {
		t.Fatalf("Expected 1 monitor run in the first bucket, got %d", monitor.calls)
	}
	s.tick(ctx, at(loc, 4, 9, 25))
	if monitor.calls != 2 {
		t.Errorf("Expected a second run in the next bucket, got %d", monitor.calls)
	}
	s.tick(ctx, at(loc, 4, 9, 10))
	s.tick(ctx, at(loc, 4, 16, 30))
	if monitor.calls != 2 {
		t.Errorf("Expected no runs outside the window, got %d", monitor.calls)
	}
	if s.State().LastRuns[JobMonitor] == "" {
		t.Error("Expected monitor last run to be recorded")
	}
}

func TestTick_ExactMinuteJobs(t *testing.T) {
	loc := newYork(t)
	morning, eod, bt, lab := &counter{}, &counter{}, &counter{}, &counter{}
	s, err := New(DefaultConfig(), Jobs{
		Morning:     morning.job,
		EODClose:    eod.job,
		Backtest:    bt.job,
		StrategyLab: lab.job,
	}, jobs.NewGate(), nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.tick(ctx, at(loc, 4, 9, 24))
	s.tick(ctx, at(loc, 4, 9, 25))
	s.tick(ctx, at(loc, 4, 9, 25).Add(20*time.Second))
	s.tick(ctx, at(loc, 4, 16, 1))
	if morning.calls != 1 || eod.calls != 1 {
		t.Errorf("Expected morning and eod once, got %d and %d", morning.calls, eod.calls)
	}

	// Saturday: weekly jobs only.
	s.tick(ctx, at(loc, 9, 9, 25))
	s.tick(ctx, at(loc, 9, 10, 30))
	s.tick(ctx, at(loc, 9, 11, 0))
	if morning.calls != 1 {
		t.Errorf("Expected no morning run on Saturday, got %d", morning.calls)
	}
	if bt.calls != 1 || lab.calls != 1 {
		t.Errorf("Expected backtest and strategy lab once, got %d and %d", bt.calls, lab.calls)
	}
}

func TestTick_GateBusyDoesNotConsumeKey(t *testing.T) {
	loc := newYork(t)
	monitor := &counter{}
	gate := jobs.NewGate()
	s, err := New(testConfig(), Jobs{Monitor: monitor.job}, gate, nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	gate.TryAcquire("manual")
	s.tick(ctx, at(loc, 4, 9, 20))
	if monitor.calls != 0 {
		t.Fatal("Expected no run while gate is held")
	}
	gate.Release()
	s.tick(ctx, at(loc, 4, 9, 21))
	if monitor.calls != 1 {
		t.Errorf("Expected run once the gate frees, got %d", monitor.calls)
	}
	if job, _ := gate.Running(); job != "" {
		t.Errorf("Expected gate released after job, got %q", job)
	}
}

func TestTick_RecordsAndClearsErrors(t *testing.T) {
	loc := newYork(t)
	monitor := &counter{err: errors.New("quotes unavailable")}
	s, err := New(testConfig(), Jobs{Monitor: monitor.job}, jobs.NewGate(), nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.tick(ctx, at(loc, 4, 9, 20))
	if got := s.State().LastErrors[JobMonitor]; got != "quotes unavailable" {
		t.Fatalf("Expected recorded error, got %q", got)
	}
	monitor.err = nil
	s.tick(ctx, at(loc, 4, 9, 25))
	st := s.State()
	if _, ok := st.LastErrors[JobMonitor]; ok {
		t.Error("Expected error cleared after success")
	}
	if st.LastRuns[JobMonitor] == "" {
		t.Error("Expected last run recorded")
	}
}

func TestFiredKeys_PersistAcrossRestart(t *testing.T) {
	loc := newYork(t)
	store := newMemoryStore()
	morning := &counter{}
	ctx := context.Background()

	first, err := New(DefaultConfig(), Jobs{Morning: morning.job}, jobs.NewGate(), store, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.tick(ctx, at(loc, 4, 9, 25))

	var st firedState
	if err := json.Unmarshal([]byte(store.values[StateKey]), &st); err != nil {
		t.Fatalf("Expected persisted state: %v", err)
	}
	if st.Date != "2024-03-04" || len(st.Keys) != 1 || st.Keys[0] != "morning:2024-03-04" {
		t.Fatalf("Unexpected persisted state: %+v", st)
	}

	second, err := New(DefaultConfig(), Jobs{Morning: morning.job}, jobs.NewGate(), store, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	second.now = func() time.Time { return at(loc, 4, 9, 25).Add(30 * time.Second) }
	second.hydrate(ctx)
	second.tick(ctx, second.now())
	if morning.calls != 1 {
		t.Errorf("Expected no refire after restart, got %d runs", morning.calls)
	}

	// Next day starts clean.
	second.tick(ctx, at(loc, 5, 9, 25))
	if morning.calls != 2 {
		t.Errorf("Expected a run on the next day, got %d", morning.calls)
	}
	if err := json.Unmarshal([]byte(store.values[StateKey]), &st); err != nil {
		t.Fatal(err)
	}
	if st.Date != "2024-03-05" || len(st.Keys) != 1 {
		t.Errorf("Expected pruned state for the new day, got %+v", st)
	}
}

func TestHydrate_IgnoresStaleDate(t *testing.T) {
	loc := newYork(t)
	store := newMemoryStore()
	store.values[StateKey] = `{"date":"2024-03-01","keys":["morning:2024-03-04"]}`
	morning := &counter{}
	s, err := New(DefaultConfig(), Jobs{Morning: morning.job}, jobs.NewGate(), store, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return at(loc, 4, 9, 25) }
	s.hydrate(context.Background())
	s.tick(context.Background(), s.now())
	if morning.calls != 1 {
		t.Errorf("Expected stale keys ignored, got %d runs", morning.calls)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	loc := newYork(t)
	s, err := New(DefaultConfig(), Jobs{}, jobs.NewGate(), nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return at(loc, 9, 3, 0) }
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	if !s.State().Enabled {
		t.Fatal("Expected scheduler enabled")
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("Expected scheduler stopped")
	}
	s.Start(ctx)
	if !s.Running() {
		t.Error("Expected restart to succeed")
	}
	s.Stop()
}

func TestNew_ClampsAndValidates(t *testing.T) {
	loc := newYork(t)
	cfg := DefaultConfig()
	cfg.TickSeconds = 1
	cfg.MonitorIntervalSeconds = 10
	s, err := New(cfg, Jobs{}, jobs.NewGate(), nil, loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := s.State(); st.TickSeconds != 5 || st.MonitorIntervalSeconds != 60 {
		t.Errorf("Expected clamped 5s/60s, got %d/%d", st.TickSeconds, st.MonitorIntervalSeconds)
	}

	cfg.MorningAt = "9am"
	if _, err := New(cfg, Jobs{}, jobs.NewGate(), nil, loc, nil); err == nil {
		t.Error("Expected invalid fire time to be rejected")
	}
}
