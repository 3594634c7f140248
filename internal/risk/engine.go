// Package risk is the stateful pre-trade gate. Counters (orders placed and
// realized loss) are scoped to the exchange-local trading date and persisted
// under the "risk_counters" system-state key so restarts within a day keep
// them.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"trend_trading/internal/models"

	"go.uber.org/zap"
)

const StateKey = "risk_counters"

// Reasons returned by PreTradeCheck, in check order.
const (
	ReasonDailyLoss    = "Daily loss limit breached"
	ReasonMaxOrders    = "Max orders per day reached"
	ReasonMaxPositions = "Max open positions reached"
	ReasonHolding      = "Already holding symbol"
	ReasonExposure     = "Max exposure per symbol breached"
)

// PositionReader is the read-only view of the position store the gate needs.
type PositionReader interface {
	Count() int
	Qty(symbol string) int
}

// StateStore persists the counters.
type StateStore interface {
	UpsertSystemState(ctx context.Context, key, value string) error
	LoadSystemState(ctx context.Context, key string) (string, bool, error)
}

// Result is a gating decision. Reason is empty when OK.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Counters is the persisted per-day state.
type Counters struct {
	Date        string  `json:"date"`
	OrdersToday int     `json:"ordersToday"`
	DailyLoss   float64 `json:"dailyLoss"`
}

type Engine struct {
	limits    models.RiskLimits
	positions PositionReader
	store     StateStore
	loc       *time.Location
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	counters Counters
}

func NewEngine(limits models.RiskLimits, positions PositionReader, store StateStore, loc *time.Location, logger *zap.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		limits:    limits,
		positions: positions,
		store:     store,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
	}
	e.counters.Date = e.today()
	return e
}

func (e *Engine) Limits() models.RiskLimits { return e.limits }

func (e *Engine) today() string {
	return e.now().In(e.loc).Format("2006-01-02")
}

// Hydrate restores today's counters. Counters from an earlier date are
// discarded.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	raw, ok, err := e.store.LoadSystemState(ctx, StateKey)
	if err != nil {
		return fmt.Errorf("load risk counters: %w", err)
	}
	if !ok {
		return nil
	}
	var c Counters
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		e.logger.Warn("Ignoring unreadable risk counters", zap.Error(err))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c.Date == e.today() {
		e.counters = c
		e.logger.Info("Risk counters restored",
			zap.Int("orders_today", c.OrdersToday),
			zap.Float64("daily_loss", c.DailyLoss))
	}
	return nil
}

// rollover resets counters when the exchange-local date changed. Caller holds e.mu.
func (e *Engine) rollover() {
	if d := e.today(); d != e.counters.Date {
		e.counters = Counters{Date: d}
	}
}

// PreTradeCheck gates sig. The first failing check wins.
func (e *Engine) PreTradeCheck(sig models.Signal) Result {
	e.mu.Lock()
	e.rollover()
	c := e.counters
	e.mu.Unlock()

	switch {
	case c.DailyLoss <= -math.Abs(e.limits.MaxDailyLoss):
		return Result{Reason: ReasonDailyLoss}
	case c.OrdersToday >= e.limits.MaxOrdersPerDay:
		return Result{Reason: ReasonMaxOrders}
	case e.positions.Count() >= e.limits.MaxOpenPositions:
		return Result{Reason: ReasonMaxPositions}
	case e.positions.Qty(sig.Symbol) > 0:
		return Result{Reason: ReasonHolding}
	case float64(sig.Qty)*sig.EntryPrice > e.limits.MaxExposurePerSymbol:
		return Result{Reason: ReasonExposure}
	}
	return Result{OK: true}
}

// RegisterOrder counts a placed order against today's limit.
func (e *Engine) RegisterOrder(ctx context.Context) error {
	e.mu.Lock()
	e.rollover()
	e.counters.OrdersToday++
	c := e.counters
	e.mu.Unlock()
	return e.persist(ctx, c)
}

// RegisterLoss accumulates a realized loss. The sign of amount is ignored.
func (e *Engine) RegisterLoss(ctx context.Context, amount float64) error {
	e.mu.Lock()
	e.rollover()
	e.counters.DailyLoss -= math.Abs(amount)
	c := e.counters
	e.mu.Unlock()
	return e.persist(ctx, c)
}

// Counters returns today's counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()
	return e.counters
}

func (e *Engine) persist(ctx context.Context, c Counters) error {
	if e.store == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := e.store.UpsertSystemState(ctx, StateKey, string(b)); err != nil {
		return fmt.Errorf("persist risk counters: %w", err)
	}
	return nil
}
